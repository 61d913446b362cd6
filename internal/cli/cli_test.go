package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/runwatch/internal/archive"
	"github.com/GriffinCanCode/runwatch/internal/config"
	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/events"
	"github.com/GriffinCanCode/runwatch/internal/monitor"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/timer"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"plain error", errors.New("boom"), ExitError},
		{"not start", &exitError{code: ExitNotStart}, ExitNotStart},
		{"wrapped exit error", &exitError{code: ExitError, err: errors.New("session failed")}, ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReportResult(t *testing.T) {
	r, _ := timer.ParseReading("12:34")
	tests := []struct {
		name     string
		res      monitor.Result
		wantCode int
		wantOut  string
	}{
		{"notified", monitor.Result{Outcome: monitor.Notified, RunID: "forsen:b1", Reading: r, Polls: 3, Frame: "s3://b/k.jpg"}, ExitOK, "outcome=Notified run=forsen:b1 timer=12:34 polls=3 frame=s3://b/k.jpg"},
		{"no trigger", monitor.Result{Outcome: monitor.NoTrigger}, ExitOK, "outcome=NoTrigger"},
		{"error", monitor.Result{Outcome: monitor.Error, Err: apperrors.New(apperrors.CodeStateUnavailable, "down")}, ExitError, "outcome=Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := reportResult(&buf, tt.res)
			if got := exitCode(err); got != tt.wantCode {
				t.Errorf("exit code = %d, want %d", got, tt.wantCode)
			}
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.wantOut)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("dry-run", false, "")
	cmd.Flags().Bool("single-check", false, "")
	cmd.Flags().String("log-level", "", "")
	if err := cmd.ParseFlags([]string{"--single-check", "--log-level=debug"}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Monitor.DryRun = true
	applyFlags(cmd, cfg)

	if !cfg.Monitor.DryRun {
		t.Error("unset flag must not override DRY_RUN")
	}
	if !cfg.Monitor.SingleCheck {
		t.Error("--single-check not applied")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestNewNotifierChannels(t *testing.T) {
	cfg := &config.Config{}
	cfg.Stream.Channel = "forsen"
	cfg.Notify.Channels = []string{config.ChannelX, config.ChannelPushover}

	n := newNotifier(cfg)
	if len(n) != 2 {
		t.Fatalf("got %d channels, want 2", len(n))
	}
	if n[0].Name != config.ChannelX || n[1].Name != config.ChannelPushover {
		t.Errorf("channel order = %s, %s", n[0].Name, n[1].Name)
	}
}

func TestOpenStoreFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.State.Backend = config.StateFile
	cfg.State.Path = filepath.Join(t.TempDir(), "state.json")

	var cl closers
	defer cl.close()
	store, err := openStore(context.Background(), cfg, &cl)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	fs, ok := store.(*runstate.FileStore)
	if !ok {
		t.Fatalf("store = %T, want *runstate.FileStore", store)
	}
	if fs.Path() != cfg.State.Path {
		t.Errorf("path = %q", fs.Path())
	}
}

func TestNewRecognizerTesseract(t *testing.T) {
	cfg := &config.Config{}
	cfg.OCR.Backend = config.OCRTesseract
	cfg.OCR.TesseractBin = "tesseract"

	var cl closers
	p, err := newRecognizer(cfg, nil, &cl)
	if err != nil || p == nil {
		t.Fatalf("newRecognizer() = %v, %v", p, err)
	}
	if len(cl) != 0 {
		t.Errorf("tesseract backend registered %d closers", len(cl))
	}
}

func TestOptionalSideChannelsDisabled(t *testing.T) {
	cfg := &config.Config{}
	var cl closers

	if _, ok := newArchiver(context.Background(), cfg).(archive.Nop); !ok {
		t.Error("archiver without bucket should be Nop")
	}
	if _, ok := newPublisher(cfg, &cl).(events.Nop); !ok {
		t.Error("publisher without NATS_URL should be Nop")
	}
}

func TestClosersRunInReverse(t *testing.T) {
	var order []int
	var cl closers
	cl.add(func() error { order = append(order, 1); return nil })
	cl.add(func() error { order = append(order, 2); return errors.New("ignored") })
	cl.close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("order = %v, want [2 1]", order)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStateListCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("STATE_BACKEND", "file")
	t.Setenv("STATE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	_ = stateListCmd.Flags().Set("json", "false")

	out, err := execute(t, "state", "list")
	if err != nil {
		t.Fatalf("state list error = %v", err)
	}
	if !strings.Contains(out, "No runs announced yet.") {
		t.Errorf("empty output = %q", out)
	}

	store := runstate.NewFileStore(path)
	at := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	if _, err := store.Add(context.Background(), "forsen:b1", runstate.Record{NotifiedAt: at, Timer: "12:34", Instance: "abc"}); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "state", "list")
	if err != nil {
		t.Fatalf("state list error = %v", err)
	}
	for _, want := range []string{"RUN", "forsen:b1", "2026-03-01T18:30:00Z", "12:34", "abc"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "state", "list", "--json")
	_ = stateListCmd.Flags().Set("json", "false")
	if err != nil {
		t.Fatalf("state list --json error = %v", err)
	}
	if !strings.Contains(out, `"forsen:b1"`) || !strings.Contains(out, `"timer": "12:34"`) {
		t.Errorf("json output = %s", out)
	}
}

func TestStateListRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STATE_BACKEND", "sqlite")
	t.Setenv("LOG_LEVEL", "error")

	_, err := execute(t, "state", "list")
	if !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
		t.Errorf("error = %v, want CONFIG_INVALID", err)
	}
}

func TestOCRCommandMissingFrame(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	missing := filepath.Join(t.TempDir(), "nope.jpg")
	if _, err := os.Stat(missing); err == nil {
		t.Fatal("file should not exist")
	}

	_, err := execute(t, "ocr", missing)
	if !apperrors.IsCode(err, apperrors.CodeCaptureFailed) {
		t.Errorf("error = %v, want CAPTURE_FAILED", err)
	}
}

func TestMonitorRequiresCredentials(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	t.Setenv("LOG_LEVEL", "error")

	_, err := execute(t, "monitor")
	if !apperrors.IsCode(err, apperrors.CodeConfigMissing) {
		t.Errorf("error = %v, want CONFIG_MISSING", err)
	}
}
