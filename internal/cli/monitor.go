package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/runwatch/internal/config"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/monitor"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/server"
	"github.com/GriffinCanCode/runwatch/internal/stream"
)

const pushTimeout = 10 * time.Second

// --- runwatch gate ---

var gateCmd = &cobra.Command{
	Use:     "gate",
	Aliases: []string{"check-live"},
	Short:   "Decide whether a monitoring session should start (exit 0 yes, 2 no)",
	Args:    cobra.NoArgs,
	RunE:    runGate,
}

// --- runwatch monitor ---

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"check-timer"},
	Short:   "Run one monitoring session",
	Args:    cobra.NoArgs,
	RunE:    runMonitor,
}

// --- runwatch run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check the gate and monitor in one process",
	Args:  cobra.NoArgs,
	RunE:  runFull,
}

func init() {
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(runCmd)
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var cl closers
	defer cl.close()

	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	d, err := newGate(cfg, newStatusSource(cfg), store).Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "start=%t reason=%s\n", d.Start, d.Reason)
	if !d.Start {
		return &exitError{code: ExitNotStart}
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "monitoring disabled")
		return nil
	}
	ctx := cmd.Context()
	var cl closers
	defer cl.close()

	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	res, err := runSession(ctx, cfg, newStatusSource(cfg), store, &cl)
	if err != nil {
		return err
	}
	return reportResult(cmd.OutOrStdout(), res)
}

func runFull(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var cl closers
	defer cl.close()

	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	status := newStatusSource(cfg)
	d, err := newGate(cfg, status, store).Check(ctx)
	if err != nil {
		return err
	}
	if !d.Start {
		fmt.Fprintf(cmd.OutOrStdout(), "not starting: %s\n", d.Reason)
		return nil
	}
	res, err := runSession(ctx, cfg, status, store, &cl)
	if err != nil {
		return err
	}
	return reportResult(cmd.OutOrStdout(), res)
}

func newGate(cfg *config.Config, status stream.StatusSource, store runstate.Store) *monitor.Gate {
	return monitor.NewGate(cfg.Enabled, cfg.Stream.Category, cfg.Monitor.GateCooldown, status, runstate.NewTracker(store))
}

// runSession wires one monitoring session, serves its status surface while it
// runs and pushes its metrics when it ends.
func runSession(ctx context.Context, cfg *config.Config, status stream.StatusSource, store runstate.Store, cl *closers) (monitor.Result, error) {
	m := metrics.New()
	processor, err := newRecognizer(cfg, m, cl)
	if err != nil {
		return monitor.Result{}, err
	}

	loop := monitor.New(monitor.OptionsFromConfig(cfg), monitor.Deps{
		Status:   status,
		Frames:   newCapturer(cfg, cl),
		OCR:      processor,
		Tracker:  runstate.NewTracker(store),
		Notifier: newNotifier(cfg),
		Archive:  newArchiver(ctx, cfg),
		Events:   newPublisher(cfg, cl),
		Metrics:  m,
	})

	if addr := cfg.Status.Addr; addr != "" {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		srv := server.New(loop.Snapshots(), loop.Feed(), m, slog.Default())
		go func() {
			if err := srv.ListenAndServe(srvCtx, addr); err != nil {
				slog.Error("status server error", "addr", addr, "error", err)
			}
		}()
	}

	res := loop.Run(ctx)

	if url := cfg.Status.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if err := m.Push(pushCtx, url, loop.Instance()); err != nil {
			slog.Warn("metrics push failed", "url", url, "error", err)
		}
		cancel()
	}
	return res, nil
}

// reportResult prints the session summary and maps the outcome to an exit code.
func reportResult(w io.Writer, res monitor.Result) error {
	fmt.Fprintf(w, "outcome=%s run=%s timer=%s polls=%d", res.Outcome, res.RunID, res.Reading, res.Polls)
	if res.Frame != "" {
		fmt.Fprintf(w, " frame=%s", res.Frame)
	}
	fmt.Fprintln(w)

	if code := res.Outcome.ExitCode(); code != ExitOK {
		return &exitError{code: code, err: res.Err}
	}
	return nil
}
