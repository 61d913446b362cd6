// Package cli implements the runwatch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/runwatch/internal/config"
	"github.com/GriffinCanCode/runwatch/internal/logger"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitNotStart = 2
)

// exitError carries a process exit code out of a command. err may be nil for
// a silent non-zero exit.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "runwatch",
	Short: "Watch a live speedrun and announce a promising in-game time",
	Long: `runwatch watches a Twitch channel, reads the in-game timer off the stream
and posts one announcement per run when the timer enters a configured window.

Configuration comes from the environment (and .env files); flags override it.

  runwatch gate       Exit 0 when a monitoring session should start, 2 when not
  runwatch monitor    Run one monitoring session
  runwatch run        Gate, then monitor, in one process
  runwatch state list Show announced runs
  runwatch ocr FRAME  Read the timer from a saved frame`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Env files to load (default ./.env when present)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Log the announcement instead of posting it")
	rootCmd.PersistentFlags().Bool("single-check", false, "Poll once and exit instead of looping")
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exitCode(rootCmd.ExecuteContext(ctx))
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return ExitError
}

// readConfig loads env files and applies flag overrides without validating.
func readConfig(cmd *cobra.Command) (*config.Config, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Read(envFiles...)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	setupLogger(cfg)
	return cfg, nil
}

// loadConfig is readConfig plus full validation.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Monitor.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("single-check") {
		cfg.Monitor.SingleCheck, _ = flags.GetBool("single-check")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
}

func setupLogger(cfg *config.Config) {
	slog.SetDefault(logger.New(cfg.Log.Level, cfg.Log.Format))
}
