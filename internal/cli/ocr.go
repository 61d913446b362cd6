package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/runwatch/internal/capture"
	"github.com/GriffinCanCode/runwatch/internal/timer"
)

// --- runwatch ocr ---

var ocrCmd = &cobra.Command{
	Use:   "ocr FRAME",
	Short: "Read the timer from a saved frame (for calibrating OCR_REGION)",
	Args:  cobra.ExactArgs(1),
	RunE:  runOCR,
}

func init() {
	ocrCmd.Flags().String("crop", "", "Write the preprocessed timer crop to this PNG path")
	rootCmd.AddCommand(ocrCmd)
}

func runOCR(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var cl closers
	defer cl.close()

	frame, err := capture.FileSource{Path: args[0]}.Capture(ctx)
	if err != nil {
		return err
	}
	processor, err := newRecognizer(cfg, nil, &cl)
	if err != nil {
		return err
	}
	res, err := processor.Process(ctx, frame)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("crop"); path != "" {
		if err := os.WriteFile(path, res.Crop, 0o644); err != nil {
			return fmt.Errorf("writing crop: %w", err)
		}
	}

	d := timer.ParseDetailed(res.Text)
	r := d.Timer()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "raw:    %q\n", res.Text)
	fmt.Fprintf(out, "rta:    %s\n", d.RTA)
	fmt.Fprintf(out, "igt:    %s\n", d.IGT)
	if r.Valid {
		fmt.Fprintf(out, "timer:  %s (%s %s)\n", r, cfg.Monitor.Window.Evaluate(r), cfg.Monitor.Window)
	} else {
		fmt.Fprintln(out, "timer:  invalid")
	}
	return nil
}
