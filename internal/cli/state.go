package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/runwatch/internal/runstate"
)

// --- runwatch state ---

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the announced-run record",
}

// --- runwatch state list ---

var stateListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List announced runs, oldest first",
	Args:    cobra.NoArgs,
	RunE:    runStateList,
}

func init() {
	stateListCmd.Flags().Bool("json", false, "Print the record as JSON")

	stateCmd.AddCommand(stateListCmd)
	rootCmd.AddCommand(stateCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateState(); err != nil {
		return err
	}
	ctx := cmd.Context()
	var cl closers
	defer cl.close()

	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	state, err := runstate.NewTracker(store).Load(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	ids := state.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No runs announced yet.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tNOTIFIED AT\tTIMER\tINSTANCE")
	for _, id := range ids {
		rec := state.Runs[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, rec.NotifiedAt.UTC().Format(time.RFC3339), rec.Timer, rec.Instance)
	}
	return tw.Flush()
}
