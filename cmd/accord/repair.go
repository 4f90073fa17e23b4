package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Replay orphaned deltas onto the entity store",
	Long: "Diagnose both stores and replay any orphaned deltas onto the entity store. " +
		"Broken chains are reported but never touched. The run aborts if any replay " +
		"disagrees with the recorded hashes.",
	Args: cobra.NoArgs,
	RunE: runRepair,
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, _, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair aborted: %w", err)
	}

	out := cmd.OutOrStdout()

	if jsonOutput {
		return printJSON(out, report)
	}

	if len(report.Results) == 0 {
		fmt.Fprintln(out, "Nothing to repair.")
		return nil
	}

	for _, result := range report.Results {
		status := "skipped"
		if result.Repaired {
			status = "repaired"
		}
		fmt.Fprintf(out, "%-8s  %s  entity=%s", status, result.Issue.Kind, result.Issue.EntityID)
		if result.Issue.DeltaID != "" {
			fmt.Fprintf(out, "  delta=%s", result.Issue.DeltaID)
		}
		fmt.Fprintln(out)
		if result.Detail != "" {
			fmt.Fprintf(out, "  %s\n", result.Detail)
		}
	}
	fmt.Fprintf(out, "\n%d repaired, %d skipped.\n", report.Repaired, report.Skipped)

	return nil
}
