package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run the consistency checker and list detected issues",
	Args:  cobra.NoArgs,
	RunE:  runDiagnose,
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, _, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	issues, err := eng.Diagnose(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if jsonOutput {
		return printJSON(out, map[string]any{
			"issues": issues,
			"count":  len(issues),
		})
	}

	if len(issues) == 0 {
		fmt.Fprintln(out, "No issues found.")
		return nil
	}

	for _, issue := range issues {
		fmt.Fprintf(out, "%s  entity=%s", issue.Kind, issue.EntityID)
		if issue.DeltaID != "" {
			fmt.Fprintf(out, "  delta=%s", issue.DeltaID)
		}
		fmt.Fprintf(out, "\n  %s\n", issue.Detail)
	}
	fmt.Fprintf(out, "\n%d issue(s) found.\n", len(issues))

	return nil
}
