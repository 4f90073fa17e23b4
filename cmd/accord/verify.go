package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <entity-id>",
	Short: "Replay one entity's full delta history and check it against the stored hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	entityID := args[0]
	ctx := context.Background()

	eng, _, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	out := cmd.OutOrStdout()

	if err := eng.VerifyEntity(ctx, entityID); err != nil {
		if jsonOutput {
			return printJSON(out, map[string]any{
				"entity_id": entityID,
				"valid":     false,
				"error":     err.Error(),
			})
		}
		return fmt.Errorf("verify %s: %w", entityID, err)
	}

	if jsonOutput {
		return printJSON(out, map[string]any{
			"entity_id": entityID,
			"valid":     true,
		})
	}

	fmt.Fprintf(out, "Entity %s verified: chain replays to the stored hash.\n", entityID)
	return nil
}
