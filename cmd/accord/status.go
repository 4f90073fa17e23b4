package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hyperengineering/accord/internal/engine"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store paths, sizes, and consistency state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, cfg, err := resolveEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	issues, err := eng.Diagnose(ctx)
	if err != nil {
		return err
	}

	var orphans, broken int
	for _, issue := range issues {
		if issue.Kind == engine.IssueOrphanedDelta {
			orphans++
		} else {
			broken++
		}
	}

	// Orphaned deltas mean "run repair"; broken chains alone mean repair
	// will not help and the operator needs a different route.
	state := "consistent"
	switch {
	case orphans > 0:
		state = "partially_committed"
	case broken > 0:
		state = "corrupted"
	}

	factSize := fileSize(cfg.Database.FactPath)
	entitySize := fileSize(cfg.Database.EntityPath)

	out := cmd.OutOrStdout()

	if jsonOutput {
		return printJSON(out, map[string]any{
			"state":             state,
			"orphaned_deltas":   orphans,
			"broken_chains":     broken,
			"fact_path":         cfg.Database.FactPath,
			"fact_size_bytes":   factSize,
			"entity_path":       cfg.Database.EntityPath,
			"entity_size_bytes": entitySize,
		})
	}

	fmt.Fprintf(out, "State:           %s\n", state)
	fmt.Fprintf(out, "Orphaned deltas: %d\n", orphans)
	fmt.Fprintf(out, "Broken chains:   %d\n", broken)
	fmt.Fprintf(out, "Fact store:      %s (%d bytes)\n", cfg.Database.FactPath, factSize)
	fmt.Fprintf(out, "Entity store:    %s (%d bytes)\n", cfg.Database.EntityPath, entitySize)

	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
