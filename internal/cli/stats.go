package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Long: `Show statistics about the mnemo store.

Examples:
  mnemo stats`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.Stats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	if verbose {
		printJSON(stats)
	} else {
		fmt.Println("mnemo Statistics")
		fmt.Println("────────────────")
		fmt.Printf("Events:     %d\n", stats["events"])
		fmt.Printf("Pending:    %d\n", stats["pending"])
		fmt.Printf("Embeddings: %d\n", stats["embeddings"])
		fmt.Printf("Branches:   %d\n", stats["branches"])
		fmt.Printf("Commits:    %d\n", stats["commits"])
		fmt.Printf("Tags:       %d\n", stats["tags"])
	}

	return nil
}
