package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from the event log",
	Long: `Drop persisted vectors and re-embed every event with the configured
model. Needed after switching embedding providers or models; the event
log itself is untouched.`,
	RunE: runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Reindex(context.Background()); err != nil {
		return err
	}

	h, err := engine.Health()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Reindexed %d of %d events", h.IndexSize, h.EventCount)
	if h.Pending > 0 {
		fmt.Printf(" (%d pending)", h.Pending)
	}
	fmt.Println()
	return nil
}
