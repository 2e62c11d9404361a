package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report engine health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	h, err := engine.Health()
	if err != nil {
		return err
	}

	if verbose {
		printJSON(h)
		return nil
	}

	fmt.Printf("Status:   %s\n", h.Status)
	fmt.Printf("Events:   %d\n", h.EventCount)
	fmt.Printf("Indexed:  %d\n", h.IndexSize)
	fmt.Printf("Pending:  %d\n", h.Pending)
	if h.Degraded {
		fmt.Println("⚠ semantic index degraded; retrieval falls back to structured ranking")
	}
	return nil
}
