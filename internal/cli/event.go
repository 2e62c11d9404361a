package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/types"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect events in the log",
}

var eventGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show full details of an event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventGet,
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events with optional filters",
	Long: `List events from the log.

Examples:
  mnemo event list
  mnemo event list --type test_failure --tags flaky
  mnemo event list --branch feature/x --limit 50
  mnemo event list --order importance --min-importance 6`,
	RunE: runEventList,
}

var (
	eventListLimit         int
	eventListTypes         string
	eventListTags          string
	eventListProject       string
	eventListBranch        string
	eventListMinImportance float64
	eventListOrder         string
)

func init() {
	eventListCmd.Flags().IntVarP(&eventListLimit, "limit", "n", 20, "Maximum results")
	eventListCmd.Flags().StringVarP(&eventListTypes, "type", "t", "", "Filter by type(s), comma-separated")
	eventListCmd.Flags().StringVar(&eventListTags, "tags", "", "Filter by tags (any match), comma-separated")
	eventListCmd.Flags().StringVar(&eventListProject, "project", "", "Filter by project")
	eventListCmd.Flags().StringVar(&eventListBranch, "branch", "", "Filter by branch (resolves through the journal)")
	eventListCmd.Flags().Float64Var(&eventListMinImportance, "min-importance", 0, "Minimum importance")
	eventListCmd.Flags().StringVar(&eventListOrder, "order", "recency", "Order (recency, importance)")

	eventCmd.AddCommand(eventGetCmd)
	eventCmd.AddCommand(eventListCmd)
}

func runEventGet(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	event, err := engine.GetEvent(args[0])
	if err != nil {
		return err
	}

	if verbose {
		printJSON(event)
		return nil
	}

	fmt.Printf("Event %s\n", event.ID)
	fmt.Printf("  Type:       %s\n", event.Type)
	fmt.Printf("  Timestamp:  %s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Project:    %s\n", event.Project)
	fmt.Printf("  Branch:     %s\n", event.Branch)
	fmt.Printf("  Importance: %.1f\n", event.Importance)
	if event.Source != "" {
		fmt.Printf("  Source:     %s\n", event.Source)
	}
	if len(event.Tags) > 0 {
		fmt.Printf("  Tags:       %s\n", strings.Join(event.Tags, ", "))
	}
	if event.ParentID != "" {
		fmt.Printf("  Parent:     %s\n", event.ParentID)
	}
	if len(event.RelatedIDs) > 0 {
		fmt.Printf("  Related:    %s\n", strings.Join(event.RelatedIDs, ", "))
	}
	fmt.Printf("  Checksum:   %s\n", event.Checksum)
	if len(event.Data) > 0 {
		fmt.Println("  Data:")
		printJSON(event.Data)
	}

	return nil
}

func runEventList(cmd *cobra.Command, args []string) error {
	opts := types.QueryOptions{
		Limit:         eventListLimit,
		Project:       eventListProject,
		Branch:        eventListBranch,
		MinImportance: eventListMinImportance,
		Order:         types.QueryOrder(eventListOrder),
	}

	if eventListTypes != "" {
		for _, t := range strings.Split(eventListTypes, ",") {
			opts.Types = append(opts.Types, types.EventType(strings.TrimSpace(t)))
		}
	}
	if eventListTags != "" {
		for _, tag := range strings.Split(eventListTags, ",") {
			opts.TagsAny = append(opts.TagsAny, strings.TrimSpace(tag))
		}
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	events, err := engine.QueryEvents(opts)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}

	if verbose {
		printJSON(events)
		return nil
	}

	// Table header
	fmt.Printf("%-14s %-5s %-12s %-10s %s\n", "TYPE", "IMP", "WHEN", "BRANCH", "ID")
	fmt.Println(strings.Repeat("-", 80))

	for _, e := range events {
		typeStr := string(e.Type)
		if len(typeStr) > 14 {
			typeStr = typeStr[:14]
		}
		fmt.Printf("%-14s %-5.1f %-12s %-10s %s\n",
			typeStr, e.Importance, formatTimeAgo(e.Timestamp), e.Branch, e.ID)
	}

	fmt.Printf("\nTotal: %d events\n", len(events))
	return nil
}

func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}
