package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var commitCmd = &cobra.Command{
	Use:   "commit <event-id>...",
	Short: "Commit events to a branch",
	Long: `Record a commit associating already-ingested events with a branch.
The branch head advances; nothing is rewritten.

Examples:
  mnemo commit abc123 def456 --branch feature/x -m "login failures"
  mnemo commit abc123 -m "first repro"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCommit,
}

var (
	commitBranch  string
	commitMessage string
)

func init() {
	commitCmd.Flags().StringVarP(&commitBranch, "branch", "b", "main", "Target branch")
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message")
}

func runCommit(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	c, err := engine.Journal().Commit(commitBranch, args, commitMessage)
	if err != nil {
		return err
	}

	if verbose {
		printJSON(c)
	} else {
		fmt.Printf("✓ Commit %s on %s (%d events)\n", c.ID, c.Branch, len(c.EventIDs))
	}
	return nil
}

var mergeCmd = &cobra.Command{
	Use:   "merge <branch>",
	Short: "Merge a branch into another (default: main)",
	Long: `Create a merge commit on the target branch referencing both heads.
Merging a branch whose head is already reachable from the target is a
no-op. Events are never deleted or rewritten.

Examples:
  mnemo merge feature/x
  mnemo merge experiment --into staging`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

var mergeInto string

func init() {
	mergeCmd.Flags().StringVar(&mergeInto, "into", "main", "Target branch")
}

func runMerge(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	c, err := engine.Journal().Merge(args[0], mergeInto)
	if err != nil {
		return err
	}

	if verbose {
		printJSON(c)
		return nil
	}
	if c.MergeParent == "" {
		fmt.Printf("• Nothing to merge, head of %s is %s\n", c.Branch, c.ID)
	} else {
		fmt.Printf("✓ Merged %s into %s at commit %s\n", args[0], c.Branch, c.ID)
	}
	return nil
}
