package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/errdefs"
)

var tagCmd = &cobra.Command{
	Use:   "tag <name> <commit-id>",
	Short: "Create an immutable tag pointing at a commit",
	Long: `Tags are immutable named references. Creating a tag with an existing
name fails; delete the old tag first with --delete.

Examples:
  mnemo tag release-1.4 3f2a...
  mnemo tag --delete release-1.4`,
	RunE: runTag,
}

var tagMessage string
var tagDelete bool

func init() {
	tagCmd.Flags().StringVarP(&tagMessage, "message", "m", "", "Tag message")
	tagCmd.Flags().BoolVar(&tagDelete, "delete", false, "Delete the named tag")
}

func runTag(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if tagDelete {
		if len(args) != 1 {
			return errdefs.Wrapf(errdefs.ErrValidation, "usage: mnemo tag --delete <name>")
		}
		if err := engine.Journal().DeleteTag(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted tag %s\n", args[0])
		return nil
	}

	if len(args) != 2 {
		return errdefs.Wrapf(errdefs.ErrValidation, "usage: mnemo tag <name> <commit-id>")
	}

	t, err := engine.Journal().Tag(args[0], args[1], tagMessage)
	if err != nil {
		return err
	}

	if verbose {
		printJSON(t)
	} else {
		fmt.Printf("✓ Tag %s -> %s\n", t.Name, t.CommitID)
	}
	return nil
}

var rollupCmd = &cobra.Command{
	Use:   "rollup <branch>",
	Short: "Roll up a branch window into a summary event",
	Long: `Summarize the commits on a branch within a time window into a single
summary event, ingested through the normal path. The summarized events
stay in the log untouched.

Examples:
  mnemo rollup main --days 7
  mnemo rollup feature/x --days 30`,
	Args: cobra.ExactArgs(1),
	RunE: runRollUp,
}

var rollupDays int

func init() {
	rollupCmd.Flags().IntVar(&rollupDays, "days", 7, "Window size in days, ending now")
}

func runRollUp(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	until := time.Now().UTC()
	since := until.AddDate(0, 0, -rollupDays)

	res, err := engine.RollUp(context.Background(), args[0], since, until)
	if err != nil {
		return err
	}

	if verbose {
		printJSON(res)
	} else if res.Created {
		fmt.Printf("✓ Roll-up event: %s\n", res.ID)
	} else {
		fmt.Printf("• Identical roll-up already exists: %s\n", res.ID)
	}
	return nil
}
