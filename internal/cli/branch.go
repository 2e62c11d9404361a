package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage journal branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE:  runBranchList,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch",
	Long: `Create a named branch in the journal. The branch starts at main's
current head unless --base points at another commit.

Examples:
  mnemo branch create feature/login-fix
  mnemo branch create experiment --base 3f2a... --description "retry tuning"`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchCreate,
}

var branchShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a branch and its head commit",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchShow,
}

var (
	branchBase        string
	branchDescription string
)

func init() {
	branchCreateCmd.Flags().StringVar(&branchBase, "base", "", "Base commit id (default: main head)")
	branchCreateCmd.Flags().StringVar(&branchDescription, "description", "", "Branch description")

	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchShowCmd)
}

func runBranchList(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	branches, err := engine.Journal().ListBranches()
	if err != nil {
		return err
	}

	if verbose {
		printJSON(branches)
		return nil
	}

	fmt.Printf("%-24s %-36s %s\n", "NAME", "HEAD", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 80))
	for _, b := range branches {
		head := b.HeadCommit
		if head == "" {
			head = "(no commits)"
		}
		fmt.Printf("%-24s %-36s %s\n", b.Name, head, b.Description)
	}
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	b, err := engine.Journal().CreateBranch(args[0], branchDescription, branchBase)
	if err != nil {
		return err
	}

	if verbose {
		printJSON(b)
	} else {
		fmt.Printf("✓ Created branch %s\n", b.Name)
	}
	return nil
}

func runBranchShow(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	b, err := engine.Journal().GetBranch(args[0])
	if err != nil {
		return err
	}

	if verbose {
		printJSON(b)
		return nil
	}

	fmt.Printf("Branch %s\n", b.Name)
	if b.Description != "" {
		fmt.Printf("  Description: %s\n", b.Description)
	}
	if b.HeadCommit == "" {
		fmt.Println("  Head:        (no commits)")
	} else {
		fmt.Printf("  Head:        %s\n", b.HeadCommit)
	}
	fmt.Printf("  Created:     %s\n", b.CreatedAt.Format("2006-01-02 15:04:05"))

	reachable, err := engine.Journal().ReachableEvents(b.Name)
	if err != nil {
		return err
	}
	fmt.Printf("  Events:      %d reachable from head\n", len(reachable))
	return nil
}
