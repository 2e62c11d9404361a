package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <task>",
	Short: "Assemble a context pack for a task",
	Long: `Resolve a retrieval policy for the task, rank candidates and pack
them into a token budget.

Examples:
  mnemo retrieve flaky_triage --input test=TestLogin --input error="connection reset"
  mnemo retrieve root_cause --policy root_cause --budget 3000
  mnemo retrieve default --project backend --branch feature/x`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

var (
	retrieveProject string
	retrieveBranch  string
	retrievePolicy  string
	retrieveBudget  int
	retrieveInputs  []string
)

func init() {
	retrieveCmd.Flags().StringVar(&retrieveProject, "project", "", "Filter by project")
	retrieveCmd.Flags().StringVar(&retrieveBranch, "branch", "", "Filter by branch")
	retrieveCmd.Flags().StringVar(&retrievePolicy, "policy", "", "Policy id (default: resolve by task)")
	retrieveCmd.Flags().IntVar(&retrieveBudget, "budget", 0, "Token budget override")
	retrieveCmd.Flags().StringArrayVar(&retrieveInputs, "input", nil, "Task input as key=value (repeatable)")
}

func parseInputs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errdefs.Wrapf(errdefs.ErrValidation, "bad --input %q, want key=value", kv)
		}
		inputs[k] = v
	}
	return inputs, nil
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(retrieveInputs)
	if err != nil {
		return err
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	pack, err := engine.Retrieve(context.Background(), &types.RetrieveRequest{
		Task:        args[0],
		Project:     retrieveProject,
		Branch:      retrieveBranch,
		Inputs:      inputs,
		PolicyID:    retrievePolicy,
		TokenBudget: retrieveBudget,
	})
	if err != nil {
		return err
	}

	if verbose {
		printJSON(pack)
		return nil
	}

	printPackSummary(pack)
	return nil
}

func printPackSummary(pack *types.ContextPack) {
	fmt.Printf("Pack %s (policy: %s)\n", pack.ID, pack.PolicyID)
	fmt.Printf("  Tokens: %d/%d (efficiency %.2f)\n", pack.TotalTokens, pack.BudgetTokens, pack.Efficiency)
	if pack.Degraded {
		fmt.Println("  ⚠ degraded: semantic index unavailable, structured ranking only")
	}
	if len(pack.Items) == 0 {
		fmt.Println("  (no items matched)")
		return
	}
	for i, item := range pack.Items {
		marker := " "
		if item.Pinned {
			marker = "*"
		}
		fmt.Printf("\n[%d]%s score=%.3f tokens=%d\n", i+1, marker, item.Score, item.Tokens)
		fmt.Printf("    %s\n", truncate(item.Text, 160))
		if c, ok := pack.Citations[item.ID]; ok && c.EventID != "" {
			fmt.Printf("    cite: %s\n", c.EventID)
		}
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
