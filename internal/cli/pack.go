package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/types"
)

var packCmd = &cobra.Command{
	Use:   "pack <task>",
	Short: "Assemble a context pack and render it",
	Long: `Like retrieve, but renders the pack the way a downstream LLM would
receive it. With --preview the full item texts are printed with their
citations instead of the summary view.

Examples:
  mnemo pack flaky_triage --preview
  mnemo pack root_cause --input error="nil pointer" --budget 2000`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

var packPreview bool

func init() {
	packCmd.Flags().BoolVar(&packPreview, "preview", false, "Print full item texts with citations")
	packCmd.Flags().StringVar(&retrieveProject, "project", "", "Filter by project")
	packCmd.Flags().StringVar(&retrieveBranch, "branch", "", "Filter by branch")
	packCmd.Flags().StringVar(&retrievePolicy, "policy", "", "Policy id (default: resolve by task)")
	packCmd.Flags().IntVar(&retrieveBudget, "budget", 0, "Token budget override")
	packCmd.Flags().StringArrayVar(&retrieveInputs, "input", nil, "Task input as key=value (repeatable)")
}

func runPack(cmd *cobra.Command, args []string) error {
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
	if !packPreview {
		printPackSummary(pack)
		return nil
	}

	fmt.Printf("# pack %s policy=%s tokens=%d/%d degraded=%v\n",
		pack.ID, pack.PolicyID, pack.TotalTokens, pack.BudgetTokens, pack.Degraded)
	for _, item := range pack.Items {
		fmt.Println(item.Text)
		if c, ok := pack.Citations[item.ID]; ok {
			ref := c.EventID
			if ref == "" {
				ref = c.Source
			}
			fmt.Printf("  ^ cite:%s offset=%d\n", ref, c.Offset)
		}
	}
	return nil
}
