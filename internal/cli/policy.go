package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage retrieval policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded policies",
	RunE:  runPolicyList,
}

var policyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a policy document",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate policy documents without loading them",
	Long: `Validate a single policy file, or every document in the policies
directory when no file is given. Malformed documents are reported and
would be skipped at load time.

Examples:
  mnemo policy validate
  mnemo policy validate ./my-policy.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload policy documents from disk",
	RunE:  runPolicyReload,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyReloadCmd)
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	summaries := engine.Policies().List()
	if verbose {
		printJSON(summaries)
		return nil
	}

	fmt.Printf("%-20s %-20s %-8s %s\n", "ID", "TASK", "VERSION", "BUDGET")
	fmt.Println(strings.Repeat("-", 60))
	for _, s := range summaries {
		fmt.Printf("%-20s %-20s %-8d %d\n", s.ID, s.Task, s.Version, s.BudgetTokens)
	}
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	p, err := engine.Policies().Get(args[0])
	if err != nil {
		return err
	}

	if verbose {
		printJSON(p)
		return nil
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return errdefs.WithStack(err)
	}
	fmt.Print(string(data))
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	var paths []string
	if len(args) == 1 {
		paths = []string{args[0]}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(cfg.PoliciesDir)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "read policies dir: %v", err)
		}
		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			paths = append(paths, filepath.Join(cfg.PoliciesDir, entry.Name()))
		}
	}

	bad := 0
	for _, path := range paths {
		if err := validatePolicyFile(path); err != nil {
			bad++
			printError("%s: %v", path, err)
		} else {
			fmt.Printf("✓ %s\n", path)
		}
	}
	if bad > 0 {
		return errdefs.Wrapf(errdefs.ErrValidation, "%d invalid policy document(s)", bad)
	}
	return nil
}

func validatePolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p policy.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return err
	}
	return p.Validate()
}

func runPolicyReload(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Policies().Load(); err != nil {
		return err
	}
	fmt.Printf("✓ Loaded %d policies\n", len(engine.Policies().List()))
	return nil
}
