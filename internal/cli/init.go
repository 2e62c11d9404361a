package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new mnemo store",
	Long: `Initialize a new mnemo store in the current directory.

This creates a .mnemo directory with configuration, database and a
policies directory seeded with baseline policy documents.`,
	RunE: runInit,
}

var (
	initOpenAIKey string
	initProvider  string
	initProject   string
)

func init() {
	initCmd.Flags().StringVar(&initOpenAIKey, "openai-key", "", "OpenAI API key")
	initCmd.Flags().StringVar(&initProvider, "provider", "openai", "Embedding provider (openai, local)")
	initCmd.Flags().StringVar(&initProject, "project", "", "Default project name")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := getDataDir()

	// Check if already initialized
	if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
		return errdefs.Wrapf(errdefs.ErrConflict, "mnemo already initialized in %s", dir)
	}

	if err := os.MkdirAll(filepath.Join(dir, policiesDir), 0755); err != nil {
		return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "create data directory: %v", err)
	}

	apiKey := initOpenAIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if initProvider == "openai" && apiKey == "" {
		os.RemoveAll(dir)
		return errdefs.Wrapf(errdefs.ErrValidation,
			"OpenAI API key required (or use --provider local)")
	}

	cfg := &types.Config{
		DBPath:            filepath.Join(dir, dbFile),
		PoliciesDir:       filepath.Join(dir, policiesDir),
		EmbeddingProvider: initProvider,
		OpenAIKey:         apiKey,
		DefaultProject:    initProject,
		ListenAddr:        ":8480",
	}

	if err := saveConfig(cfg); err != nil {
		os.RemoveAll(dir)
		return errdefs.Wrapf(errdefs.ErrStoreUnavailable, "save config: %v", err)
	}

	if err := writeDefaultPolicies(cfg.PoliciesDir); err != nil {
		os.RemoveAll(dir)
		return err
	}

	// Initialize database by opening the engine once
	engine, err := getEngine()
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	engine.Close()

	fmt.Println("✓ mnemo initialized")
	fmt.Printf("  Config:   %s\n", filepath.Join(dir, configFile))
	fmt.Printf("  Database: %s\n", cfg.DBPath)
	fmt.Printf("  Policies: %s\n", cfg.PoliciesDir)

	return nil
}

// writeDefaultPolicies seeds the policy directory with baseline documents
// operators are expected to edit.
func writeDefaultPolicies(dir string) error {
	store := policy.NewStore(dir, logger)

	defaultPol := policy.DefaultPolicy("default", "default")

	flaky := policy.DefaultPolicy("flaky_triage", "flaky_triage")
	flaky.Filters.Types = []types.EventType{types.TypeTestFailure, types.TypeFlake, types.TypeTestExecution}
	flaky.Filters.TagsAny = []string{"flaky"}
	flaky.Weights.Semantic = 2.0

	rootCause := policy.DefaultPolicy("root_cause", "root_cause")
	rootCause.Filters.Types = []types.EventType{
		types.TypeTestFailure, types.TypeCodeChange, types.TypeDeployment, types.TypeDecision,
	}
	rootCause.Filters.WindowDays = 14
	rootCause.BudgetTokens = 4000

	for _, p := range []*policy.Policy{defaultPol, flaky, rootCause} {
		if err := store.Save(p); err != nil {
			return err
		}
	}
	return nil
}
