// Package cli implements the mnemo command-line interface
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/internal/core"
	"github.com/calder-dev/mnemo/internal/mylog"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

const (
	configDir   = ".mnemo"
	configFile  = "config.json"
	dbFile      = "mnemo.db"
	policiesDir = "policies"
)

var (
	// Global flags
	dataDir   string
	verbose   bool
	logLevel  string
	logFormat string

	logger *mylog.Logger

	// Root command
	rootCmd = &cobra.Command{
		Use:   "mnemo",
		Short: "mnemo - policy-driven context memory for AI agents",
		Long: `mnemo records timestamped, typed events from agents and tools,
indexes them semantically, and assembles token-budgeted, ranked,
citation-carrying context packs for a given task.

Use 'mnemo init' to initialize a new memory store.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			godotenv.Load()
			logger = mylog.NewLogger(logLevel, logFormat)
		},
	}
)

// exitCode maps an error kind to the process exit code so operators and
// tests can branch on failure class.
func exitCode(err error) int {
	switch errdefs.Kind(err) {
	case "validation_error":
		return 2
	case "not_found", "policy_not_found":
		return 3
	case "conflict":
		return 4
	case "index_unavailable":
		return 5
	case "budget_too_small":
		return 6
	case "store_unavailable":
		return 7
	default:
		return 1
	}
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", errdefs.Kind(err), err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "Data directory (default: ./"+configDir+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "default", "Log handler (default, json)")

	// Add subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(reindexCmd)
}

// getDataDir returns the data directory
func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, configDir)
}

// loadConfig loads the configuration
func loadConfig() (*types.Config, error) {
	configPath := filepath.Join(getDataDir(), configFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "config not found, run 'mnemo init' first")
	}

	var cfg types.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "invalid config: %v", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(getDataDir(), dbFile)
	}
	if cfg.PoliciesDir == "" {
		cfg.PoliciesDir = filepath.Join(getDataDir(), policiesDir)
	}
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}

	return &cfg, nil
}

// saveConfig saves the configuration
func saveConfig(cfg *types.Config) error {
	configPath := filepath.Join(getDataDir(), configFile)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

// getEngine creates and returns a mnemo engine
func getEngine() (*core.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	return core.New(cfg, logger)
}

// printJSON prints a value as JSON
func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
