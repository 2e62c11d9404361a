package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [payload-json]",
	Short: "Ingest an event into the log",
	Long: `Ingest a typed event. The payload is a JSON object, given as an
argument or piped from stdin. Re-ingesting identical content is a no-op.

Examples:
  mnemo ingest -t test_failure --tags flaky '{"test":"TestLogin","error":"timeout"}'
  mnemo ingest -t deployment --importance 7 '{"environment":"prod","version":"1.4.2"}'
  cat event.json | mnemo ingest -t agent_action --source agent:planner`,
	RunE: runIngest,
}

var (
	ingestType       string
	ingestProject    string
	ingestBranch     string
	ingestTags       string
	ingestSource     string
	ingestImportance float64
	ingestID         string
	ingestParent     string
)

func init() {
	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", "", "Event type (required)")
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "Project")
	ingestCmd.Flags().StringVar(&ingestBranch, "branch", "", "Logical branch (default: main)")
	ingestCmd.Flags().StringVar(&ingestTags, "tags", "", "Comma-separated tags")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "cli", "Producing agent/tool identifier")
	ingestCmd.Flags().Float64Var(&ingestImportance, "importance", 0, "Importance score 0-10 (default: 5)")
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "Caller-supplied event id")
	ingestCmd.Flags().StringVar(&ingestParent, "parent", "", "Parent event id (lineage link)")
	ingestCmd.MarkFlagRequired("type")
}

func runIngest(cmd *cobra.Command, args []string) error {
	// Get payload from args or stdin
	var raw string
	if len(args) > 0 {
		raw = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return errdefs.Wrapf(errdefs.ErrValidation, "failed to read stdin: %v", err)
			}
			raw = strings.TrimSpace(string(data))
		}
	}
	if raw == "" {
		return errdefs.Wrapf(errdefs.ErrValidation, "no payload provided")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return errdefs.Wrapf(errdefs.ErrValidation, "payload is not a JSON object: %v", err)
	}

	var tags []string
	if ingestTags != "" {
		for _, tag := range strings.Split(ingestTags, ",") {
			tags = append(tags, strings.TrimSpace(tag))
		}
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Ingest(context.Background(), &types.Event{
		ID:         ingestID,
		Type:       types.EventType(ingestType),
		Project:    ingestProject,
		Branch:     ingestBranch,
		Data:       payload,
		Importance: ingestImportance,
		Tags:       tags,
		Source:     ingestSource,
		ParentID:   ingestParent,
	})
	if err != nil {
		return err
	}

	if verbose {
		printJSON(res)
	} else if res.Created {
		fmt.Printf("✓ Ingested event: %s\n", res.ID)
	} else {
		fmt.Printf("• Duplicate content, existing event: %s\n", res.ID)
	}

	return nil
}
