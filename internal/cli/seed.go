package cli

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/pkg/types"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the store with synthetic events",
	Long: `Generate a plausible event history for demos and local testing:
test runs with intermittent failures, code changes, deployments and a
few decisions, spread over the past days.

Examples:
  mnemo seed
  mnemo seed --count 200 --days 30 --project demo`,
	RunE: runSeed,
}

var (
	seedCount   int
	seedDays    int
	seedProject string
	seedRand    int64
)

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 60, "Number of events to generate")
	seedCmd.Flags().IntVar(&seedDays, "days", 14, "Spread events over the past N days")
	seedCmd.Flags().StringVar(&seedProject, "project", "demo", "Project name")
	seedCmd.Flags().Int64Var(&seedRand, "rand-seed", 1, "RNG seed, fixed for reproducible runs")
}

var seedTests = []string{
	"TestLogin", "TestCheckout", "TestSearchIndex", "TestPaymentRetry",
	"TestSessionExpiry", "TestRateLimiter",
}

var seedErrors = []string{
	"connection reset by peer",
	"context deadline exceeded",
	"assertion failed: got 404, want 200",
	"dial tcp: i/o timeout",
}

func runSeed(cmd *cobra.Command, args []string) error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	rng := rand.New(rand.NewSource(seedRand))
	ctx := context.Background()
	now := time.Now().UTC()

	created := 0
	for i := 0; i < seedCount; i++ {
		age := time.Duration(rng.Int63n(int64(seedDays) * 24 * int64(time.Hour)))
		ts := now.Add(-age)
		ev := seedEvent(rng, i, ts)
		ev.Project = seedProject

		res, err := engine.Ingest(ctx, ev)
		if err != nil {
			return err
		}
		if res.Created {
			created++
		}
	}

	fmt.Printf("✓ Seeded %d events (%d new) over %d days in project %q\n",
		seedCount, created, seedDays, seedProject)
	return nil
}

func seedEvent(rng *rand.Rand, i int, ts time.Time) *types.Event {
	test := seedTests[rng.Intn(len(seedTests))]
	pick := func(choices ...string) string { return choices[rng.Intn(len(choices))] }
	switch rng.Intn(10) {
	case 0, 1, 2:
		return &types.Event{
			Type:      types.TypeTestExecution,
			Timestamp: ts,
			Data: map[string]any{
				"test":        test,
				"status":      "pass",
				"duration_ms": 50 + rng.Intn(2000),
			},
			Importance: 3,
			Source:     "ci",
		}
	case 3, 4:
		errMsg := seedErrors[rng.Intn(len(seedErrors))]
		tags := []string{"failure"}
		if rng.Intn(3) == 0 {
			tags = append(tags, "flaky")
		}
		return &types.Event{
			Type:      types.TypeTestFailure,
			Timestamp: ts,
			Data: map[string]any{
				"test":  test,
				"error": errMsg,
			},
			Importance: 6,
			Tags:       tags,
			Source:     "ci",
		}
	case 5, 6:
		return &types.Event{
			Type:      types.TypeCodeChange,
			Timestamp: ts,
			Data: map[string]any{
				"files":   []string{fmt.Sprintf("internal/service/handler_%d.go", i%7)},
				"summary": "refactor request validation",
				"author":  "dev@example.com",
			},
			Importance: 5,
			Source:     "git",
		}
	case 7:
		return &types.Event{
			Type:      types.TypeDeployment,
			Timestamp: ts,
			Data: map[string]any{
				"environment": pick("staging", "prod"),
				"version":     fmt.Sprintf("1.%d.%d", rng.Intn(9), rng.Intn(20)),
			},
			Importance: 7,
			Source:     "deployer",
		}
	case 8:
		return &types.Event{
			Type:      types.TypeDecision,
			Timestamp: ts,
			Data: map[string]any{
				"decision":  "quarantine " + test + " pending fix",
				"rationale": "failure rate above threshold",
			},
			Importance: 8,
			Tags:       []string{"triage"},
			Source:     "agent:triage",
		}
	default:
		return &types.Event{
			Type:      types.TypeAgentAction,
			Timestamp: ts,
			Data: map[string]any{
				"action": "reran " + test + " in isolation",
				"result": pick("pass", "fail"),
			},
			Importance: 4,
			Source:     "agent:runner",
		}
	}
}
