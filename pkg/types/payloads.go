package types

import (
	"github.com/mitchellh/mapstructure"

	"github.com/calder-dev/mnemo/pkg/errdefs"
)

// Payload variants for the tagged union keyed by EventType. Each variant
// names the fields ingestion validates; callers may attach extra keys,
// which pass through untouched.

type TestExecutionPayload struct {
	Suite      string  `mapstructure:"suite"`
	Test       string  `mapstructure:"test"`
	Status     string  `mapstructure:"status"`
	DurationMS float64 `mapstructure:"duration_ms"`
}

type TestFailurePayload struct {
	Test       string `mapstructure:"test"`
	Error      string `mapstructure:"error"`
	StackTrace string `mapstructure:"stack_trace"`
}

type CodeChangePayload struct {
	Files   []string `mapstructure:"files"`
	Commit  string   `mapstructure:"commit"`
	Summary string   `mapstructure:"summary"`
}

type DeploymentPayload struct {
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Status      string `mapstructure:"status"`
}

type ActionPayload struct {
	Action string `mapstructure:"action"`
	Detail string `mapstructure:"detail"`
}

type SystemEventPayload struct {
	Component string `mapstructure:"component"`
	Message   string `mapstructure:"message"`
}

type DecisionPayload struct {
	Decision  string `mapstructure:"decision"`
	Rationale string `mapstructure:"rationale"`
	PackID    string `mapstructure:"pack_id"`
}

type FlakePayload struct {
	Test     string  `mapstructure:"test"`
	FailRate float64 `mapstructure:"fail_rate"`
}

type SummaryPayload struct {
	Branch      string `mapstructure:"branch"`
	WindowStart string `mapstructure:"window_start"`
	WindowEnd   string `mapstructure:"window_end"`
	Commits     int    `mapstructure:"commits"`
	Events      int    `mapstructure:"events"`
	Text        string `mapstructure:"text"`
}

// ValidatePayload decodes data against the variant schema for t and checks
// the variant's required fields. A nil/empty payload is rejected for types
// that require one.
func ValidatePayload(t EventType, data map[string]any) error {
	decode := func(out any) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           out,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return errdefs.WithStack(err)
		}
		if err := dec.Decode(data); err != nil {
			return errdefs.Wrapf(errdefs.ErrValidation, "bad %s payload: %v", t, err)
		}
		return nil
	}

	switch t {
	case TypeTestExecution:
		var p TestExecutionPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Test == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires test", t)
		}
	case TypeTestFailure:
		var p TestFailurePayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Test == "" || p.Error == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires test and error", t)
		}
	case TypeCodeChange:
		var p CodeChangePayload
		if err := decode(&p); err != nil {
			return err
		}
		if len(p.Files) == 0 && p.Summary == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires files or summary", t)
		}
	case TypeDeployment:
		var p DeploymentPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Environment == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires environment", t)
		}
	case TypeAgentAction, TypeUserAction:
		var p ActionPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Action == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires action", t)
		}
	case TypeSystemEvent:
		var p SystemEventPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Message == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires message", t)
		}
	case TypeDecision:
		var p DecisionPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Decision == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires decision", t)
		}
	case TypeFlake:
		var p FlakePayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Test == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires test", t)
		}
	case TypeSummary:
		var p SummaryPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Text == "" {
			return errdefs.Wrapf(errdefs.ErrValidation, "%s payload requires text", t)
		}
	default:
		return errdefs.Wrapf(errdefs.ErrValidation, "unknown event type: %s", t)
	}
	return nil
}

// IsValidEventType reports whether t is a member of the closed enum.
func IsValidEventType(t EventType) bool {
	for _, v := range ValidEventTypes {
		if v == t {
			return true
		}
	}
	return false
}
