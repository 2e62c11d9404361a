package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calder-dev/mnemo/pkg/types"
)

// generateID creates a unique ID for events and packs
func generateID() string {
	return uuid.NewString()
}

// timeNow returns the current time (useful for testing)
var timeNow = time.Now

// Checksum computes the content hash that enforces idempotency. It covers
// the logical content triple (type, project, data); encoding/json sorts map
// keys recursively, so payload field order cannot change the hash.
func Checksum(e *types.Event) string {
	dataJSON, _ := json.Marshal(e.Data)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", e.Type, e.Project, dataJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// renderEventText builds the deterministic textual projection of an event
// that goes into a context pack. Token counting and citations both run over
// this exact string.
func renderEventText(e *types.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Type)
	if e.Project != "" {
		fmt.Fprintf(&sb, " (%s", e.Project)
		if e.Branch != "" {
			fmt.Fprintf(&sb, "/%s", e.Branch)
		}
		sb.WriteString(")")
	}
	if e.Source != "" {
		fmt.Fprintf(&sb, " source=%s", e.Source)
	}
	if len(e.Tags) > 0 {
		fmt.Fprintf(&sb, " tags=%s", strings.Join(e.Tags, ","))
	}
	if len(e.Data) > 0 {
		payload, _ := json.Marshal(e.Data)
		fmt.Fprintf(&sb, " :: %s", payload)
	}
	return sb.String()
}
