package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is what a handler returns on success. Summary is persisted on the
// job record; ArtifactRef points at a blob in the artifact store.
type Result struct {
	Summary     json.RawMessage
	ArtifactRef string
	ExpiresAt   *time.Time
}

// NewResult builds a Result with the given summary value marshalled to JSON.
func NewResult(summary any) (*Result, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal result summary: %w", err)
	}
	return &Result{Summary: data}, nil
}
