package backend

import (
	"encoding/json"
	"time"

	"github.com/chhz0/inferq/types"
)

// Result is the uniform response shape written onto completed tasks.
type Result struct {
	Output           string         `json:"output"`
	Model            string         `json:"model,omitempty"`
	Backend          string         `json:"backend"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	Usage            map[string]any `json:"usage,omitempty"`
}

func encodeResult(variant types.BackendVariant, r Result, took time.Duration) ([]byte, error) {
	r.Backend = string(variant)
	r.ProcessingTimeMS = float64(took) / float64(time.Millisecond)
	return json.Marshal(r)
}
