// Package task defines the task and result descriptors exchanged with the
// guest over the shared disk, and validation of caller-supplied tasks.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// KnownProviders is the closed set of providers a task may name.
var KnownProviders = []string{"openai", "ollama"}

// Descriptor is the message written into the shared disk's tasks/
// directory before boot. The guest agent reads it and writes a matching
// result keyed by TaskID.
type Descriptor struct {
	TaskID         string            `json:"task_id"`
	Prompt         string            `json:"prompt"`
	Timestamp      float64           `json:"timestamp,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Model          string            `json:"model,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	EnvOverrides   map[string]string `json:"env_overrides,omitempty"`

	// ProviderResponse records the outcome of the optional provider
	// dispatch performed during VM creation. A failed call is stored
	// here rather than aborting creation.
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
}

// ValidationError reports a malformed task descriptor. It is surfaced to
// the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task descriptor: %s: %s", e.Field, e.Reason)
}

// Validate checks the descriptor against the task schema: task_id and
// prompt are required, and provider (when present) must be one of the
// known providers.
func (d *Descriptor) Validate() error {
	if d.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: "required"}
	}
	if d.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "required"}
	}
	if d.Provider != "" && !isKnownProvider(d.Provider) {
		return &ValidationError{
			Field:  "provider",
			Reason: fmt.Sprintf("%q is not one of %v", d.Provider, KnownProviders),
		}
	}
	if d.TimeoutSeconds < 0 {
		return &ValidationError{Field: "timeout_seconds", Reason: "must not be negative"}
	}
	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// Timeout returns the task's effective timeout, falling back to def when
// the descriptor names none.
func (d *Descriptor) Timeout(def time.Duration) time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return def
}

// ResultStatus tags the outcome variant of one task.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusTimeout   ResultStatus = "timeout"
	StatusError     ResultStatus = "error"
)

// Result is the host-side view of one task outcome. Timeout and provider
// failures are expressed as variants here, not as errors, so callers are
// never aborted by an expected outcome.
type Result struct {
	TaskID string       `json:"task_id"`
	VMID   string       `json:"vm_id,omitempty"`
	Status ResultStatus `json:"status"`
	Error  string       `json:"error,omitempty"`

	// Payload is the guest-produced JSON document, untouched apart from
	// host-added metadata fields above.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TimeoutResult builds the structured timeout variant for a task that
// produced no result within its bound.
func TimeoutResult(taskID string) Result {
	return Result{
		TaskID: taskID,
		Status: StatusTimeout,
		Error:  "task timed out",
	}
}
