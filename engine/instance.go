// Package engine provides the durable execution engine for Harbinger jobs.
//
// A workflow is a named, multi-step process addressed by a stable instance id.
// Instances are persisted, so a workflow that was mid-flight when the process
// died is re-queued and resumed by the next worker pool to start (crash
// recovery, not checkpoint replay: workflows restart from the top and are
// expected to write idempotently against the record store).
//
// The instance id is the uniqueness anchor: starting an id that already has a
// live execution yields errors.ErrAlreadyRunning, which submission paths
// treat as success. Job ids double as instance ids, giving at-most-one live
// execution per job without any extra locking.
package engine

import (
	"encoding/json"
	"time"
)

// InstanceState represents the run state of a workflow instance
type InstanceState string

const (
	StatePending   InstanceState = "pending"
	StateRunning   InstanceState = "running"
	StateCompleted InstanceState = "completed"
	StateFailed    InstanceState = "failed"
)

// IsLive reports whether the instance currently counts toward the
// one-live-execution-per-id invariant.
func (s InstanceState) IsLive() bool {
	return s == StatePending || s == StateRunning
}

// Instance is one durably-tracked run of a workflow
type Instance struct {
	ID        string          `json:"id"`
	Workflow  string          `json:"workflow"`
	TaskQueue string          `json:"task_queue"`
	State     InstanceState   `json:"state"`
	Input     json.RawMessage `json:"input,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StartRequest asks the engine to start a workflow instance
type StartRequest struct {
	InstanceID string          `json:"instance_id"`
	Workflow   string          `json:"workflow"`
	TaskQueue  string          `json:"task_queue"`
	Input      json.RawMessage `json:"input,omitempty"`
}
