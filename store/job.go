// Package store persists job and plan records for the orchestration core.
//
// The store is the single source of truth for job/plan status. Job status is
// mutated exclusively by the job's own workflow activities; request handlers
// never touch a job after it has been submitted.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mandiant/harbinger-sub002/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusCreated  JobStatus = "created"
	JobStatusStarting JobStatus = "starting"
	JobStatusRunning  JobStatus = "running"
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
)

// statusRank orders statuses along the only legal chain:
// created -> starting -> running -> {success, failed}.
// Status never moves backward.
var statusRank = map[JobStatus]int{
	JobStatusCreated:  0,
	JobStatusStarting: 1,
	JobStatusRunning:  2,
	JobStatusSuccess:  3,
	JobStatusFailed:   3,
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	_, ok := statusRank[JobStatus(s)]
	return ok
}

// IsTerminal reports whether the status is success or failed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// JobKind identifies the workflow family a job belongs to
type JobKind string

const (
	KindRemoteExec     JobKind = "remote-exec"
	KindBackendCommand JobKind = "backend-command"
	KindChainedJob     JobKind = "chained-job"
)

var validKinds = map[JobKind]bool{
	KindRemoteExec:     true,
	KindBackendCommand: true,
	KindChainedJob:     true,
}

// Job represents a remote execution job
//
// The job id doubles as the workflow instance id, which is what enforces
// at-most-one live execution per job (see engine.Start).
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	TargetOS    string          `json:"target_os"`  // "linux" or "windows"
	BackendID   string          `json:"backend_id"` // C2 server instance owning the target environment
	Command     string          `json:"command"`
	Arguments   json.RawMessage `json:"arguments,omitempty"` // kind-specific payload
	Status      JobStatus       `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Output      string          `json:"output,omitempty"`
	OutputFiles []string        `json:"output_files,omitempty"` // ordered produced-file references
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a job record in the created state. The kind is validated
// here so an unroutable job can never be persisted.
func NewJob(kind JobKind, targetOS, backendID, command string, arguments json.RawMessage) (*Job, error) {
	if !validKinds[kind] {
		return nil, errors.Newf("unknown job kind %q", kind)
	}
	if command == "" && kind == KindRemoteExec {
		return nil, errors.New("command cannot be empty")
	}
	if backendID == "" {
		return nil, errors.New("backendID cannot be empty")
	}

	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetOS:  targetOS,
		BackendID: backendID,
		Command:   command,
		Arguments: arguments,
		Status:    JobStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// PoolKey derives the worker-pool (task queue) key for this job's target.
// A job must run on the specific backend instance that owns its environment,
// so the key encodes both OS and backend id.
func (j *Job) PoolKey() string {
	return "exec-" + j.TargetOS + "-" + j.BackendID
}

// PlanLLMStatus represents the autonomy state of a plan's supervisor
type PlanLLMStatus string

const (
	PlanInactive   PlanLLMStatus = "INACTIVE"
	PlanMonitoring PlanLLMStatus = "MONITORING"
	PlanProcessing PlanLLMStatus = "PROCESSING"
	PlanSuccess    PlanLLMStatus = "SUCCESS"
	PlanError      PlanLLMStatus = "ERROR"
)

// Plan represents an autonomous operation plan.
// A plan owns at most one live supervisor workflow instance, keyed
// deterministically as "supervisor-{plan_id}" - the engine's instance-id
// uniqueness enforces the invariant, not the caller.
type Plan struct {
	ID        string        `json:"id"`
	Objective string        `json:"objective,omitempty"`
	LLMStatus PlanLLMStatus `json:"llm_status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SupervisorInstanceID returns the deterministic workflow instance id for
// this plan's supervisor.
func SupervisorInstanceID(planID string) string {
	return "supervisor-" + planID
}
