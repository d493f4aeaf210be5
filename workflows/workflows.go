// Package workflows defines the durable workflows and activities for the
// orchestration core: remote command execution, backend lifecycle commands,
// backend reconciliation, plan supervision and output ingestion.
//
// Workflows own all job/plan status writes. Request handlers create records
// and submit; everything after that flows through a workflow so that crash
// recovery replays the same code path that normal execution takes.
package workflows

import (
	"context"
	"database/sql"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/config"
	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/store"
)

// Workflow names
const (
	WorkflowRemoteExec     = "remote-exec"
	WorkflowBackendCommand = "backend-command"
	WorkflowReconcile      = "backend-reconcile"
	WorkflowSupervisor     = "plan-supervisor"
	WorkflowIngest         = "output-ingest"
)

// Activity names
const (
	ActivityExecCommand   = "exec.command"
	ActivityUpdateStatus  = "job.update_status"
	ActivityAppendOutput  = "job.append_output"
	ActivityRegisterFiles = "job.register_files"
	ActivityBackendDocker = "backend.docker"
	ActivityBackendDrift  = "backend.drift_check"
	ActivityPlanStatus    = "plan.update_status"
	ActivityPlanEvaluate  = "plan.evaluate"
	ActivityIngestFile    = "ingest.file"
)

// Signal names
const (
	SignalOutput      = "output"
	SignalStop        = "stop"
	SignalForceUpdate = "force_update"
)

// Task queues not derived from a job's target. Execution queues come from
// store.Job.PoolKey; backend queues from BackendQueue.
const (
	QueueSupervisor = "supervisor"
	QueueIngest     = "ingest"
	QueueSystem     = "system"
)

// BackendQueue returns the task queue owned by one backend instance's
// lifecycle worker.
func BackendQueue(backendID string) string {
	return "backend-" + backendID
}

// Registrar is the engine surface registration needs
type Registrar interface {
	Pool(queue string) *engine.Pool
}

// DockerClient is the container-engine surface the backend activities use.
// Satisfied by the Docker SDK's client.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Deps carries the shared dependencies activities and workflows close over
type Deps struct {
	Store  *store.Store
	Bus    *bus.Bus
	Engine *engine.Engine
	Docker DockerClient
	DB     *sql.DB
	Config *config.Config
}

// execTimeout is the data-plane bound: remote commands may legitimately run
// for months
func (d *Deps) execTimeout() time.Duration {
	return time.Duration(d.Config.Exec.CommandTimeoutHours) * time.Hour
}

// bookkeepingTimeout is the control-plane bound for status writes, output
// appends and file registration
func (d *Deps) bookkeepingTimeout() time.Duration {
	return time.Duration(d.Config.Exec.BookkeepingTimeoutMinutes) * time.Minute
}

func (d *Deps) driftTimeout() time.Duration {
	return time.Duration(d.Config.Reconcile.DriftCheckTimeoutMinutes) * time.Minute
}

func (d *Deps) supervisorTick() time.Duration {
	return time.Duration(d.Config.Engine.SupervisorTickSeconds) * time.Second
}
