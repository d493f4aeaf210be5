package workflows

import (
	"github.com/mandiant/harbinger-sub002/errors"
)

// Register binds every workflow and activity to its pool. Pools are created
// lazily by the engine; a queue registered here starts polling when the
// engine runs.
//
// Execution queues come from configuration because placement is a deployment
// concern: each process serves the backends whose environments it can reach.
// The configured queue names are validated for collisions up front - a
// duplicate is a configuration error, not a registry panic.
func (d *Deps) Register(eng Registrar) error {
	seen := map[string]bool{
		QueueSupervisor: true,
		QueueIngest:     true,
		QueueSystem:     true,
	}
	for _, queue := range d.Config.Engine.ExecPools {
		if seen[queue] {
			return errors.Wrapf(errors.ErrInvalidRequest, "duplicate task queue %q in engine.exec_pools", queue)
		}
		seen[queue] = true
	}
	for _, backendID := range d.Config.Backend.IDs {
		queue := BackendQueue(backendID)
		if seen[queue] {
			return errors.Wrapf(errors.ErrInvalidRequest, "backend %q collides with task queue %q", backendID, queue)
		}
		seen[queue] = true
	}

	sup := eng.Pool(QueueSupervisor)
	sup.RegisterWorkflow(WorkflowSupervisor, d.Supervisor)
	sup.RegisterActivity(ActivityPlanEvaluate, d.planEvaluate)
	sup.RegisterActivity(ActivityPlanStatus, d.planUpdateStatus)

	ing := eng.Pool(QueueIngest)
	ing.RegisterWorkflow(WorkflowIngest, d.Ingest)
	ing.RegisterActivity(ActivityIngestFile, d.ingestFile)

	sys := eng.Pool(QueueSystem)
	sys.RegisterWorkflow(WorkflowReconcile, d.Reconcile)
	sys.RegisterActivity(ActivityBackendDrift, d.backendDriftCheck)

	for _, queue := range d.Config.Engine.ExecPools {
		p := eng.Pool(queue)
		p.RegisterWorkflow(WorkflowRemoteExec, d.RemoteExec)
		p.RegisterActivity(ActivityExecCommand, d.execCommand)
		p.RegisterActivity(ActivityUpdateStatus, d.jobUpdateStatus)
		p.RegisterActivity(ActivityAppendOutput, d.jobAppendOutput)
		p.RegisterActivity(ActivityRegisterFiles, d.jobRegisterFiles)
	}

	for _, backendID := range d.Config.Backend.IDs {
		p := eng.Pool(BackendQueue(backendID))
		p.RegisterWorkflow(WorkflowBackendCommand, d.BackendCommand)
		p.RegisterActivity(ActivityBackendDocker, d.backendDocker)
		p.RegisterActivity(ActivityUpdateStatus, d.jobUpdateStatus)
	}

	return nil
}
