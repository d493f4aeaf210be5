// Package dispatch routes submitted jobs and plan commands onto the engine.
//
// The dispatcher is the only component that maps a record to a workflow and a
// task queue. It never mutates a job after submission: once the engine has
// accepted the start request, the workflow owns the record.
package dispatch

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/logger"
	"github.com/mandiant/harbinger-sub002/store"
	"github.com/mandiant/harbinger-sub002/workflows"
)

// Dispatcher submits jobs and plan commands to the engine
type Dispatcher struct {
	store  *store.Store
	engine *engine.Engine
	log    *zap.SugaredLogger
}

// New creates a dispatcher
func New(st *store.Store, eng *engine.Engine) *Dispatcher {
	return &Dispatcher{
		store:  st,
		engine: eng,
		log:    logger.Get().Named("dispatch"),
	}
}

// QueueFor derives the task queue a job must run on. Remote executions are
// pinned to the worker pool owning the target environment; backend commands
// to the backend's lifecycle queue.
func QueueFor(job *store.Job) (string, error) {
	switch job.Kind {
	case store.KindRemoteExec, store.KindChainedJob:
		return job.PoolKey(), nil
	case store.KindBackendCommand:
		return workflows.BackendQueue(job.BackendID), nil
	default:
		return "", errors.Newf("no task queue for job kind %s", job.Kind)
	}
}

// workflowFor maps a job kind to its workflow definition
func workflowFor(kind store.JobKind) (string, error) {
	switch kind {
	case store.KindRemoteExec, store.KindChainedJob:
		return workflows.WorkflowRemoteExec, nil
	case store.KindBackendCommand:
		return workflows.WorkflowBackendCommand, nil
	default:
		return "", errors.Newf("no workflow for job kind %s", kind)
	}
}

// Submit starts the workflow for a job. Submission is idempotent per job id:
// a live execution under the same id is treated as success. Admission
// requires the job to still be in created - a job whose workflow already
// moved it forward is rejected with errors.ErrAdmission, and the job record
// is never mutated on a submission failure.
func (d *Dispatcher) Submit(jobID string) error {
	job, err := d.store.GetJob(jobID)
	if err != nil {
		return err
	}

	if job.Status != store.JobStatusCreated {
		err := errors.Wrapf(errors.ErrAdmission, "job %s not admissible", jobID)
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	workflow, err := workflowFor(job.Kind)
	if err != nil {
		return err
	}
	queue, err := QueueFor(job)
	if err != nil {
		return err
	}

	err = d.engine.Start(engine.StartRequest{
		InstanceID: job.ID,
		Workflow:   workflow,
		TaskQueue:  queue,
	})
	if errors.IsAlreadyRunning(err) {
		// Duplicate submission of a live job: the first execution is
		// authoritative and this submission counts as success.
		d.log.Infow("Job already running, treating submission as success", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	d.log.Infow("Job submitted",
		"job_id", jobID,
		"kind", job.Kind,
		"task_queue", queue)
	return nil
}

// supervisorInput is the start payload for a plan supervisor instance
type supervisorInput struct {
	PlanID string `json:"plan_id"`
}

// StartSupervisor starts the plan's supervisor workflow. At most one
// supervisor per plan is enforced by the deterministic instance id; a live
// supervisor makes the start a no-op success. Any other start failure forces
// the plan back to INACTIVE so the stored autonomy state never claims a
// supervisor that does not exist.
func (d *Dispatcher) StartSupervisor(planID string) error {
	if _, err := d.store.GetPlan(planID); err != nil {
		return err
	}

	input, err := json.Marshal(supervisorInput{PlanID: planID})
	if err != nil {
		return errors.Wrap(err, "failed to marshal supervisor input")
	}

	err = d.engine.Start(engine.StartRequest{
		InstanceID: store.SupervisorInstanceID(planID),
		Workflow:   workflows.WorkflowSupervisor,
		TaskQueue:  workflows.QueueSupervisor,
		Input:      input,
	})
	if errors.IsAlreadyRunning(err) {
		d.log.Infow("Supervisor already running", "plan_id", planID)
		return nil
	}
	if err != nil {
		if serr := d.store.UpdatePlanLLMStatus(planID, store.PlanInactive); serr != nil {
			d.log.Errorw("Failed to reset plan after supervisor start failure",
				"plan_id", planID, "error", serr)
		}
		return errors.Wrap(err, "failed to start plan supervisor")
	}

	d.log.Infow("Supervisor started", "plan_id", planID)
	return nil
}

// StopSupervisor signals the plan's supervisor to stop. A missing live
// supervisor is not a fault - it means the stored plan state has drifted, so
// the plan is reconciled to INACTIVE instead.
func (d *Dispatcher) StopSupervisor(planID string) error {
	err := d.engine.Signal(store.SupervisorInstanceID(planID), workflows.SignalStop, nil)
	if errors.IsInstanceNotFound(err) {
		d.log.Warnw("No live supervisor to stop, reconciling plan state", "plan_id", planID)
		return d.store.UpdatePlanLLMStatus(planID, store.PlanInactive)
	}
	return err
}

// ForceUpdate wakes the plan's supervisor immediately instead of waiting for
// its next evaluation tick. Returns errors.ErrInstanceNotFound when no
// supervisor is live; no state is touched in that case.
func (d *Dispatcher) ForceUpdate(planID string) error {
	return d.engine.Signal(store.SupervisorInstanceID(planID), workflows.SignalForceUpdate, nil)
}
