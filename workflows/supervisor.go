package workflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// supervisorInput is the start payload for a plan supervisor instance
type supervisorInput struct {
	PlanID string `json:"plan_id"`
}

// planStatusUpdate is the input for the plan.update_status activity
type planStatusUpdate struct {
	PlanID string              `json:"plan_id"`
	Status store.PlanLLMStatus `json:"status"`
}

// evaluation is the plan.evaluate activity's return payload: the jobs the
// supervisor should start this cycle
type evaluation struct {
	Submissions []submission `json:"submissions,omitempty"`
}

// submission is one job the evaluator decided to run
type submission struct {
	JobID     string `json:"job_id"`
	Workflow  string `json:"workflow"`
	TaskQueue string `json:"task_queue"`
}

// Supervisor is the long-running, signal-driven loop bound 1:1 to a plan via
// the deterministic instance id "supervisor-{plan_id}".
//
// Each cycle is evaluating -> acting -> waiting-next-tick. A "stop" signal
// terminates the loop at the next safe point without another evaluation and
// without touching plan status - reconciling a stopped plan to INACTIVE is
// the signaling caller's job, so "not running" and "INACTIVE" converge. A
// "force_update" signal received while waiting short-circuits straight to
// the next evaluation.
func (d *Deps) Supervisor(ctx context.Context, run *engine.Run) error {
	var input supervisorInput
	if err := json.Unmarshal(run.Input, &input); err != nil {
		return errors.Wrap(err, "invalid supervisor input")
	}
	if input.PlanID == "" {
		return errors.New("supervisor requires a plan id")
	}

	bk := d.bookkeepingTimeout()
	stopCh := run.SignalChan(SignalStop)
	forceCh := run.SignalChan(SignalForceUpdate)

	if _, err := run.ExecuteActivity(ctx, ActivityPlanStatus,
		marshalInput(planStatusUpdate{PlanID: input.PlanID, Status: store.PlanMonitoring}), bk); err != nil {
		return err
	}

	for {
		// Stop wins over a pending evaluation
		select {
		case <-stopCh:
			run.Logger().Infow("Supervisor stopping", "plan_id", input.PlanID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := run.ExecuteActivity(ctx, ActivityPlanEvaluate,
			marshalInput(supervisorInput{PlanID: input.PlanID}), bk)
		if err != nil {
			if _, serr := run.ExecuteActivity(ctx, ActivityPlanStatus,
				marshalInput(planStatusUpdate{PlanID: input.PlanID, Status: store.PlanError}), bk); serr != nil {
				run.Logger().Errorw("Failed to record plan error state", "error", serr)
			}
			return err
		}

		var eval evaluation
		if err := json.Unmarshal(result, &eval); err != nil {
			return err
		}

		if len(eval.Submissions) > 0 {
			if _, err := run.ExecuteActivity(ctx, ActivityPlanStatus,
				marshalInput(planStatusUpdate{PlanID: input.PlanID, Status: store.PlanProcessing}), bk); err != nil {
				return err
			}
			d.act(run, eval.Submissions)
			if _, err := run.ExecuteActivity(ctx, ActivityPlanStatus,
				marshalInput(planStatusUpdate{PlanID: input.PlanID, Status: store.PlanMonitoring}), bk); err != nil {
				return err
			}
		}

		if done := d.waitNextTick(ctx, run, stopCh, forceCh); done {
			run.Logger().Infow("Supervisor stopping", "plan_id", input.PlanID)
			return ctx.Err()
		}
	}
}

// act starts the evaluator's chosen jobs as detached children. A job already
// live under its id counts as started; a start failure is logged and skipped
// so one bad submission cannot wedge the loop.
func (d *Deps) act(run *engine.Run, subs []submission) {
	for _, sub := range subs {
		err := run.StartChild(engine.StartRequest{
			InstanceID: sub.JobID,
			Workflow:   sub.Workflow,
			TaskQueue:  sub.TaskQueue,
		})
		if err != nil {
			run.Logger().Errorw("Failed to start plan job", "job_id", sub.JobID, "error", err)
		}
	}
}

// waitNextTick blocks until the tick interval elapses, a force_update
// arrives (short-circuit), or a stop arrives. Returns true when the loop
// must terminate.
func (d *Deps) waitNextTick(ctx context.Context, run *engine.Run, stopCh, forceCh <-chan json.RawMessage) bool {
	timer := time.NewTimer(d.supervisorTick())
	defer timer.Stop()

	select {
	case <-stopCh:
		return true
	case <-forceCh:
		run.Logger().Debugw("Wait short-circuited by force_update")
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// planEvaluate is one evaluation cycle: find the plan's queued work. Chained
// jobs sit in created until a supervisor cycle picks them up, which is what
// makes plan execution pausable - stop the supervisor and queued work stays
// queued.
func (d *Deps) planEvaluate(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req supervisorInput
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid plan evaluation input")
	}

	if _, err := d.Store.GetPlan(req.PlanID); err != nil {
		return nil, err
	}

	statusCreated := store.JobStatusCreated
	jobs, err := d.Store.ListJobs(&statusCreated, 100)
	if err != nil {
		return nil, err
	}

	var eval evaluation
	for _, job := range jobs {
		if job.Kind != store.KindChainedJob {
			continue
		}
		eval.Submissions = append(eval.Submissions, submission{
			JobID:     job.ID,
			Workflow:  WorkflowRemoteExec,
			TaskQueue: job.PoolKey(),
		})
	}

	return marshalInput(eval), nil
}

// planUpdateStatus writes a plan's llm-status
func (d *Deps) planUpdateStatus(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req planStatusUpdate
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid plan status input")
	}
	if err := d.Store.UpdatePlanLLMStatus(req.PlanID, req.Status); err != nil {
		return nil, err
	}
	return nil, nil
}
