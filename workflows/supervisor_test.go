package workflows

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// registerSupervisorPool wires the supervisor with a counting evaluator that
// returns the given submissions on every cycle
func registerSupervisorPool(deps *Deps, evals *atomic.Int32, subs []submission) {
	p := deps.Engine.Pool(QueueSupervisor)
	p.RegisterWorkflow(WorkflowSupervisor, deps.Supervisor)
	p.RegisterActivity(ActivityPlanStatus, deps.planUpdateStatus)
	p.RegisterActivity(ActivityPlanEvaluate, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		evals.Add(1)
		return marshalInput(evaluation{Submissions: subs}), nil
	})
}

func startSupervisor(t *testing.T, deps *Deps, planID string) string {
	t.Helper()

	id := store.SupervisorInstanceID(planID)
	require.NoError(t, deps.Engine.Start(engine.StartRequest{
		InstanceID: id,
		Workflow:   WorkflowSupervisor,
		TaskQueue:  QueueSupervisor,
		Input:      marshalInput(supervisorInput{PlanID: planID}),
	}))
	return id
}

func waitForInstanceState(t *testing.T, deps *Deps, id string, want engine.InstanceState) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := deps.Engine.GetInstance(id)
		return err == nil && inst.State == want
	}, waitTimeout, pollInterval, "instance %s never reached %s", id, want)
}

func TestSupervisorStopTerminatesWithoutAnotherEvaluation(t *testing.T) {
	deps, _ := newTestDeps(t)

	plan, err := deps.Store.CreatePlan("maintain access")
	require.NoError(t, err)

	var evals atomic.Int32
	registerSupervisorPool(deps, &evals, nil)
	startEngine(t, deps.Engine)

	id := startSupervisor(t, deps, plan.ID)

	// One evaluation, then the loop parks in waiting-next-tick (60s)
	require.Eventually(t, func() bool { return evals.Load() == 1 }, waitTimeout, pollInterval)

	got, err := deps.Store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanMonitoring, got.LLMStatus)

	require.NoError(t, deps.Engine.Signal(id, SignalStop, nil))
	waitForInstanceState(t, deps, id, engine.StateCompleted)

	assert.Equal(t, int32(1), evals.Load(),
		"stop must terminate the loop without another evaluating step")

	// The workflow never touches plan status on a clean stop; reconciliation
	// to INACTIVE belongs to the caller that could not find the instance
	got, err = deps.Store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanMonitoring, got.LLMStatus)
}

func TestSupervisorForceUpdateShortCircuitsWait(t *testing.T) {
	deps, _ := newTestDeps(t)

	plan, err := deps.Store.CreatePlan("maintain access")
	require.NoError(t, err)

	var evals atomic.Int32
	registerSupervisorPool(deps, &evals, nil)
	startEngine(t, deps.Engine)

	id := startSupervisor(t, deps, plan.ID)
	require.Eventually(t, func() bool { return evals.Load() == 1 }, waitTimeout, pollInterval)

	// The tick interval is 60s; a second evaluation this fast can only come
	// from the signal short-circuiting the wait
	require.NoError(t, deps.Engine.Signal(id, SignalForceUpdate, nil))
	require.Eventually(t, func() bool { return evals.Load() >= 2 }, waitTimeout, pollInterval)

	require.NoError(t, deps.Engine.Signal(id, SignalStop, nil))
	waitForInstanceState(t, deps, id, engine.StateCompleted)
}

func TestSupervisorActsOnQueuedSubmissions(t *testing.T) {
	deps, _ := newTestDeps(t)

	plan, err := deps.Store.CreatePlan("maintain access")
	require.NoError(t, err)

	job, err := store.NewJob(store.KindChainedJob, "linux", "backendA", "echo chained", nil)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateJob(job))

	var evals atomic.Int32
	registerSupervisorPool(deps, &evals, []submission{{
		JobID:     job.ID,
		Workflow:  WorkflowRemoteExec,
		TaskQueue: job.PoolKey(),
	}})
	registerExecPool(deps, job.PoolKey())
	startEngine(t, deps.Engine)

	id := startSupervisor(t, deps, plan.ID)

	got := waitForJobTerminal(t, deps, job.ID)
	assert.Equal(t, store.JobStatusSuccess, got.Status)
	assert.Equal(t, "chained\n", got.Output)

	require.NoError(t, deps.Engine.Signal(id, SignalStop, nil))
	waitForInstanceState(t, deps, id, engine.StateCompleted)
}

func TestSupervisorEvaluationFailureRecordsPlanError(t *testing.T) {
	deps, _ := newTestDeps(t)

	plan, err := deps.Store.CreatePlan("maintain access")
	require.NoError(t, err)

	p := deps.Engine.Pool(QueueSupervisor)
	p.RegisterWorkflow(WorkflowSupervisor, deps.Supervisor)
	p.RegisterActivity(ActivityPlanStatus, deps.planUpdateStatus)
	p.RegisterActivity(ActivityPlanEvaluate, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})
	startEngine(t, deps.Engine)

	id := startSupervisor(t, deps, plan.ID)
	waitForInstanceState(t, deps, id, engine.StateFailed)

	got, err := deps.Store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanError, got.LLMStatus)
}

func TestPlanEvaluateFindsChainedJobs(t *testing.T) {
	deps, _ := newTestDeps(t)

	plan, err := deps.Store.CreatePlan("maintain access")
	require.NoError(t, err)

	chained, err := store.NewJob(store.KindChainedJob, "windows", "backendB", "whoami", nil)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateJob(chained))

	// Non-chained created jobs are not the supervisor's to start
	direct, err := store.NewJob(store.KindRemoteExec, "linux", "backendA", "id", nil)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateJob(direct))

	result, err := deps.planEvaluate(context.Background(), marshalInput(supervisorInput{PlanID: plan.ID}))
	require.NoError(t, err)

	var eval evaluation
	require.NoError(t, json.Unmarshal(result, &eval))
	require.Len(t, eval.Submissions, 1)
	assert.Equal(t, chained.ID, eval.Submissions[0].JobID)
	assert.Equal(t, "exec-windows-backendB", eval.Submissions[0].TaskQueue)
}
