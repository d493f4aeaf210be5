package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	itesting "github.com/mandiant/harbinger-sub002/internal/testing"
)

const (
	waitTimeout  = 5 * time.Second
	pollInterval = 5 * time.Millisecond
)

func newTestEngine(t *testing.T) (*engine.Engine, *sql.DB) {
	t.Helper()
	db := itesting.CreateTestDB(t)
	eng := engine.New(db, engine.Options{Workers: 2, PollInterval: 10 * time.Millisecond})
	return eng, db
}

// startEngine runs the engine until the test ends
func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForState(t *testing.T, eng *engine.Engine, id string, want engine.InstanceState) *engine.Instance {
	t.Helper()

	var inst *engine.Instance
	require.Eventually(t, func() bool {
		got, err := eng.GetInstance(id)
		if err != nil {
			return false
		}
		inst = got
		return got.State == want
	}, waitTimeout, pollInterval, "instance %s never reached state %s", id, want)
	return inst
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	eng, _ := newTestEngine(t)

	var executions atomic.Int32
	p := eng.Pool("q")
	p.RegisterWorkflow("count", func(ctx context.Context, run *engine.Run) error {
		executions.Add(1)
		return nil
	})
	startEngine(t, eng)

	require.NoError(t, eng.Start(engine.StartRequest{
		InstanceID: "wf-1", Workflow: "count", TaskQueue: "q",
	}))

	waitForState(t, eng, "wf-1", engine.StateCompleted)
	assert.Equal(t, int32(1), executions.Load())
}

func TestDuplicateConcurrentStartRunsExactlyOnce(t *testing.T) {
	eng, _ := newTestEngine(t)

	release := make(chan struct{})
	var executions atomic.Int32
	p := eng.Pool("q")
	p.RegisterWorkflow("slow", func(ctx context.Context, run *engine.Run) error {
		executions.Add(1)
		<-release
		return nil
	})
	startEngine(t, eng)

	req := engine.StartRequest{InstanceID: "job-1", Workflow: "slow", TaskQueue: "q"}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.Start(req)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		} else {
			require.True(t, errors.IsAlreadyRunning(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started, "exactly one start call wins the insert")

	// Still live: another start must report already running
	require.Eventually(t, func() bool { return executions.Load() == 1 }, waitTimeout, pollInterval)
	assert.True(t, errors.IsAlreadyRunning(eng.Start(req)))

	close(release)
	waitForState(t, eng, "job-1", engine.StateCompleted)
	assert.Equal(t, int32(1), executions.Load(), "the duplicate starts must not execute")
}

func TestTerminalInstanceIsRestartable(t *testing.T) {
	eng, _ := newTestEngine(t)

	var executions atomic.Int32
	p := eng.Pool("q")
	p.RegisterWorkflow("count", func(ctx context.Context, run *engine.Run) error {
		executions.Add(1)
		return nil
	})
	startEngine(t, eng)

	req := engine.StartRequest{InstanceID: "supervisor-p1", Workflow: "count", TaskQueue: "q"}
	require.NoError(t, eng.Start(req))
	waitForState(t, eng, "supervisor-p1", engine.StateCompleted)

	// A cleanly stopped id may be started again
	require.NoError(t, eng.Start(req))
	require.Eventually(t, func() bool { return executions.Load() == 2 }, waitTimeout, pollInterval)
	waitForState(t, eng, "supervisor-p1", engine.StateCompleted)
}

func TestFailedWorkflowRecordsError(t *testing.T) {
	eng, _ := newTestEngine(t)

	p := eng.Pool("q")
	p.RegisterWorkflow("explode", func(ctx context.Context, run *engine.Run) error {
		return errors.New("boom")
	})
	startEngine(t, eng)

	require.NoError(t, eng.Start(engine.StartRequest{
		InstanceID: "wf-fail", Workflow: "explode", TaskQueue: "q",
	}))

	inst := waitForState(t, eng, "wf-fail", engine.StateFailed)
	assert.Contains(t, inst.Error, "boom")
}

func TestUnregisteredWorkflowFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	p := eng.Pool("q")
	p.RegisterWorkflow("known", func(ctx context.Context, run *engine.Run) error { return nil })
	startEngine(t, eng)

	require.NoError(t, eng.Start(engine.StartRequest{
		InstanceID: "wf-unknown", Workflow: "never-registered", TaskQueue: "q",
	}))

	inst := waitForState(t, eng, "wf-unknown", engine.StateFailed)
	assert.Contains(t, inst.Error, "not registered")
}

func TestSignalDeliveryOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	var mu sync.Mutex
	var received []string
	p := eng.Pool("q")
	p.RegisterWorkflow("listen", func(ctx context.Context, run *engine.Run) error {
		ch := run.SignalChan("data")
		for i := 0; i < 3; i++ {
			payload := <-ch
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				return err
			}
			mu.Lock()
			received = append(received, s)
			mu.Unlock()
		}
		return nil
	})
	startEngine(t, eng)

	require.NoError(t, eng.Start(engine.StartRequest{
		InstanceID: "wf-sig", Workflow: "listen", TaskQueue: "q",
	}))

	// First delivery waits for the instance to go live
	require.Eventually(t, func() bool {
		return eng.Signal("wf-sig", "data", json.RawMessage(`"one"`)) == nil
	}, waitTimeout, pollInterval)
	require.NoError(t, eng.Signal("wf-sig", "data", json.RawMessage(`"two"`)))
	require.NoError(t, eng.Signal("wf-sig", "data", json.RawMessage(`"three"`)))

	waitForState(t, eng, "wf-sig", engine.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, received, "signals observed in delivery order")
}

func TestSignalUnknownInstanceHasNoSideEffect(t *testing.T) {
	eng, _ := newTestEngine(t)
	startEngine(t, eng)

	err := eng.Signal("ghost", "stop", nil)
	require.True(t, errors.IsInstanceNotFound(err))

	// The failed signal must not create an instance
	_, err = eng.GetInstance("ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestStartValidation(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.Start(engine.StartRequest{InstanceID: "x"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestOrphanRecoveryOnStart(t *testing.T) {
	eng, db := newTestEngine(t)

	// Simulate an instance left in running by an ungraceful shutdown
	now := time.Now()
	_, err := db.Exec(
		`INSERT INTO workflow_instances (id, workflow, task_queue, state, input, error, created_at, updated_at)
		 VALUES ('orphan-1', 'count', 'q', 'running', NULL, '', ?, ?)`,
		now, now,
	)
	require.NoError(t, err)

	var executions atomic.Int32
	p := eng.Pool("q")
	p.RegisterWorkflow("count", func(ctx context.Context, run *engine.Run) error {
		executions.Add(1)
		return nil
	})
	startEngine(t, eng)

	waitForState(t, eng, "orphan-1", engine.StateCompleted)
	assert.Equal(t, int32(1), executions.Load())
}

func TestCronSchedule(t *testing.T) {
	eng, _ := newTestEngine(t)

	var executions atomic.Int32
	p := eng.Pool("q")
	p.RegisterWorkflow("tick", func(ctx context.Context, run *engine.Run) error {
		executions.Add(1)
		return nil
	})
	eng.ScheduleCron("tick", "q", 50*time.Millisecond)
	startEngine(t, eng)

	require.Eventually(t, func() bool {
		return executions.Load() >= 2
	}, waitTimeout, pollInterval, "schedule should fire repeatedly")
}

func TestActivityTimeout(t *testing.T) {
	eng, _ := newTestEngine(t)

	p := eng.Pool("q")
	p.RegisterActivity("stall", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p.RegisterWorkflow("caller", func(ctx context.Context, run *engine.Run) error {
		_, err := run.ExecuteActivity(ctx, "stall", nil, 50*time.Millisecond)
		return err
	})
	startEngine(t, eng)

	require.NoError(t, eng.Start(engine.StartRequest{
		InstanceID: "wf-stall", Workflow: "caller", TaskQueue: "q",
	}))

	inst := waitForState(t, eng, "wf-stall", engine.StateFailed)
	assert.Contains(t, inst.Error, "deadline")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := eng.Pool("q")

	fn := func(ctx context.Context, run *engine.Run) error { return nil }
	p.RegisterWorkflow("dup", fn)
	assert.Panics(t, func() { p.RegisterWorkflow("dup", fn) })

	act := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) { return nil, nil }
	p.RegisterActivity("dup-act", act)
	assert.Panics(t, func() { p.RegisterActivity("dup-act", act) })
}
