package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/errors"
)

const (
	// errorBackoff is how long a worker sleeps after a claim failure before
	// polling again, so a broken database does not spin the log
	errorBackoff = 5 * time.Second

	// stopTimeout bounds how long pool shutdown waits for in-flight
	// workflows. Instances still running after that are recovered as
	// orphans on the next start.
	stopTimeout = 30 * time.Second
)

// Pool executes workflow instances from one task queue. Queues encode
// placement: a pool only claims instances whose task_queue matches, so
// worker-affine jobs land on the worker that owns the queue.
type Pool struct {
	engine *Engine
	queue  string
	reg    *registry
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
}

func newPool(e *Engine, queue string) *Pool {
	return &Pool{
		engine: e,
		queue:  queue,
		reg:    newRegistry(),
		log:    e.log.Named("pool").With("task_queue", queue),
	}
}

// RegisterWorkflow binds a workflow definition to this pool's queue.
// Panics on duplicate names.
func (p *Pool) RegisterWorkflow(name string, fn WorkflowFunc) {
	p.reg.RegisterWorkflow(name, fn)
}

// RegisterActivity binds an activity to this pool's queue.
// Panics on duplicate names.
func (p *Pool) RegisterActivity(name string, fn ActivityFunc) {
	p.reg.RegisterActivity(name, fn)
}

// start recovers orphaned instances and launches the worker goroutines
func (p *Pool) start(ctx context.Context) error {
	recovered, err := p.engine.store.RecoverOrphans(p.queue)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.log.Warnw("Re-queued orphaned workflow instances", "count", recovered)
	}

	for i := 0; i < p.engine.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}

	p.log.Infow("Pool started", "workers", p.engine.workers)
	return nil
}

// workerLoop polls the queue until ctx is cancelled
func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.engine.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims and executes pending instances until the queue is empty or
// ctx is cancelled
func (p *Pool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		inst, err := p.engine.store.ClaimNext(p.queue)
		if err != nil {
			p.log.Errorw("Failed to claim workflow instance", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
			return
		}
		if inst == nil {
			return // Queue empty
		}

		p.execute(ctx, inst)
	}
}

// execute runs one claimed instance to a terminal state
func (p *Pool) execute(ctx context.Context, inst *Instance) {
	fn := p.reg.workflow(inst.Workflow)
	if fn == nil {
		p.log.Errorw("No workflow registered for claimed instance",
			"instance_id", inst.ID,
			"workflow", inst.Workflow)
		p.markTerminal(inst.ID, StateFailed, errors.Newf("workflow not registered: %s", inst.Workflow))
		return
	}

	li := newLiveInstance(inst.ID)
	p.engine.registerLive(li)

	run := &Run{
		InstanceID: inst.ID,
		Input:      inst.Input,
		engine:     p.engine,
		reg:        p.reg,
		live:       li,
		log:        p.log.With("instance_id", inst.ID, "workflow", inst.Workflow),
	}

	run.log.Infow("Workflow started")
	err := fn(ctx, run)

	// Deregister before the terminal write so no signal can land on an
	// instance already recorded as finished.
	p.engine.deregisterLive(li)

	if ctx.Err() != nil && err != nil {
		// Shutdown mid-flight: leave the instance in running so orphan
		// recovery re-queues it on the next start.
		run.log.Warnw("Workflow interrupted by shutdown")
		return
	}

	if err != nil {
		run.log.Errorw("Workflow failed", "error", err)
		p.markTerminal(inst.ID, StateFailed, err)
		return
	}

	run.log.Infow("Workflow completed")
	p.markTerminal(inst.ID, StateCompleted, nil)
}

func (p *Pool) markTerminal(id string, state InstanceState, runErr error) {
	if err := p.engine.store.MarkTerminal(id, state, runErr); err != nil {
		p.log.Errorw("Failed to record terminal instance state", "instance_id", id, "error", err)
	}
}

// stop waits for in-flight workflows up to stopTimeout
func (p *Pool) stop() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Infow("Pool stopped")
	case <-time.After(stopTimeout):
		p.log.Warnw("Pool stop timed out with workflows in flight")
	}
}
