package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/logger"
)

// Engine owns the worker pools, the cron schedules and the live-instance
// registry. One Engine serves the whole process; pools partition it by task
// queue.
type Engine struct {
	store        *instanceStore
	log          *zap.SugaredLogger
	workers      int
	pollInterval time.Duration

	mu    sync.Mutex
	pools map[string]*Pool
	crons []*cronEntry

	liveMu sync.RWMutex
	live   map[string]*liveInstance
}

// Options tunes engine-wide pool behavior
type Options struct {
	// Workers is the goroutine count per pool
	Workers int
	// PollInterval is how often an idle pool checks for pending instances
	PollInterval time.Duration
}

// New creates an engine backed by the given database
func New(db *sql.DB, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	return &Engine{
		store:        newInstanceStore(db),
		log:          logger.Get().Named("engine"),
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		pools:        make(map[string]*Pool),
		live:         make(map[string]*liveInstance),
	}
}

// Pool returns the worker pool for a task queue, creating it on first use.
// Workflows and activities must be registered before Run is called.
func (e *Engine) Pool(queue string) *Pool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pools[queue]
	if !ok {
		p = newPool(e, queue)
		e.pools[queue] = p
	}
	return p
}

// Start durably enqueues a workflow instance. The id is the uniqueness
// anchor: a live execution under the same id yields errors.ErrAlreadyRunning
// and the existing instance stays authoritative.
func (e *Engine) Start(req StartRequest) error {
	if req.InstanceID == "" || req.Workflow == "" || req.TaskQueue == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "start request requires instance id, workflow and task queue")
	}

	if err := e.store.Create(req); err != nil {
		return err
	}

	e.log.Infow("Workflow instance enqueued",
		"instance_id", req.InstanceID,
		"workflow", req.Workflow,
		"task_queue", req.TaskQueue)
	return nil
}

// Signal delivers a named payload to a live workflow instance. Returns
// errors.ErrInstanceNotFound when no live execution exists for the id -
// callers use this for state reconciliation, it is not a fault.
func (e *Engine) Signal(instanceID, name string, payload json.RawMessage) error {
	e.liveMu.RLock()
	li, ok := e.live[instanceID]
	e.liveMu.RUnlock()

	if !ok {
		return errors.Wrapf(errors.ErrInstanceNotFound, "instance %s", instanceID)
	}
	return li.deliver(name, payload)
}

// GetInstance returns the persisted record of an instance
func (e *Engine) GetInstance(id string) (*Instance, error) {
	return e.store.Get(id)
}

// registerLive makes an instance addressable for signals
func (e *Engine) registerLive(li *liveInstance) {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	e.live[li.id] = li
}

// deregisterLive removes an instance from signal routing. Senders blocked on
// a full signal buffer are released with ErrInstanceNotFound.
func (e *Engine) deregisterLive(li *liveInstance) {
	e.liveMu.Lock()
	delete(e.live, li.id)
	e.liveMu.Unlock()

	li.finish()
}

// Run starts every pool and cron schedule, then blocks until ctx is
// cancelled. Shutdown waits for in-flight workflows up to the pool stop
// timeout.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	pools := make([]*Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	crons := make([]*cronEntry, len(e.crons))
	copy(crons, e.crons)
	e.mu.Unlock()

	for _, p := range pools {
		if err := p.start(ctx); err != nil {
			return err
		}
	}
	for _, c := range crons {
		c.start(ctx)
	}

	e.log.Infow("Engine running", "pools", len(pools), "crons", len(crons))
	<-ctx.Done()

	for _, c := range crons {
		c.stop()
	}
	for _, p := range pools {
		p.stop()
	}

	e.log.Infow("Engine stopped")
	return nil
}
