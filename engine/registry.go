package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// WorkflowFunc is a workflow definition. It encodes the state machine and
// failure policy for one job family. The function runs on a worker pool
// goroutine; suspension points are explicit: awaiting an activity result,
// receiving from a signal channel, or waiting on a timer.
type WorkflowFunc func(ctx context.Context, run *Run) error

// ActivityFunc is a single externally-visible step executed within a
// workflow. Every invocation carries its own schedule-to-close timeout, so a
// stalled activity surfaces as a (possibly very late) failure, never a silent
// hang.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// registry holds the workflows and activities registered to one pool.
// A pool only executes what was registered to it: registration is what binds
// work to a task queue.
type registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
}

// RegisterWorkflow adds a workflow definition by name.
// Panics if the name is taken - duplicate registration is a programming error.
func (r *registry) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("workflow already registered: %s", name))
	}
	r.workflows[name] = fn
}

// RegisterActivity adds an activity by name.
// Panics if the name is taken.
func (r *registry) RegisterActivity(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		panic(fmt.Sprintf("activity already registered: %s", name))
	}
	r.activities[name] = fn
}

func (r *registry) workflow(name string) WorkflowFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[name]
}

func (r *registry) activity(name string) ActivityFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activities[name]
}
