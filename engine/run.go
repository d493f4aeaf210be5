package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/errors"
)

// signalChannelBufferSize bounds how many undelivered signals an instance can
// hold per signal name. Order is preserved; a sender blocks only when the
// buffer is full and the instance is still live.
const signalChannelBufferSize = 100

// liveInstance is the in-memory presence of a running workflow. It exists
// only between claim and terminal write, and is the routing target for
// signals. Signaling an id with no liveInstance is ErrInstanceNotFound.
type liveInstance struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	signals map[string]chan json.RawMessage
}

func newLiveInstance(id string) *liveInstance {
	return &liveInstance{
		id:      id,
		done:    make(chan struct{}),
		signals: make(map[string]chan json.RawMessage),
	}
}

// signalChan returns the named signal channel, creating it on first use so
// senders and receivers can arrive in either order.
func (li *liveInstance) signalChan(name string) chan json.RawMessage {
	li.mu.Lock()
	defer li.mu.Unlock()

	ch, ok := li.signals[name]
	if !ok {
		ch = make(chan json.RawMessage, signalChannelBufferSize)
		li.signals[name] = ch
	}
	return ch
}

// deliver enqueues a signal payload for the workflow. Returns
// ErrInstanceNotFound if the instance finished before the signal landed.
func (li *liveInstance) deliver(name string, payload json.RawMessage) error {
	ch := li.signalChan(name)
	select {
	case ch <- payload:
		return nil
	case <-li.done:
		return errors.Wrapf(errors.ErrInstanceNotFound, "instance %s", li.id)
	}
}

// finish marks the instance dead for signal routing
func (li *liveInstance) finish() {
	close(li.done)
}

// Run is the execution surface handed to a workflow function. It scopes
// activities, signals, timers and child starts to one instance.
type Run struct {
	InstanceID string
	Input      json.RawMessage

	engine *Engine
	reg    *registry
	live   *liveInstance
	log    *zap.SugaredLogger
}

// Logger returns the instance-scoped logger
func (r *Run) Logger() *zap.SugaredLogger {
	return r.log
}

// ExecuteActivity runs a registered activity with a schedule-to-close
// timeout. The activity observes cancellation through its context; a timeout
// surfaces here as context.DeadlineExceeded even if the activity keeps
// running in the background.
func (r *Run) ExecuteActivity(ctx context.Context, name string, input json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	fn := r.reg.activity(name)
	if fn == nil {
		return nil, errors.Newf("activity not registered: %s", name)
	}

	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(actCtx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, errors.Wrapf(out.err, "activity %s", name)
		}
		return out.result, nil
	case <-actCtx.Done():
		return nil, errors.Wrapf(actCtx.Err(), "activity %s", name)
	}
}

// SignalChan returns the receive side of a named signal channel. Payloads
// arrive in the order they were sent.
func (r *Run) SignalChan(name string) <-chan json.RawMessage {
	return r.live.signalChan(name)
}

// Timer waits for d or until the workflow context is cancelled
func (r *Run) Timer(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartChild starts a detached child workflow. The child outlives the parent
// and its result is never awaited; an already-live child id counts as
// started.
func (r *Run) StartChild(req StartRequest) error {
	err := r.engine.Start(req)
	if errors.IsAlreadyRunning(err) {
		return nil
	}
	return err
}
