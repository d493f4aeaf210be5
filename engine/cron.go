package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/errors"
)

// cronEntry starts a workflow on a fixed interval. Instance ids carry the
// tick timestamp, so a tick that fires while the previous run is still live
// starts a distinct instance - overlap control belongs to the workflow, not
// the schedule.
type cronEntry struct {
	engine   *Engine
	workflow string
	queue    string
	interval time.Duration
	log      *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ScheduleCron registers a workflow to start every interval on the given
// queue. Schedules begin ticking when Run is called; the first start happens
// one full interval after startup.
func (e *Engine) ScheduleCron(workflow, queue string, interval time.Duration) {
	entry := &cronEntry{
		engine:   e,
		workflow: workflow,
		queue:    queue,
		interval: interval,
		log:      e.log.Named("cron").With("workflow", workflow),
	}

	e.mu.Lock()
	e.crons = append(e.crons, entry)
	e.mu.Unlock()
}

func (c *cronEntry) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.log.Infow("Cron schedule started", "interval", c.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

func (c *cronEntry) tick() {
	id := fmt.Sprintf("%s-%d", c.workflow, time.Now().Unix())
	err := c.engine.Start(StartRequest{
		InstanceID: id,
		Workflow:   c.workflow,
		TaskQueue:  c.queue,
	})
	if errors.IsAlreadyRunning(err) {
		return // Same-second tick collision, the live run covers it
	}
	if err != nil {
		c.log.Errorw("Failed to start scheduled workflow", "error", err)
	}
}

func (c *cronEntry) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
