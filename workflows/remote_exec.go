package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/store"
)

// ingestInput is the start payload for an output-ingest child workflow
type ingestInput struct {
	JobID string `json:"job_id"`
	File  string `json:"file"`
}

// RemoteExec drives one remote command execution to a terminal status.
//
// The state machine is created -> starting -> running -> {success, failed}.
// The remote step is a single long-running activity on the pool owning the
// job's target environment; bookkeeping runs under the short control-plane
// timeout so a stalled command cannot starve status updates. Output streamed
// by the command arrives as "output" signals and is drained concurrently for
// the whole execution.
func (d *Deps) RemoteExec(ctx context.Context, run *engine.Run) error {
	jobID := run.InstanceID
	bk := d.bookkeepingTimeout()

	// Observable as running before the remote step begins
	if _, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
		marshalInput(statusUpdate{JobID: jobID, Status: store.JobStatusStarting}), bk); err != nil {
		return err
	}
	if _, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
		marshalInput(statusUpdate{JobID: jobID, Status: store.JobStatusRunning}), bk); err != nil {
		return err
	}

	stopDrain := d.drainOutput(ctx, run, jobID)

	result, execErr := run.ExecuteActivity(ctx, ActivityExecCommand,
		marshalInput(execInput{JobID: jobID}), d.execTimeout())

	stopDrain()

	if execErr != nil {
		// Terminal failure must be persisted before the workflow completes
		if _, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
			marshalInput(statusUpdate{JobID: jobID, Status: store.JobStatusFailed, Error: execErr.Error()}), bk); err != nil {
			run.Logger().Errorw("Failed to persist job failure", "error", err)
		}
		return execErr
	}

	var res execResult
	if err := json.Unmarshal(result, &res); err != nil {
		return err
	}

	if len(res.Files) > 0 {
		if _, err := run.ExecuteActivity(ctx, ActivityRegisterFiles,
			marshalInput(fileList{JobID: jobID, Files: res.Files}), bk); err != nil {
			return err
		}
		d.startIngestChildren(run, jobID, res.Files)
	}

	final := store.JobStatusSuccess
	var errMsg string
	if res.ExitCode != 0 {
		final = store.JobStatusFailed
		errMsg = fmt.Sprintf("command exited with code %d", res.ExitCode)
	}

	_, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
		marshalInput(statusUpdate{JobID: jobID, Status: final, ExitCode: &res.ExitCode, Error: errMsg}), bk)
	return err
}

// drainOutput consumes "output" signals concurrently with the remote step,
// appending each chunk through a bookkeeping activity. The returned stop
// function flushes already-delivered chunks before returning, so output that
// raced the command's exit still lands in order.
func (d *Deps) drainOutput(ctx context.Context, run *engine.Run, jobID string) (stop func()) {
	outCh := run.SignalChan(SignalOutput)
	done := make(chan struct{})
	quit := make(chan struct{})

	appendChunk := func(payload json.RawMessage) {
		if _, err := run.ExecuteActivity(ctx, ActivityAppendOutput, payload, d.bookkeepingTimeout()); err != nil {
			run.Logger().Errorw("Failed to append output chunk", "error", err)
		}
	}

	go func() {
		defer close(done)
		for {
			select {
			case payload := <-outCh:
				appendChunk(payload)
			case <-quit:
				for {
					select {
					case payload := <-outCh:
						appendChunk(payload)
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

// startIngestChildren starts one detached ingestion workflow per produced
// file. Children carry an abandon policy: the parent terminates without
// waiting for them and a child failure never reverts the parent's status.
func (d *Deps) startIngestChildren(run *engine.Run, jobID string, files []string) {
	for i, file := range files {
		err := run.StartChild(engine.StartRequest{
			InstanceID: fmt.Sprintf("ingest-%s-%d", jobID, i),
			Workflow:   WorkflowIngest,
			TaskQueue:  QueueIngest,
			Input:      marshalInput(ingestInput{JobID: jobID, File: file}),
		})
		if err != nil {
			run.Logger().Errorw("Failed to start ingest child", "file", file, "error", err)
		}
	}
}
