package workflows

import (
	"context"
	"encoding/json"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// statusUpdate is the input for the job.update_status activity
type statusUpdate struct {
	JobID    string          `json:"job_id"`
	Status   store.JobStatus `json:"status"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// outputChunk is the input for the job.append_output activity and the
// payload of the "output" signal
type outputChunk struct {
	JobID string `json:"job_id"`
	Chunk string `json:"chunk"`
}

// fileList is the input for the job.register_files activity
type fileList struct {
	JobID string   `json:"job_id"`
	Files []string `json:"files"`
}

// marshalInput serializes an activity input struct. The input types here
// contain only marshalable fields, so encoding cannot fail.
func marshalInput(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// jobUpdateStatus writes a job status transition and publishes it to the
// job's topic. The store enforces forward-only transitions.
func (d *Deps) jobUpdateStatus(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req statusUpdate
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid status update input")
	}

	if req.Error != "" {
		if err := d.Store.SetJobError(req.JobID, req.Error); err != nil {
			return nil, err
		}
	}
	if err := d.Store.UpdateStatus(req.JobID, req.Status, req.ExitCode); err != nil {
		return nil, err
	}

	d.Bus.Publish(req.JobID, bus.NewStatusEvent(req.JobID, string(req.Status)))
	return nil, nil
}

// jobAppendOutput appends a streamed output chunk to the job record and
// fans it out to live subscribers
func (d *Deps) jobAppendOutput(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req outputChunk
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid output chunk input")
	}

	if err := d.Store.AppendOutput(req.JobID, req.Chunk); err != nil {
		return nil, err
	}

	d.Bus.Publish(req.JobID, bus.NewOutputEvent(req.JobID, req.Chunk))
	return nil, nil
}

// jobRegisterFiles records the ordered list of files a job produced
func (d *Deps) jobRegisterFiles(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req fileList
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid file registration input")
	}

	if err := d.Store.RegisterOutputFiles(req.JobID, req.Files); err != nil {
		return nil, err
	}
	return nil, nil
}
