package workflows

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
)

// ingestedFile is the ingest.file activity's return payload, published on
// the global topic
type ingestedFile struct {
	JobID  string `json:"job_id"`
	File   string `json:"file"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Ingest processes one file a job produced. Runs detached from the parent
// job: the parent has usually reached its terminal status long before this
// executes, and a failure here never touches the parent record.
func (d *Deps) Ingest(ctx context.Context, run *engine.Run) error {
	var input ingestInput
	if err := json.Unmarshal(run.Input, &input); err != nil {
		return errors.Wrap(err, "invalid ingest input")
	}

	_, err := run.ExecuteActivity(ctx, ActivityIngestFile, run.Input, d.bookkeepingTimeout())
	if err != nil {
		run.Logger().Errorw("File ingestion failed", "file", input.File, "error", err)
	}
	return err
}

// ingestFile fingerprints a produced file and announces it on the global
// topic
func (d *Deps) ingestFile(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req ingestInput
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid ingest input")
	}

	f, err := os.Open(req.File)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open produced file %s", req.File)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat produced file %s", req.File)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrapf(err, "failed to hash produced file %s", req.File)
	}

	record := ingestedFile{
		JobID:  req.JobID,
		File:   req.File,
		Size:   info.Size(),
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}

	d.Bus.Publish(bus.TopicGlobal, bus.Event{
		JobID:     req.JobID,
		Type:      bus.EventChange,
		Payload:   marshalInput(record),
		Timestamp: time.Now().Unix(),
	})

	return marshalInput(record), nil
}
