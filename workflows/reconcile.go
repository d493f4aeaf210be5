package workflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// driftReport is the drift-check activity's return payload
type driftReport struct {
	// Containers is the number of labeled backend containers observed
	Containers int `json:"containers"`
	// Drifted lists backend ids with live jobs but no running container
	Drifted []string `json:"drifted,omitempty"`
}

// Reconcile runs one drift check per tick. Scheduled on a fixed cadence, not
// signaled; carries no state across ticks beyond what the activity reads
// from the record store.
func (d *Deps) Reconcile(ctx context.Context, run *engine.Run) error {
	result, err := run.ExecuteActivity(ctx, ActivityBackendDrift, nil, d.driftTimeout())
	if err != nil {
		return err
	}

	var report driftReport
	if err := json.Unmarshal(result, &report); err != nil {
		return err
	}

	if len(report.Drifted) > 0 {
		run.Logger().Warnw("Backend drift detected",
			"containers", report.Containers,
			"drifted", report.Drifted)
	}
	return nil
}

// backendDriftCheck compares backends referenced by live jobs against the
// containers actually running. A backend with in-flight work but no running
// container has drifted; the report is published on the global topic so
// observers see it without polling.
func (d *Deps) backendDriftCheck(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	args := filters.NewArgs(filters.Arg("label", d.Config.Backend.LabelKey))
	containers, err := d.Docker.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backend containers")
	}

	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if id := c.Labels[d.Config.Backend.LabelKey]; id != "" {
			running[id] = true
		}
	}

	statusRunning := store.JobStatusRunning
	jobs, err := d.Store.ListJobs(&statusRunning, 1000)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var drifted []string
	for _, job := range jobs {
		if seen[job.BackendID] {
			continue
		}
		seen[job.BackendID] = true
		if !running[job.BackendID] {
			drifted = append(drifted, job.BackendID)
		}
	}

	report := driftReport{Containers: len(containers), Drifted: drifted}
	if len(drifted) > 0 {
		d.Bus.Publish(bus.TopicGlobal, bus.Event{
			Type:      bus.EventChange,
			Payload:   marshalInput(report),
			Timestamp: time.Now().Unix(),
		})
	}

	return marshalInput(report), nil
}
