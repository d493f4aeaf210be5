package workflows

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// Backend lifecycle commands. The job's Command field must be one of these.
const (
	BackendStart   = "start"
	BackendStop    = "stop"
	BackendRestart = "restart"
	BackendCreate  = "create"
	BackendDelete  = "delete"
)

// BackendCommand runs one lifecycle command against a backend's container.
// Single-shot: one activity under the control-plane timeout, then the
// terminal status write. There is no state machine beyond ran / threw.
func (d *Deps) BackendCommand(ctx context.Context, run *engine.Run) error {
	jobID := run.InstanceID
	bk := d.bookkeepingTimeout()

	if _, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
		marshalInput(statusUpdate{JobID: jobID, Status: store.JobStatusRunning}), bk); err != nil {
		return err
	}

	_, cmdErr := run.ExecuteActivity(ctx, ActivityBackendDocker,
		marshalInput(execInput{JobID: jobID}), bk)

	final := store.JobStatusSuccess
	var errMsg string
	if cmdErr != nil {
		final = store.JobStatusFailed
		errMsg = cmdErr.Error()
	}
	if _, err := run.ExecuteActivity(ctx, ActivityUpdateStatus,
		marshalInput(statusUpdate{JobID: jobID, Status: final, Error: errMsg}), bk); err != nil {
		run.Logger().Errorw("Failed to persist backend command outcome", "error", err)
	}

	return cmdErr
}

// backendDocker maps a lifecycle command to exactly one container operation
func (d *Deps) backendDocker(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req execInput
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "invalid backend command input")
	}

	job, err := d.Store.GetJob(req.JobID)
	if err != nil {
		return nil, err
	}

	switch job.Command {
	case BackendCreate:
		return nil, d.createBackendContainer(ctx, job.BackendID)
	case BackendStart:
		return nil, d.withBackendContainer(ctx, job.BackendID, func(id string) error {
			return d.Docker.ContainerStart(ctx, id, container.StartOptions{})
		})
	case BackendStop:
		return nil, d.withBackendContainer(ctx, job.BackendID, func(id string) error {
			return d.Docker.ContainerStop(ctx, id, container.StopOptions{})
		})
	case BackendRestart:
		return nil, d.withBackendContainer(ctx, job.BackendID, func(id string) error {
			return d.Docker.ContainerRestart(ctx, id, container.StopOptions{})
		})
	case BackendDelete:
		return nil, d.withBackendContainer(ctx, job.BackendID, func(id string) error {
			return d.Docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		})
	default:
		return nil, errors.Newf("unknown backend command: %s", job.Command)
	}
}

// createBackendContainer creates and starts the backend's container, labeled
// so reconciliation and lifecycle lookups can find it
func (d *Deps) createBackendContainer(ctx context.Context, backendID string) error {
	created, err := d.Docker.ContainerCreate(ctx,
		&container.Config{
			Image: d.Config.Backend.Image,
			Labels: map[string]string{
				d.Config.Backend.LabelKey: backendID,
			},
		},
		&container.HostConfig{RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}},
		nil, nil,
		"harbinger-backend-"+backendID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create container for backend %s", backendID)
	}

	if err := d.Docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "failed to start container for backend %s", backendID)
	}
	return nil
}

// withBackendContainer resolves the backend's container by label and applies
// op to it
func (d *Deps) withBackendContainer(ctx context.Context, backendID string, op func(containerID string) error) error {
	id, err := d.findBackendContainer(ctx, backendID)
	if err != nil {
		return err
	}
	return op(id)
}

func (d *Deps) findBackendContainer(ctx context.Context, backendID string) (string, error) {
	args := filters.NewArgs(filters.Arg("label", d.Config.Backend.LabelKey+"="+backendID))
	containers, err := d.Docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list containers for backend %s", backendID)
	}
	if len(containers) == 0 {
		return "", errors.Wrapf(errors.ErrNotFound, "no container for backend %s", backendID)
	}
	return containers[0].ID, nil
}
