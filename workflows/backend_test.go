package workflows

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// fakeDocker is an in-memory container engine
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
}

type fakeContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]*fakeContainer)}
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := containerName
	f.containers[id] = &fakeContainer{id: id, name: containerName, labels: config.Labels}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return errors.Newf("no such container: %s", containerID)
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return errors.Newf("no such container: %s", containerID)
	}
	c.running = false
	return nil
}

func (f *fakeDocker) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	return f.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[containerID]; !ok {
		return errors.Newf("no such container: %s", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []container.Summary
	for _, c := range f.containers {
		if !options.All && !c.running {
			continue
		}
		out = append(out, container.Summary{ID: c.id, Labels: c.labels})
	}
	return out, nil
}

func registerBackendPool(deps *Deps, backendID string) {
	p := deps.Engine.Pool(BackendQueue(backendID))
	p.RegisterWorkflow(WorkflowBackendCommand, deps.BackendCommand)
	p.RegisterActivity(ActivityBackendDocker, deps.backendDocker)
	p.RegisterActivity(ActivityUpdateStatus, deps.jobUpdateStatus)
}

func submitBackendJob(t *testing.T, deps *Deps, command string) *store.Job {
	t.Helper()

	job, err := store.NewJob(store.KindBackendCommand, "", "backendA", command, nil)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateJob(job))
	require.NoError(t, deps.Engine.Start(engine.StartRequest{
		InstanceID: job.ID,
		Workflow:   WorkflowBackendCommand,
		TaskQueue:  BackendQueue("backendA"),
	}))
	return job
}

func TestBackendCreateAndStop(t *testing.T) {
	deps, _ := newTestDeps(t)
	docker := newFakeDocker()
	deps.Docker = docker

	registerBackendPool(deps, "backendA")
	startEngine(t, deps.Engine)

	job := submitBackendJob(t, deps, BackendCreate)
	got := waitForJobTerminal(t, deps, job.ID)
	require.Equal(t, store.JobStatusSuccess, got.Status)

	docker.mu.Lock()
	require.Len(t, docker.containers, 1)
	c := docker.containers["harbinger-backend-backendA"]
	require.NotNil(t, c)
	assert.True(t, c.running)
	assert.Equal(t, "backendA", c.labels["harbinger.backend_id"])
	docker.mu.Unlock()

	stop := submitBackendJob(t, deps, BackendStop)
	got = waitForJobTerminal(t, deps, stop.ID)
	require.Equal(t, store.JobStatusSuccess, got.Status)

	docker.mu.Lock()
	assert.False(t, docker.containers["harbinger-backend-backendA"].running)
	docker.mu.Unlock()
}

func TestBackendCommandAgainstMissingContainerFails(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Docker = newFakeDocker()

	registerBackendPool(deps, "backendA")
	startEngine(t, deps.Engine)

	job := submitBackendJob(t, deps, BackendRestart)
	got := waitForJobTerminal(t, deps, job.ID)

	assert.Equal(t, store.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no container for backend")
}

func TestBackendUnknownCommandFails(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Docker = newFakeDocker()

	registerBackendPool(deps, "backendA")
	startEngine(t, deps.Engine)

	job := submitBackendJob(t, deps, "explode")
	got := waitForJobTerminal(t, deps, job.ID)

	assert.Equal(t, store.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "unknown backend command")
}

func TestDriftCheckFlagsBackendsWithoutContainers(t *testing.T) {
	deps, _ := newTestDeps(t)
	docker := newFakeDocker()
	deps.Docker = docker

	// backendA has a running container, backendB does not
	created, err := docker.ContainerCreate(context.Background(), &container.Config{
		Labels: map[string]string{"harbinger.backend_id": "backendA"},
	}, nil, nil, nil, "harbinger-backend-backendA")
	require.NoError(t, err)
	require.NoError(t, docker.ContainerStart(context.Background(), created.ID, container.StartOptions{}))

	for _, backend := range []string{"backendA", "backendB"} {
		job, jerr := store.NewJob(store.KindRemoteExec, "linux", backend, "sleep 1000", nil)
		require.NoError(t, jerr)
		require.NoError(t, deps.Store.CreateJob(job))
		require.NoError(t, deps.Store.UpdateStatus(job.ID, store.JobStatusStarting, nil))
		require.NoError(t, deps.Store.UpdateStatus(job.ID, store.JobStatusRunning, nil))
	}

	sub := deps.Bus.Subscribe(bus.TopicGlobal)

	result, err := deps.backendDriftCheck(context.Background(), nil)
	require.NoError(t, err)

	var report driftReport
	require.NoError(t, json.Unmarshal(result, &report))
	assert.Equal(t, 1, report.Containers)
	assert.Equal(t, []string{"backendB"}, report.Drifted)

	require.Len(t, sub.C, 1, "drift is announced on the global topic")
	assert.Equal(t, bus.EventChange, (<-sub.C).Type)
}

func TestReconcileWorkflowRunsDriftCheck(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Docker = newFakeDocker()

	p := deps.Engine.Pool(QueueSystem)
	p.RegisterWorkflow(WorkflowReconcile, deps.Reconcile)
	p.RegisterActivity(ActivityBackendDrift, deps.backendDriftCheck)
	startEngine(t, deps.Engine)

	require.NoError(t, deps.Engine.Start(engine.StartRequest{
		InstanceID: "backend-reconcile-1",
		Workflow:   WorkflowReconcile,
		TaskQueue:  QueueSystem,
	}))
	waitForInstanceState(t, deps, "backend-reconcile-1", engine.StateCompleted)
}
