package store_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiant/harbinger-sub002/errors"
	itesting "github.com/mandiant/harbinger-sub002/internal/testing"
	"github.com/mandiant/harbinger-sub002/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(itesting.CreateTestDB(t))
}

func createTestJob(t *testing.T, s *store.Store) *store.Job {
	t.Helper()
	job, err := store.NewJob(store.KindRemoteExec, "linux", "backendA", "whoami", nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(job))
	return job
}

func TestNewJobValidation(t *testing.T) {
	_, err := store.NewJob(store.KindRemoteExec, "linux", "backendA", "", nil)
	assert.Error(t, err, "remote-exec without a command should be rejected")

	_, err = store.NewJob(store.KindRemoteExec, "linux", "", "whoami", nil)
	assert.Error(t, err, "job without a backend should be rejected")

	_, err = store.NewJob("teleport", "linux", "backendA", "whoami", nil)
	assert.ErrorContains(t, err, "unknown job kind", "unroutable kinds must never produce a record")
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)

	args := json.RawMessage(`{"output_dir":"/tmp/out"}`)
	job, err := store.NewJob(store.KindRemoteExec, "linux", "backendA", "ls -la", args)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, store.JobStatusCreated, got.Status)
	assert.Equal(t, "ls -la", got.Command)
	assert.JSONEq(t, string(args), string(got.Arguments))
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.StartedAt)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob("nonexistent")
	assert.True(t, errors.IsNotFound(err))
}

func TestStatusMovesForwardOnly(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusStarting, nil))
	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusRunning, nil))

	// Backward transition rejected
	err := s.UpdateStatus(job.ID, store.JobStatusStarting, nil)
	assert.Error(t, err)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt, "started_at should be set on entry to running")
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	exitCode := 0
	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusStarting, nil))
	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusRunning, nil))
	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusSuccess, &exitCode))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	assert.Error(t, s.UpdateStatus(job.ID, store.JobStatusFailed, nil),
		"terminal status must not change")
	assert.Error(t, s.UpdateStatus(job.ID, store.JobStatusRunning, nil))
}

func TestAppendOutput(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusRunning, nil))
	require.NoError(t, s.AppendOutput(job.ID, "line one\n"))
	require.NoError(t, s.AppendOutput(job.ID, "line two\n"))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", got.Output)

	exitCode := 0
	require.NoError(t, s.UpdateStatus(job.ID, store.JobStatusSuccess, &exitCode))
	assert.Error(t, s.AppendOutput(job.ID, "late chunk"),
		"output append after terminal state must be refused")
}

func TestRegisterOutputFiles(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	files := []string{"/tmp/out/a.bin", "/tmp/out/b.bin"}
	require.NoError(t, s.RegisterOutputFiles(job.ID, files))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, files, got.OutputFiles, "file order must be preserved")
}

func TestSetJobError(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	require.NoError(t, s.SetJobError(job.ID, "command exploded"))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "command exploded", got.Error)

	err = s.SetJobError("nonexistent", "boom")
	assert.True(t, errors.IsNotFound(err))
}

func TestListJobsFiltered(t *testing.T) {
	s := newTestStore(t)
	j1 := createTestJob(t, s)
	createTestJob(t, s)

	require.NoError(t, s.UpdateStatus(j1.ID, store.JobStatusStarting, nil))

	statusCreated := store.JobStatusCreated
	jobs, err := s.ListJobs(&statusCreated, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	all, err := s.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListJobsByBackend(t *testing.T) {
	s := newTestStore(t)
	createTestJob(t, s)

	other, err := store.NewJob(store.KindRemoteExec, "windows", "backendB", "whoami", nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(other))

	jobs, err := s.ListJobsByBackend("backendB", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ID, jobs[0].ID)
}

func TestPoolKey(t *testing.T) {
	job, err := store.NewJob(store.KindRemoteExec, "linux", "backendA", "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "exec-linux-backendA", job.PoolKey())
}

func TestPlanLifecycle(t *testing.T) {
	s := newTestStore(t)

	plan, err := s.CreatePlan("enumerate the domain")
	require.NoError(t, err)
	assert.Equal(t, store.PlanInactive, plan.LLMStatus)

	require.NoError(t, s.UpdatePlanLLMStatus(plan.ID, store.PlanMonitoring))

	got, err := s.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanMonitoring, got.LLMStatus)

	err = s.UpdatePlanLLMStatus("nonexistent", store.PlanInactive)
	assert.True(t, errors.IsNotFound(err))
}

func TestSupervisorInstanceID(t *testing.T) {
	assert.Equal(t, "supervisor-p1", store.SupervisorInstanceID("p1"))
}
