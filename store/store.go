package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mandiant/harbinger-sub002/errors"
)

// Store handles persistence of job and plan records
type Store struct {
	db *sql.DB
}

// NewStore creates a new record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobSelectColumns = `id, kind, target_os, backend_id, command, arguments,
	status, exit_code, output, output_files, error,
	created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	filesJSON, err := marshalFiles(job.OutputFiles)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, kind, target_os, backend_id, command, arguments,
			status, exit_code, output, output_files, error,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	arguments := sql.NullString{String: string(job.Arguments), Valid: len(job.Arguments) > 0}

	_, err = s.db.Exec(query,
		job.ID,
		job.Kind,
		job.TargetOS,
		job.BackendID,
		job.Command,
		arguments,
		job.Status,
		nullInt(job.ExitCode),
		job.Output,
		filesJSON,
		job.Error,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Kind: %s", job.Kind))
		return err
	}

	s.recordChange("job", job.ID, "insert")
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// UpdateStatus moves a job to a new status, enforcing that status only moves
// forward along created -> starting -> running -> {success, failed}.
// A nil exitCode leaves the stored exit code untouched.
func (s *Store) UpdateStatus(id string, status JobStatus, exitCode *int) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	if statusRank[status] <= statusRank[job.Status] && status != job.Status {
		err := errors.Newf("illegal status transition %s -> %s", job.Status, status)
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}
	if job.Status.IsTerminal() {
		err := errors.Newf("job %s already terminal (status: %s)", id, job.Status)
		return err
	}

	now := time.Now()
	var startedAt, completedAt interface{}
	startedAt = job.StartedAt
	completedAt = job.CompletedAt
	if status == JobStatusRunning && job.StartedAt == nil {
		startedAt = now
	}
	if status.IsTerminal() {
		completedAt = now
	}

	ec := nullInt(job.ExitCode)
	if exitCode != nil {
		ec = nullInt(exitCode)
	}

	query := `UPDATE jobs SET status = ?, exit_code = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, status, ec, startedAt, completedAt, now, id); err != nil {
		err = errors.Wrap(err, "failed to update job status")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
		return err
	}

	s.recordChange("job", id, "update")
	return nil
}

// AppendOutput appends an output chunk to the job's accumulated output.
// Chunks are never appended after the job reaches a terminal state.
func (s *Store) AppendOutput(id string, chunk string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return errors.Newf("job %s is terminal, refusing output append", id)
	}

	query := `UPDATE jobs SET output = output || ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, chunk, time.Now(), id); err != nil {
		err = errors.Wrap(err, "failed to append job output")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}

	s.recordChange("job", id, "update")
	return nil
}

// SetJobError records the failure message for a job. Called before the
// terminal status write so the error is visible the moment the status is.
func (s *Store) SetJobError(id string, msg string) error {
	query := `UPDATE jobs SET error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, msg, time.Now(), id)
	if err != nil {
		err = errors.Wrap(err, "failed to set job error")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	s.recordChange("job", id, "update")
	return nil
}

// RegisterOutputFiles records the ordered list of files a job produced
func (s *Store) RegisterOutputFiles(id string, files []string) error {
	filesJSON, err := marshalFiles(files)
	if err != nil {
		return err
	}

	query := `UPDATE jobs SET output_files = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, filesJSON, time.Now(), id); err != nil {
		err = errors.Wrap(err, "failed to register output files")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Files: %d", len(files)))
		return err
	}

	s.recordChange("job", id, "update")
	return nil
}

// ListJobs returns jobs, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + jobSelectColumns + ` FROM jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// ListJobsByBackend returns all jobs targeting a backend instance
func (s *Store) ListJobsByBackend(backendID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE backend_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(query, backendID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by backend")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating backend jobs")
	}
	return jobs, nil
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var arguments, filesJSON, errMsg sql.NullString
	var exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.TargetOS,
		&job.BackendID,
		&job.Command,
		&arguments,
		&job.Status,
		&exitCode,
		&job.Output,
		&filesJSON,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if arguments.Valid {
		job.Arguments = json.RawMessage(arguments.String)
	}
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		job.ExitCode = &ec
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	job.Error = errMsg.String
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &job.OutputFiles); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal output files")
		}
	}

	return &job, nil
}

func marshalFiles(files []string) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal output files")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// recordChange appends a row to entity_changes for the gateway's global
// change topic. Failures are swallowed: change notification is best-effort
// and must never fail the mutation that produced it.
func (s *Store) recordChange(entity, entityID, op string) {
	_, _ = s.db.Exec(
		`INSERT INTO entity_changes (entity, entity_id, op, created_at) VALUES (?, ?, ?, ?)`,
		entity, entityID, op, time.Now(),
	)
}
