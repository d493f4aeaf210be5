package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mandiant/harbinger-sub002/errors"
)

// instanceStore persists workflow instances.
// Uniqueness of live executions rests on the primary key plus a guarded
// UPDATE for restarting terminal ids - a compare-and-swap keyed by instance
// id, never an advisory lock.
type instanceStore struct {
	db *sql.DB
}

func newInstanceStore(db *sql.DB) *instanceStore {
	return &instanceStore{db: db}
}

const instanceColumns = `id, workflow, task_queue, state, input, error, created_at, updated_at`

// Create inserts a new pending instance. If the id already exists:
//   - live (pending/running): returns errors.ErrAlreadyRunning
//   - terminal: resets the row to pending with the new request (ids like
//     "supervisor-{plan}" are deliberately restartable after a clean stop)
func (s *instanceStore) Create(req StartRequest) error {
	now := time.Now()
	input := sql.NullString{String: string(req.Input), Valid: len(req.Input) > 0}

	_, err := s.db.Exec(
		`INSERT INTO workflow_instances (id, workflow, task_queue, state, input, error, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, '', ?, ?)`,
		req.InstanceID, req.Workflow, req.TaskQueue, input, now, now,
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		err = errors.Wrap(err, "failed to create workflow instance")
		err = errors.WithDetail(err, fmt.Sprintf("Instance ID: %s", req.InstanceID))
		return err
	}

	// Row exists. Reset it to pending only if it is terminal; a live row
	// means a live execution and the existing instance is authoritative.
	result, err := s.db.Exec(
		`UPDATE workflow_instances
		 SET workflow = ?, task_queue = ?, state = 'pending', input = ?, error = '', updated_at = ?
		 WHERE id = ? AND state IN ('completed', 'failed')`,
		req.Workflow, req.TaskQueue, input, now, req.InstanceID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to reset terminal workflow instance")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrAlreadyRunning, "instance %s", req.InstanceID)
	}
	return nil
}

// Get retrieves an instance by id
func (s *instanceStore) Get(id string) (*Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "instance %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get workflow instance")
	}
	return inst, nil
}

// ClaimNext atomically claims the oldest pending instance on a queue,
// moving it to running. Returns nil when nothing is pending or another
// worker won the claim.
func (s *instanceStore) ClaimNext(queue string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE task_queue = ? AND state = 'pending'
		 ORDER BY created_at ASC LIMIT 1`,
		queue,
	)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Nothing pending
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select pending instance")
	}

	result, err := s.db.Exec(
		`UPDATE workflow_instances SET state = 'running', updated_at = ? WHERE id = ? AND state = 'pending'`,
		time.Now(), inst.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim instance")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return nil, nil // Lost the claim race
	}

	inst.State = StateRunning
	return inst, nil
}

// MarkTerminal records the final state of an instance
func (s *instanceStore) MarkTerminal(id string, state InstanceState, runErr error) error {
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	_, err := s.db.Exec(
		`UPDATE workflow_instances SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, errMsg, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to mark instance terminal")
		err = errors.WithDetail(err, fmt.Sprintf("Instance ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("State: %s", state))
		return err
	}
	return nil
}

// RecoverOrphans re-queues instances stuck in running on a queue.
// Called on pool start to handle ungraceful shutdowns (crash, kill -9).
func (s *instanceStore) RecoverOrphans(queue string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE workflow_instances SET state = 'pending', updated_at = ? WHERE task_queue = ? AND state = 'running'`,
		time.Now(), queue,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned instances")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func scanInstance(row interface{ Scan(...interface{}) error }) (*Instance, error) {
	var inst Instance
	var input sql.NullString

	err := row.Scan(&inst.ID, &inst.Workflow, &inst.TaskQueue, &inst.State, &input, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if input.Valid {
		inst.Input = []byte(input.String)
	}
	return &inst, nil
}

// isUniqueViolation detects a primary-key conflict from the sqlite driver
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
