package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandiant/harbinger-sub002/errors"
)

// CreatePlan inserts a new plan in the INACTIVE state
func (s *Store) CreatePlan(objective string) (*Plan, error) {
	now := time.Now()
	plan := &Plan{
		ID:        uuid.NewString(),
		Objective: objective,
		LLMStatus: PlanInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO plans (id, objective, llm_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(query, plan.ID, plan.Objective, plan.LLMStatus, plan.CreatedAt, plan.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to create plan")
	}

	s.recordChange("plan", plan.ID, "insert")
	return plan, nil
}

// GetPlan retrieves a plan by ID
func (s *Store) GetPlan(id string) (*Plan, error) {
	query := `SELECT id, objective, llm_status, created_at, updated_at FROM plans WHERE id = ?`

	var plan Plan
	err := s.db.QueryRow(query, id).Scan(&plan.ID, &plan.Objective, &plan.LLMStatus, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "plan %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get plan")
	}
	return &plan, nil
}

// UpdatePlanLLMStatus sets a plan's llm-status
func (s *Store) UpdatePlanLLMStatus(id string, status PlanLLMStatus) error {
	query := `UPDATE plans SET llm_status = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, status, time.Now(), id)
	if err != nil {
		err = errors.Wrap(err, "failed to update plan llm status")
		err = errors.WithDetail(err, fmt.Sprintf("Plan ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "plan %s", id)
	}

	s.recordChange("plan", id, "update")
	return nil
}
