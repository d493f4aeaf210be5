// Package errors provides error handling for Harbinger.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrInstanceNotFound) {
//	    // treat "not running" as ordinary control flow
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors used across the orchestration core.
// Use these with errors.Is() for type-safe error checking and wrap them with
// errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInstanceNotFound indicates a signal was addressed to a workflow
	// instance that is not currently running. Callers branch on this as
	// ordinary control flow ("nothing to stop"), never as a fault.
	ErrInstanceNotFound = New("workflow instance not found")

	// ErrAlreadyRunning indicates a start request for an instance id that
	// already has a live execution. Submission paths treat this as success:
	// the existing instance is authoritative.
	ErrAlreadyRunning = New("workflow instance already running")

	// ErrAdmission indicates a job was not in the created state when a start
	// was requested. The job is left unchanged.
	ErrAdmission = New("job not admissible for start")

	// ErrUnauthorized indicates the request lacks a valid session token
	ErrUnauthorized = New("unauthorized")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInstanceNotFound checks if an error is or wraps ErrInstanceNotFound.
func IsInstanceNotFound(err error) bool {
	return err != nil && Is(err, ErrInstanceNotFound)
}

// IsAlreadyRunning checks if an error is or wraps ErrAlreadyRunning.
func IsAlreadyRunning(err error) bool {
	return err != nil && Is(err, ErrAlreadyRunning)
}
