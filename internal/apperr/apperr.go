// Package apperr defines the shared error taxonomy used across the
// orchestrator's layers (store, git service, executor, orchestrator) so
// callers can pattern-match on a Code regardless of which package raised it.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an AppError for cross-layer handling.
type Code string

const (
	NotFound         Code = "not_found"
	Conflict         Code = "conflict"
	ValidationError  Code = "validation_error"
	Auth             Code = "auth"
	Transport        Code = "transport"
	RebaseInProgress Code = "rebase_in_progress"
	MergeConflicts   Code = "merge_conflicts"
	PushRejected     Code = "push_rejected"
	CliNotInstalled  Code = "cli_not_installed"
	CliNotLoggedIn   Code = "cli_not_logged_in"
	ProtocolError    Code = "protocol_error"
	Cancelled        Code = "cancelled"
	Fatal            Code = "fatal"
)

// AppError wraps an underlying error with an operation name, the entity it
// concerns, and a Code for cross-cutting matching.
type AppError struct {
	Code   Code
	Op     string
	Entity string
	Err    error

	// Files is populated for MergeConflicts: the conflicted paths.
	Files []string
}

func (e *AppError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// New constructs an AppError.
func New(code Code, op, entity string, err error) *AppError {
	return &AppError{Code: code, Op: op, Entity: entity, Err: err}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// MergeConflict builds a MergeConflicts AppError carrying the offending paths.
func MergeConflict(op, entity string, files []string) *AppError {
	return &AppError{
		Code:   MergeConflicts,
		Op:     op,
		Entity: entity,
		Err:    fmt.Errorf("merge conflicts in %d file(s)", len(files)),
		Files:  files,
	}
}
