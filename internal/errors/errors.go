package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of sync engine failure.
type ErrorCode string

const (
	ErrTreeUnavailable        ErrorCode = "TREE_UNAVAILABLE"
	ErrHashCollisionSuspected ErrorCode = "HASH_COLLISION_SUSPECTED"
	ErrConflictUnresolved     ErrorCode = "CONFLICT_UNRESOLVED"
	ErrRollbackAborted        ErrorCode = "ROLLBACK_ABORTED"
	ErrPartialApplyFailure    ErrorCode = "PARTIAL_APPLY_FAILURE"
	ErrInvalidRequest         ErrorCode = "INVALID_REQUEST"
	ErrNotFound               ErrorCode = "NOT_FOUND"
	ErrInternal               ErrorCode = "INTERNAL"
)

// SyncError is a structured error carrying a code and optional details.
// Err, when set, is the underlying cause and is reachable through errors.Unwrap.
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the failed operation left state untouched,
// so the caller can retry it as-is.
func (e *SyncError) Retryable() bool {
	switch e.Code {
	case ErrPartialApplyFailure, ErrInternal:
		return false
	default:
		return true
	}
}

// NewTreeUnavailable reports that an artifact tree could not be read at some tier.
func NewTreeUnavailable(tier, ref string, err error) *SyncError {
	return &SyncError{
		Code:    ErrTreeUnavailable,
		Message: fmt.Sprintf("%s tree unavailable for %s", tier, ref),
		Details: map[string]any{"tier": tier, "ref": ref},
		Err:     err,
	}
}

// NewHashCollisionSuspected reports two fingerprints with equal content hashes
// whose file counts, sizes or layouts disagree.
func NewHashCollisionSuspected(candidate, existing string) *SyncError {
	return &SyncError{
		Code:    ErrHashCollisionSuspected,
		Message: fmt.Sprintf("content hash of %s matches %s but file sets differ", candidate, existing),
		Details: map[string]any{"candidate": candidate, "existing": existing},
	}
}

// NewConflictUnresolved reports conflicts that have no resolution in the batch.
func NewConflictUnresolved(paths []string) *SyncError {
	return &SyncError{
		Code:    ErrConflictUnresolved,
		Message: fmt.Sprintf("%d conflict(s) without a resolution: %v", len(paths), paths),
		Details: map[string]any{"paths": paths},
	}
}

// NewRollbackAborted reports a rollback refused because of unresolved local edits.
// The analysis is attached under the "analysis" detail key.
func NewRollbackAborted(snapshotID string, conflicts int, analysis any) *SyncError {
	return &SyncError{
		Code:    ErrRollbackAborted,
		Message: fmt.Sprintf("rollback to %s would overwrite %d locally modified file(s)", snapshotID, conflicts),
		Details: map[string]any{"snapshot_id": snapshotID, "conflicts": conflicts, "analysis": analysis},
	}
}

// NewPartialApplyFailure reports a batch where some items failed and others were applied.
func NewPartialApplyFailure(failed, applied int) *SyncError {
	return &SyncError{
		Code:    ErrPartialApplyFailure,
		Message: fmt.Sprintf("%d item(s) failed, %d applied", failed, applied),
		Details: map[string]any{"failed": failed, "applied": applied},
	}
}

// NewInvalidRequest creates an error for malformed input.
func NewInvalidRequest(msg string) *SyncError {
	return &SyncError{Code: ErrInvalidRequest, Message: msg}
}

// NewNotFound creates an error for a missing snapshot, artifact or record.
func NewNotFound(kind, identifier string) *SyncError {
	return &SyncError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(err error) *SyncError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{Code: ErrInternal, Message: msg, Err: err}
}

// Is checks whether err, or anything it wraps, is a SyncError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// As returns the first SyncError in err's chain.
func As(err error) (*SyncError, bool) {
	var sErr *SyncError
	ok := stderrors.As(err, &sErr)
	return sErr, ok
}
