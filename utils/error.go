package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

type ErrorKind string

const (
	KindValidation              ErrorKind = "validation_error"
	KindAlreadyInProgress       ErrorKind = "already_in_progress"
	KindReauthorizationRequired ErrorKind = "reauthorization_required"
	KindTransient               ErrorKind = "transient_error"
	KindReconciliationConflict  ErrorKind = "reconciliation_conflict"
	KindNotFound                ErrorKind = "not_found"
)

// SyncError carries one of the sync error kinds through the mapper, stores,
// gateway and orchestrator. Compare with errors.Is against the Err* sentinels.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

var (
	ErrValidation              = &SyncError{Kind: KindValidation}
	ErrAlreadyInProgress       = &SyncError{Kind: KindAlreadyInProgress}
	ErrReauthorizationRequired = &SyncError{Kind: KindReauthorizationRequired}
	ErrTransient               = &SyncError{Kind: KindTransient}
	ErrReconciliationConflict  = &SyncError{Kind: KindReconciliationConflict}
	ErrNotFound                = &SyncError{Kind: KindNotFound}
)

func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a SyncError from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *SyncError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches any SyncError of the same kind, so sentinels work with errors.Is.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first SyncError in err's chain, or "" when none.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Message returns the innermost message without op/kind prefixes, for storing
// on references where the UI shows it verbatim.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
