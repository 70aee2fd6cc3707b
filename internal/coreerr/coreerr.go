// Package coreerr defines the typed error kinds shared by every core
// component, per the error taxonomy of the control plane's design.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it (retry,
// surface, swallow) without string-matching messages.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindContract    Kind = "contract"
	KindNotFound    Kind = "not_found"
	KindConcurrency Kind = "concurrency"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
	KindFatal       Kind = "fatal"
)

// Sentinel errors wrapped by CoreError. Callers use errors.Is against these.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidStatus       = errors.New("invalid status value")
	ErrSameState           = errors.New("same-state transition requires force")
	ErrCircularDependency  = errors.New("circular dependency")
	ErrAssignmentConflict  = errors.New("task already assigned")
	ErrTerminalFrozen      = errors.New("terminal task is frozen")
	ErrCooldownActive      = errors.New("restart cooldown active")
	ErrMaxRestartsExceeded = errors.New("max restart attempts exceeded")
	ErrSyncNotReady        = errors.New("sync point not ready")
	ErrMergeSourceIncomplete = errors.New("merge source not completed")
	ErrChecksumMismatch    = errors.New("checksum validation failed")
	ErrClosed              = errors.New("closed")
)

// CoreError wraps a sentinel with its Kind and any contextual message.
type CoreError struct {
	Kind Kind
	Err  error
	Msg  string
}

func (e *CoreError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

func New(kind Kind, err error, msg string) *CoreError {
	return &CoreError{Kind: kind, Err: err, Msg: msg}
}

func NotFound(what string) *CoreError {
	return New(KindNotFound, ErrNotFound, what)
}

func Validation(msg string) *CoreError {
	return New(KindValidation, errors.New(msg), "")
}

func Contract(err error, msg string) *CoreError {
	return New(KindContract, err, msg)
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	return false
}
