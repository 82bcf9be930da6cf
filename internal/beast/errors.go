package beast

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the closed set of error variants surfaced at the repository
// engine's boundary (spec §6/§7). Implementations must reject unknown kinds
// rather than guess at behavior for one they don't recognize.
type ErrorKind int

const (
	// ErrUnknown is never constructed directly; its presence makes the zero
	// value of ErrorKind an invalid, detectable sentinel.
	ErrUnknown ErrorKind = iota
	ErrRepositoryNotFound
	ErrWorkspaceNotFound
	ErrWorkspaceNotDeployed
	ErrWorkspaceExists
	ErrWorkspaceLocked
	ErrPackageNotFound
	ErrPackageExists
	ErrPackageInvalid
	ErrDatasetNotFound
	ErrTaskNotFound
	ErrObjectNotFound
	ErrExecutionCorrupt
	ErrDataflowError
	ErrDataflowAborted
	ErrPermissionDenied
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRepositoryNotFound:
		return "RepositoryNotFound"
	case ErrWorkspaceNotFound:
		return "WorkspaceNotFound"
	case ErrWorkspaceNotDeployed:
		return "WorkspaceNotDeployed"
	case ErrWorkspaceExists:
		return "WorkspaceExists"
	case ErrWorkspaceLocked:
		return "WorkspaceLocked"
	case ErrPackageNotFound:
		return "PackageNotFound"
	case ErrPackageExists:
		return "PackageExists"
	case ErrPackageInvalid:
		return "PackageInvalid"
	case ErrDatasetNotFound:
		return "DatasetNotFound"
	case ErrTaskNotFound:
		return "TaskNotFound"
	case ErrObjectNotFound:
		return "ObjectNotFound"
	case ErrExecutionCorrupt:
		return "ExecutionCorrupt"
	case ErrDataflowError:
		return "DataflowError"
	case ErrDataflowAborted:
		return "DataflowAborted"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the engine's boundary error type: a closed Kind plus a message and
// optional wrapped cause and structured fields (e.g. a lock holder, a partial
// result set).
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/As see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs a boundary Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new boundary Error of the given kind.
func Wrap(cause error, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// WithField returns a copy of e with field set, for attaching structured
// context such as a lock holder or partial results.
func (e *Error) WithField(key string, value any) *Error {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Cause: e.Cause, Fields: fields}
}

// Is reports whether err is a boundary Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// WorkspaceLockedError is the structured payload for ErrWorkspaceLocked,
// carrying the identity of whoever is holding the lock.
type WorkspaceLockedError struct {
	Holder string
}

// NewWorkspaceLockedError builds the boundary Error for a locked workspace.
func NewWorkspaceLockedError(holder string) *Error {
	return NewError(ErrWorkspaceLocked, "workspace is locked by %s", holder).WithField("holder", holder)
}

// DataflowAbortedError carries the partial per-task results captured at the
// moment a dataflow execution was cancelled (spec §4.7/§7: "Cancellation
// always surfaces as DataflowAborted with the partial task results captured
// before abort").
type DataflowAbortedError struct {
	PartialResults map[string]any
}

// NewDataflowAbortedError builds the boundary Error for a cancelled run.
func NewDataflowAbortedError(partial map[string]any) *Error {
	return NewError(ErrDataflowAborted, "dataflow execution aborted").WithField("partialResults", partial)
}
