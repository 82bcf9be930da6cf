// Package executor implements the external executor contract of spec §4.9:
// the orchestrator never interprets IR, it delegates to a pluggable
// TaskRunner. This package provides the contract itself plus a default
// in-process runner.
package executor

import (
	"context"
	"time"

	"github.com/beastrepo/beast/internal/beast"
)

// ResultState discriminates a TaskRunner's outcome (spec §4.9/§7): success,
// failed (the executor ran and reported a non-zero/failing outcome — part
// of normal workflow), or error (the runner itself could not complete the
// attempt).
type ResultState int

const (
	StateSuccess ResultState = iota
	StateFailed
	StateError
)

// Result is what a TaskRunner reports back to the orchestrator for one
// execution attempt.
type Result struct {
	State      ResultState
	OutputHash beast.Hash // valid iff State == StateSuccess
	ExitCode   int        // valid iff State == StateFailed
	Err        error      // valid iff State == StateError
	Duration   time.Duration
}

// StreamFunc receives a chunk of a running task's stdout or stderr.
type StreamFunc func(chunk []byte)

// ExecOptions configure a single TaskRunner.Execute call.
type ExecOptions struct {
	OnStdout StreamFunc
	OnStderr StreamFunc
	Force    bool
}

// TaskRunner is the pluggable contract the orchestrator dispatches to
// (spec §4.9). Implementations must honor ctx cancellation by stopping
// promptly.
type TaskRunner interface {
	Execute(ctx context.Context, taskHash beast.TaskHash, inputHashes []beast.Hash, opts ExecOptions) (Result, error)
}
