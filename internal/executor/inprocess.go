package executor

import (
	"context"
	"time"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/pkgstore"
)

// Evaluator is the opaque IR interpretation primitive spec §4.9 describes:
// "invokes an opaque evaluate(ir, inputs) primitive". The typed IR, its
// serializer, and its interpreter are explicitly out of scope (spec §1);
// this interface is the seam a real interpreter plugs into.
type Evaluator interface {
	Evaluate(ctx context.Context, commandIR []byte, inputs [][]byte) ([]byte, error)
}

// Blobs is the storage surface the in-process runner needs.
type Blobs interface {
	Read(h beast.Hash) ([]byte, error)
	Write(b []byte) (beast.Hash, error)
}

// InProcessRunner is the default TaskRunner of spec §4.9: given a task
// blob, it resolves commandIR, reads each input blob, invokes Evaluate,
// serializes the returned value, writes it via the object store, and
// returns its hash.
type InProcessRunner struct {
	blobs Blobs
	tasks *pkgstore.Store
	eval  Evaluator
}

// NewInProcessRunner constructs an InProcessRunner.
func NewInProcessRunner(blobs Blobs, tasks *pkgstore.Store, eval Evaluator) *InProcessRunner {
	return &InProcessRunner{blobs: blobs, tasks: tasks, eval: eval}
}

// Execute implements TaskRunner.
func (r *InProcessRunner) Execute(ctx context.Context, taskHash beast.TaskHash, inputHashes []beast.Hash, opts ExecOptions) (Result, error) {
	start := time.Now()

	task, err := r.tasks.ReadTask(taskHash)
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}
	commandIR, err := r.blobs.Read(task.CommandIR)
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}

	inputs := make([][]byte, len(inputHashes))
	for i, h := range inputHashes {
		data, err := r.blobs.Read(h)
		if err != nil {
			return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
		}
		inputs[i] = data
	}

	select {
	case <-ctx.Done():
		return Result{State: StateError, Err: ctx.Err(), Duration: time.Since(start)}, nil
	default:
	}

	output, err := r.eval.Evaluate(ctx, commandIR, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return Result{State: StateError, Err: ctx.Err(), Duration: time.Since(start)}, nil
		}
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}

	outHash, err := r.blobs.Write(output)
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}
	return Result{State: StateSuccess, OutputHash: outHash, Duration: time.Since(start)}, nil
}
