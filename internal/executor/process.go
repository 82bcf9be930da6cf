package executor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
)

// killGracePeriod is how long a cooperatively-cancelled subprocess is given
// to exit after receiving killSignal before it is force-killed, matching the
// grace window turbo's process.Manager gives children on Close (spec §5
// "Cancellation ... forward the signal to in-flight executors, wait for
// in-flight to settle").
const killGracePeriod = 10 * time.Second

// CommandBuilder turns a task attempt into a ready-to-run, unstarted
// command. It is the seam between the executor contract and whatever
// produces real subprocess invocations for a task's commandIR (out of
// scope: spec §1 treats the IR and its interpreter as external).
type CommandBuilder func(ctx context.Context, taskHash beast.TaskHash, inputHashes []beast.Hash) (*exec.Cmd, error)

// OutputWriter persists a completed subprocess's stdout into the object
// store and returns its hash, used by ProcessRunner to report a success
// Result.
type OutputWriter interface {
	Write(b []byte) (beast.Hash, error)
}

// ProcessRunner is a TaskRunner that dispatches each task to a subprocess,
// adapted from turbo's internal/process.Manager/Child: it tracks the
// in-flight child, streams its stdout/stderr to caller callbacks, and
// honors cancellation by signaling the child process before force-killing
// it once killGracePeriod elapses.
type ProcessRunner struct {
	build  CommandBuilder
	blobs  OutputWriter
	logger hclog.Logger

	killSignal os.Signal

	mu       sync.Mutex
	children map[*exec.Cmd]struct{}
}

// NewProcessRunner constructs a ProcessRunner. killSignal defaults to
// os.Interrupt if nil, matching turbo's process.Manager default.
func NewProcessRunner(build CommandBuilder, blobs OutputWriter, logger hclog.Logger, killSignal os.Signal) *ProcessRunner {
	if killSignal == nil {
		killSignal = os.Interrupt
	}
	return &ProcessRunner{
		build:      build,
		blobs:      blobs,
		logger:     logger.Named("executor.process"),
		killSignal: killSignal,
		children:   make(map[*exec.Cmd]struct{}),
	}
}

// Execute implements TaskRunner.
func (p *ProcessRunner) Execute(ctx context.Context, taskHash beast.TaskHash, inputHashes []beast.Hash, opts ExecOptions) (Result, error) {
	start := time.Now()
	cmd, err := p.build(ctx, taskHash, inputHashes)
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{State: StateError, Err: err, Duration: time.Since(start)}, nil
	}

	var stdout stdoutBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamTo(&wg, stdoutPipe, opts.OnStdout, &stdout)
	go streamTo(&wg, stderrPipe, opts.OnStderr, nil)

	if err := cmd.Start(); err != nil {
		return Result{State: StateError, Err: errors.Wrap(err, "executor: starting subprocess"), Duration: time.Since(start)}, nil
	}

	p.mu.Lock()
	p.children[cmd] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.children, cmd)
		p.mu.Unlock()
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
		wg.Wait()
	case <-ctx.Done():
		p.stop(cmd)
		select {
		case waitErr = <-waitCh:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			waitErr = <-waitCh
		}
		wg.Wait()
		return Result{State: StateError, Err: ctx.Err(), Duration: time.Since(start)}, nil
	}

	duration := time.Since(start)
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return Result{State: StateFailed, ExitCode: exitErr.ExitCode(), Duration: duration}, nil
		}
		return Result{State: StateError, Err: waitErr, Duration: duration}, nil
	}

	outHash, err := p.blobs.Write(stdout.Bytes())
	if err != nil {
		return Result{State: StateError, Err: err, Duration: duration}, nil
	}
	return Result{State: StateSuccess, OutputHash: outHash, Duration: duration}, nil
}

// stop sends the configured kill signal to cmd's process, logging but not
// failing if the process has already exited.
func (p *ProcessRunner) stop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(p.killSignal); err != nil {
		p.logger.Debug("signal delivery failed, process may have already exited", "err", err)
	}
}

// Close sends the kill signal to every tracked in-flight child and returns
// without waiting for them to exit.
func (p *ProcessRunner) Close() {
	p.mu.Lock()
	children := make([]*exec.Cmd, 0, len(p.children))
	for c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()
	for _, c := range children {
		p.stop(c)
	}
}

type stdoutBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *stdoutBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
}

func (b *stdoutBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

func streamTo(wg *sync.WaitGroup, r io.Reader, cb StreamFunc, capture *stdoutBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append(append([]byte(nil), scanner.Bytes()...), '\n')
		if cb != nil {
			cb(line)
		}
		if capture != nil {
			capture.write(line)
		}
	}
}
