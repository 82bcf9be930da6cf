// Package dataflow implements the dataflow orchestrator of spec §4.7,
// restructured from turbo's internal/core.Engine + the runner driver in
// internal/run/run.go: turbo walks a package-task graph with
// dag.AcyclicGraph.Walk and a single runSummary accumulator; here the graph
// is only used for cycle validation (see graph.go) and the actual walk is
// driven by an explicit, durably observable step state machine
// (stepGetReady/stepPrepareTask/stepIsComplete) so a crashed driver can be
// diagnosed and resumed from persisted ExecutionState rather than losing all
// progress.
package dataflow

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/execcache"
	"github.com/beastrepo/beast/internal/executor"
	"github.com/beastrepo/beast/internal/lock"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/tree"
	"github.com/beastrepo/beast/internal/turbopath"
	"github.com/beastrepo/beast/internal/workspace"
)

const defaultConcurrency = 4

// Opts configures a dataflow execution (spec §4.7 "opts").
type Opts struct {
	Concurrency int
	Force       bool
	Filter      []string

	// Runner is the external executor every cache-missed task dispatches to
	// (spec §4.9). Required.
	Runner executor.TaskRunner

	// Lock, if non-nil, is an already-held workspace lock to adopt instead
	// of acquiring a new one.
	Lock *lock.Handle

	OnTaskStart    func(task string)
	OnTaskComplete func(task string, result executor.Result)
	OnStdout       executor.StreamFunc
	OnStderr       executor.StreamFunc
}

// FinalizeResult is what Wait returns on normal completion (spec §4.7
// "wait(handle) -> FinalizeResult").
type FinalizeResult struct {
	Status   ExecStatus
	Counters Counters
}

// Handle is a running (or finished) dataflow execution.
type Handle struct {
	ID        string
	Workspace string

	cancel context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	res  FinalizeResult
	err  error
}

// Wait blocks until the execution reaches a terminal state, then returns its
// FinalizeResult, or a *beast.Error (DataflowAborted on cancellation) if the
// execution did not finish cleanly.
func (h *Handle) Wait() (FinalizeResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.err
}

// Cancel requests cooperative abort: the driver stops dispatching new tasks,
// persists `cancelled` immediately, forwards cancellation to in-flight
// executors, then drains them before Wait unblocks (spec §4.7
// "Cancellation").
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) finish(res FinalizeResult, err error) {
	h.mu.Lock()
	h.res, h.err = res, err
	h.mu.Unlock()
	close(h.done)
}

// Orchestrator runs dataflow executions over a workspace (spec §4.7).
type Orchestrator struct {
	Workspaces *workspace.Store
	Packages   *pkgstore.Store
	Tree       *tree.Layer
	Cache      *execcache.Cache
	States     StateStore

	// LockPath resolves a workspace name to its lock file path, e.g.
	// refstore.Store.WorkspaceLockPath.
	LockPath func(workspace string) turbopath.AbsolutePath
	Logger   hclog.Logger
}

// taskResult is what a dispatched task's goroutine reports back to the
// driver loop over resultCh.
type taskResult struct {
	task        string
	executionID string
	result      executor.Result
}

// controller holds everything one running execution's driver loop needs.
// All of its fields except the constants below are only ever touched while
// holding mu — the Go equivalent of spec §4.7's single-process AsyncMutex
// serializing workspace-state and state-store writes.
type controller struct {
	o         *Orchestrator
	workspace string
	pkg       pkgstore.Package
	graph     *Graph
	opts      Opts
	lockHand  *lock.Handle
	handle    *Handle

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	rootHash beast.Hash // current workspace tree root; not part of State, which tracks task progress only
	ready    []string
	running  int
	aborted  bool
	resultCh chan taskResult
}

// Start builds the task graph, allocates an execution id, persists the
// initial `running` execution state, and launches the driver loop in the
// background (spec §4.7 "Startup").
func (o *Orchestrator) Start(workspaceName string, opts Opts) (*Handle, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Runner == nil {
		return nil, beast.NewError(beast.ErrInternal, "dataflow: start requires a TaskRunner")
	}

	lockHand := opts.Lock
	if lockHand == nil {
		h, err := lock.Acquire(o.LockPath(workspaceName), lock.Options{Command: "dataflow", Kind: lock.KindDataflow})
		if err != nil {
			return nil, err
		}
		lockHand = h
	}
	release := func() {
		if opts.Lock == nil {
			_ = lockHand.Release()
		}
	}

	if err := o.recoverIncomplete(workspaceName); err != nil {
		release()
		return nil, err
	}

	wsState, err := o.Workspaces.GetState(workspaceName)
	if err != nil {
		release()
		return nil, err
	}
	if !wsState.Deployed() {
		release()
		return nil, beast.NewError(beast.ErrWorkspaceNotDeployed, "workspace %q has no deployed package", workspaceName)
	}
	pkg, err := o.Packages.ReadPackage(wsState.PackageHash)
	if err != nil {
		release()
		return nil, err
	}
	graph, err := BuildGraph(pkg, o.Packages, opts.Filter)
	if err != nil {
		release()
		return nil, err
	}

	execID, err := o.States.NextExecutionID(workspaceName)
	if err != nil {
		release()
		return nil, err
	}

	producedPaths := make(map[string]bool, len(graph.TaskOrder))
	for _, name := range graph.TaskOrder {
		producedPaths[graph.Tasks[name].Output.Key()] = true
	}

	tasks := make(map[string]TaskState, len(graph.TaskOrder))
	var edges []GraphEdge
	var readyNow []string
	blocked := make(map[string]string) // task -> reason, for tasks that can never become ready
	for _, name := range graph.TaskOrder {
		tasks[name] = TaskState{Status: TaskWaiting}
		for _, dep := range graph.Dependencies[name] {
			edges = append(edges, GraphEdge{Task: name, DependsOn: dep})
		}
		if len(graph.Dependencies[name]) > 0 {
			continue
		}
		ok, err := externalInputsResolved(o.Tree, wsState.RootHash, pkg.Structure, graph.Tasks[name], producedPaths)
		if err != nil {
			release()
			return nil, err
		}
		if ok {
			readyNow = append(readyNow, name)
			ts := tasks[name]
			ts.Status = TaskReady
			tasks[name] = ts
		} else {
			blocked[name] = "input dataset is unset and no task produces it"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &controller{
		o:         o,
		workspace: workspaceName,
		pkg:       pkg,
		graph:     graph,
		opts:      opts,
		lockHand:  lockHand,
		ctx:       ctx,
		cancel:    cancel,
		state: State{
			ID:          execID,
			Workspace:   workspaceName,
			Status:      ExecRunning,
			StartedAt:   time.Now(),
			Concurrency: opts.Concurrency,
			Force:       opts.Force,
			Filter:      opts.Filter,
			Graph:       edges,
			TaskOrder:   graph.TaskOrder,
			Tasks:       tasks,
		},
		rootHash: wsState.RootHash,
		ready:    readyNow,
		resultCh: make(chan taskResult, len(graph.TaskOrder)),
	}
	c.handle = &Handle{ID: execID, Workspace: workspaceName, cancel: cancel, done: make(chan struct{})}

	if err := o.States.Create(c.state); err != nil {
		release()
		cancel()
		return nil, err
	}

	for name, reason := range blocked {
		c.applyFailure(name, reason, EventInputUnavailable)
	}

	go c.run(release)
	return c.handle, nil
}

// recoverIncomplete implements spec §4.7's crash recovery: a prior
// execution left `running` in the state store because its process died
// without reaching finalize. Re-adoption would only be sound if this were
// the very same process resuming its own in-memory controller, which
// Start never is by construction (the controller that owned that execution
// is gone along with its goroutines and resultCh); the orchestrator's
// workspace lock was, by the time Start reaches this point, already free
// for reacquisition, so the owning process cannot still be alive per the
// lock service's own staleness detection (spec §4.3). The only sound choice
// left by spec §8 scenario 5 is fail-fast: mark the stale record `failed`
// with a clear message before this call allocates its own execution, so a
// caller inspecting the old handle's state sees why it never finished.
func (o *Orchestrator) recoverIncomplete(workspaceName string) error {
	stale, found, err := o.States.GetIncompleteExecution(workspaceName)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	stale.Status = ExecFailed
	stale.CompletedAt = time.Now()
	stale.NextSeq++
	stale.Events = append(stale.Events, Event{
		Seq:       stale.NextSeq,
		Kind:      EventFinalize,
		Timestamp: time.Now(),
		Message:   "marked failed: orchestrator restarted while this execution was still running",
	})
	if err := o.States.Update(stale); err != nil {
		return err
	}
	o.Logger.Warn("dataflow: recovered incomplete execution left running by a crashed process",
		"workspace", workspaceName, "execution", stale.ID)
	return nil
}

// externalInputsResolved reports whether every input of task that is not
// itself another task's output is already set in the tree (spec §4.7
// "Startup": "Tasks whose inputs are all value-resolved ... are ready").
// Inputs produced by another task are excluded here; their readiness is
// tracked via the graph's dependency edges instead.
func externalInputsResolved(tr *tree.Layer, rootHash beast.Hash, structure *tree.Structure, task pkgstore.Task, producedPaths map[string]bool) (bool, error) {
	for _, in := range task.Inputs {
		if producedPaths[in.Key()] {
			continue
		}
		ref, err := tr.ResolvePath(rootHash, in, structure)
		if err != nil {
			return false, err
		}
		if ref.Kind == tree.RefUnassigned {
			return false, nil
		}
	}
	return true, nil
}

// run is the driver loop (spec §4.7 "Main loop"), one call to stepGetReady
// followed by launch-until-saturated followed by a wait-for-one-to-settle,
// repeated until stepIsComplete or abort-and-drained.
func (c *controller) run(release func()) {
	defer release()
	defer c.lockHand.Release()

	// doneCh is nilled out after the first cancellation fires so the select
	// below stops re-selecting it: a closed channel is always ready, and
	// re-entering that case on every iteration while tasks drain would spin
	// the loop instead of blocking on resultCh (spec §9, "polling is
	// acceptable at suspension points; busy-waiting is not").
	doneCh := c.ctx.Done()

	for {
		c.mu.Lock()
		if !c.aborted {
			for c.running < c.opts.Concurrency && len(c.ready) > 0 {
				name := c.ready[0]
				c.ready = c.ready[1:]
				c.launch(name)
			}
		}
		complete := c.state.IsComplete()
		running := c.running
		c.mu.Unlock()

		if complete {
			c.finalize(nil)
			return
		}
		if running == 0 {
			// Nothing in flight and nothing ready: every remaining task is
			// permanently blocked (a dependency cycle would already have
			// been rejected by BuildGraph's Validate). Treat as complete
			// with whatever terminal states exist.
			c.finalize(nil)
			return
		}

		select {
		case res := <-c.resultCh:
			c.mu.Lock()
			c.running--
			c.onResult(res)
			c.mu.Unlock()
		case <-doneCh:
			c.onAbortSignal()
			doneCh = nil
		}
	}
}

// launch starts one task: stepPrepareTask resolves input hashes, consults
// the cache, and either resolves the task immediately (cache hit) or
// dispatches it to the external executor (spec §4.7 step 3). Must be called
// with mu held.
func (c *controller) launch(name string) {
	task := c.graph.Tasks[name]
	taskHash := c.graph.TaskHashes[name]

	inputHashes := make([]beast.Hash, len(task.Inputs))
	for i, in := range task.Inputs {
		ref, err := c.o.Tree.ResolvePath(c.rootHash, in, c.pkg.Structure)
		if err != nil {
			c.applyFailureLocked(name, err.Error(), EventError)
			return
		}
		inputHashes[i] = ref.Hash
	}
	inputsHash := beast.SumInputsHash(inputHashes)

	if !c.opts.Force {
		if status, found, err := c.o.Cache.Get(taskHash, beast.InputsHash(inputsHash)); err == nil && found && status.Kind == execcache.StatusSuccess {
			c.completeSuccessLocked(name, task, status.OutputHash, true)
			return
		}
	}

	c.running++
	ts := c.state.Tasks[name]
	ts.Status = TaskInProgress
	ts.StartedAt = time.Now()
	c.state.Tasks[name] = ts
	c.recordLocked(Event{Kind: EventStart, Task: name, Timestamp: time.Now()})
	if c.opts.OnTaskStart != nil {
		c.opts.OnTaskStart(name)
	}

	executionID, err := c.o.States.NextExecutionID(c.workspace)
	if err != nil {
		c.running--
		c.applyFailureLocked(name, err.Error(), EventError)
		return
	}
	pid, bootID := lock.CurrentProcessIdentity()
	_ = c.o.Cache.Put(taskHash, beast.InputsHash(inputsHash), executionID, execcache.Status{Kind: execcache.StatusRunning, PID: pid, BootID: bootID, StartedAt: time.Now()})

	runner := c.opts.Runner
	ctx := c.ctx
	go func() {
		res, err := runner.Execute(ctx, taskHash, inputHashes, executor.ExecOptions{
			OnStdout: c.opts.OnStdout,
			OnStderr: c.opts.OnStderr,
			Force:    c.opts.Force,
		})
		if err != nil {
			res = executor.Result{State: executor.StateError, Err: err}
		}
		c.resultCh <- taskResult{task: name, executionID: executionID, result: res}
	}()
}

// onResult applies one task's outcome (spec §4.7 step 4), guarded by mu.
func (c *controller) onResult(res taskResult) {
	task := c.graph.Tasks[res.task]
	taskHash := c.graph.TaskHashes[res.task]

	inputHashes := make([]beast.Hash, len(task.Inputs))
	for i, in := range task.Inputs {
		ref, err := c.o.Tree.ResolvePath(c.rootHash, in, c.pkg.Structure)
		if err == nil {
			inputHashes[i] = ref.Hash
		}
	}
	inputsHash := beast.SumInputsHash(inputHashes)

	if c.opts.OnTaskComplete != nil {
		c.opts.OnTaskComplete(res.task, res.result)
	}

	switch res.result.State {
	case executor.StateSuccess:
		_ = c.o.Cache.Put(taskHash, beast.InputsHash(inputsHash), res.executionID, execcache.Status{
			Kind: execcache.StatusSuccess, OutputHash: res.result.OutputHash, CompletedAt: time.Now(),
		})
		c.completeSuccessLocked(res.task, task, res.result.OutputHash, false)
	case executor.StateFailed:
		_ = c.o.Cache.Put(taskHash, beast.InputsHash(inputsHash), res.executionID, execcache.Status{
			Kind: execcache.StatusFailed, ExitCode: res.result.ExitCode, CompletedAt: time.Now(),
		})
		c.applyFailureLocked(res.task, "task exited non-zero", EventFailed)
	default: // executor.StateError
		msg := "executor error"
		if res.result.Err != nil {
			msg = res.result.Err.Error()
		}
		_ = c.o.Cache.Put(taskHash, beast.InputsHash(inputsHash), res.executionID, execcache.Status{
			Kind: execcache.StatusError, Message: msg, CompletedAt: time.Now(),
		})
		c.applyFailureLocked(res.task, msg, EventError)
	}
}

// completeSuccessLocked commits the task's output into the workspace tree
// (the single atomic mutation, spec §4.4 step 5 / §4.7 step 4), transitions
// it to completed, and promotes any dependent whose remaining predecessors
// are now all satisfied to ready.
func (c *controller) completeSuccessLocked(name string, task pkgstore.Task, outputHash beast.Hash, cached bool) {
	newRoot, err := c.o.Tree.SetByHash(c.rootHash, task.Output, c.pkg.Structure, tree.ValueRef(outputHash))
	if err != nil {
		c.applyFailureLocked(name, err.Error(), EventError)
		return
	}
	if _, err := c.o.Workspaces.SetRoot(c.workspace, newRoot); err != nil {
		c.applyFailureLocked(name, err.Error(), EventError)
		return
	}
	c.rootHash = newRoot

	ts := c.state.Tasks[name]
	ts.Status = TaskCompleted
	ts.Cached = cached
	ts.OutputHash = outputHash.String()
	ts.CompletedAt = time.Now()
	if !ts.StartedAt.IsZero() {
		ts.Duration = ts.CompletedAt.Sub(ts.StartedAt)
	}
	c.state.Tasks[name] = ts
	if cached {
		c.state.Counters.Cached++
	} else {
		c.state.Counters.Executed++
	}

	kind := EventComplete
	if cached {
		kind = EventCached
	}
	c.recordLocked(Event{Kind: kind, Task: name, Timestamp: time.Now()})
	_ = c.o.States.Update(c.state)

	for _, dep := range c.graph.Dependents[name] {
		if c.readyToRun(dep) {
			c.ready = append(c.ready, dep)
			ts := c.state.Tasks[dep]
			ts.Status = TaskReady
			c.state.Tasks[dep] = ts
		}
	}
}

// readyToRun reports whether every task dependency of name has completed
// successfully.
func (c *controller) readyToRun(name string) bool {
	for _, dep := range c.graph.Dependencies[name] {
		if c.state.Tasks[dep].Status != TaskCompleted {
			return false
		}
	}
	return true
}

// applyFailure is applyFailureLocked's unlocked entry point, used from
// Start for tasks that are blocked before the driver loop begins.
func (c *controller) applyFailure(name, message string, dependentsEvent EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyFailureLocked(name, message, dependentsEvent)
}

// applyFailureLocked transitions name to failed, records why, and cascades
// skipped to every transitive dependent (spec §4.7 step 4 "mark all
// transitive dependents skipped").
func (c *controller) applyFailureLocked(name, message string, kind EventKind) {
	ts := c.state.Tasks[name]
	ts.Status = TaskFailed
	ts.Error = message
	ts.CompletedAt = time.Now()
	c.state.Tasks[name] = ts
	c.state.Counters.Failed++
	c.recordLocked(Event{Kind: kind, Task: name, Timestamp: time.Now(), Message: message})

	c.skipTransitiveDependents(name)
	_ = c.o.States.Update(c.state)
}

// skipTransitiveDependents marks every task reachable from name over the
// Dependents edges as skipped, emitting input_unavailable for each.
func (c *controller) skipTransitiveDependents(name string) {
	queue := append([]string(nil), c.graph.Dependents[name]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] || c.state.Tasks[dep].Status.Terminal() {
			continue
		}
		seen[dep] = true
		ts := c.state.Tasks[dep]
		ts.Status = TaskSkipped
		ts.CompletedAt = time.Now()
		c.state.Tasks[dep] = ts
		c.state.Counters.Skipped++
		c.recordLocked(Event{Kind: EventInputUnavailable, Task: dep, Timestamp: time.Now()})
		queue = append(queue, c.graph.Dependents[dep]...)
	}
}

// recordLocked appends an event to the in-memory state and persists it via
// the state store. Must be called with mu held.
func (c *controller) recordLocked(ev Event) {
	c.state.NextSeq++
	ev.Seq = c.state.NextSeq
	c.state.Events = append(c.state.Events, ev)
	if _, err := c.o.States.RecordEvent(c.workspace, c.state.ID, ev); err != nil {
		c.o.Logger.Error("dataflow: failed to persist event", "task", ev.Task, "kind", ev.Kind, "err", err)
	}
}

// onAbortSignal handles ctx cancellation: persist cancelled immediately
// (spec §4.7 "Cancellation"), suppress further dispatch, and let run's loop
// continue draining running tasks.
func (c *controller) onAbortSignal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	c.ready = nil
	c.state.Status = ExecCancelled
	c.recordLocked(Event{Kind: EventCancel, Timestamp: time.Now()})
	if err := c.o.States.Update(c.state); err != nil {
		c.o.Logger.Error("dataflow: failed to persist cancellation", "err", err)
	}
}

// finalize runs once the driver loop exits: it sets the terminal execution
// status, emits `finalize`, persists the state, and unblocks Wait (spec
// §4.7 "Finalization"). The workspace lock is released by run's deferred
// calls after finalize returns.
func (c *controller) finalize(_ error) {
	c.mu.Lock()
	if c.state.Status == ExecRunning {
		if c.state.Counters.Failed > 0 {
			c.state.Status = ExecFailed
		} else {
			c.state.Status = ExecCompleted
		}
	}
	c.state.CompletedAt = time.Now()
	c.recordLocked(Event{Kind: EventFinalize, Timestamp: time.Now()})
	final := c.state
	_ = c.o.States.Update(final)
	c.mu.Unlock()

	if final.Status == ExecCancelled {
		partial := make(map[string]any, len(final.Tasks))
		for name, ts := range final.Tasks {
			partial[name] = ts
		}
		c.handle.finish(FinalizeResult{Status: final.Status, Counters: final.Counters}, beast.NewDataflowAbortedError(partial))
		return
	}
	c.handle.finish(FinalizeResult{Status: final.Status, Counters: final.Counters}, nil)
}

// GetStatus returns the current execution status for handle (spec §4.7
// "getStatus(handle) -> ExecutionStatus").
func (o *Orchestrator) GetStatus(handle *Handle) (ExecStatus, error) {
	s, found, err := o.States.Read(handle.Workspace, handle.ID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, beast.NewError(beast.ErrExecutionCorrupt, "no execution %s for workspace %q", handle.ID, handle.Workspace)
	}
	return s.Status, nil
}

// GetEvents returns events recorded after sinceSeq (spec §4.7
// "getEvents(handle, sinceSeq) -> [ExecutionEvent]").
func (o *Orchestrator) GetEvents(handle *Handle, sinceSeq int64) ([]Event, error) {
	return o.States.GetEventsSince(handle.Workspace, handle.ID, sinceSeq)
}

// GetIncompleteExecution exposes crash recovery: a successor process can
// load the last execution and decide whether to mark it failed (spec §4.7
// "Crash recovery").
func (o *Orchestrator) GetIncompleteExecution(workspaceName string) (State, bool, error) {
	return o.States.GetIncompleteExecution(workspaceName)
}
