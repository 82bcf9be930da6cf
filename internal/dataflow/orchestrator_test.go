package dataflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/execcache"
	"github.com/beastrepo/beast/internal/executor"
	"github.com/beastrepo/beast/internal/objectstore"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/refstore"
	"github.com/beastrepo/beast/internal/tree"
	"github.com/beastrepo/beast/internal/turbopath"
	"github.com/beastrepo/beast/internal/workspace"
)

// blobs is the minimal read/write-by-hash surface fakeRunner needs; both
// objectstore.Store and memBlobs (graph_test.go) satisfy it.
type blobs interface {
	Write([]byte) (beast.Hash, error)
	Read(beast.Hash) ([]byte, error)
}

// fakeRunner is a deterministic, in-memory TaskRunner: it concatenates the
// task's name with its input bytes and writes the result as the output
// blob, letting tests assert on output content without a real subprocess.
// fail names tasks (by declared name) that should report StateFailed instead,
// modeling an executor reporting a non-zero exit.
type fakeRunner struct {
	blobs blobs
	names map[beast.TaskHash]string
	fail  map[string]bool
	delay time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func (r *fakeRunner) Execute(ctx context.Context, taskHash beast.TaskHash, inputHashes []beast.Hash, opts executor.ExecOptions) (executor.Result, error) {
	name := r.names[taskHash]
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[name]++
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
	if r.fail[name] {
		return executor.Result{State: executor.StateFailed, ExitCode: 1}, nil
	}
	buf := []byte(name)
	for _, h := range inputHashes {
		if h.IsZero() {
			continue
		}
		data, err := r.blobs.Read(h)
		if err == nil {
			buf = append(buf, data...)
		}
	}
	out, err := r.blobs.Write(buf)
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Result{State: executor.StateSuccess, OutputHash: out}, nil
}

// testRig bundles every layer the orchestrator touches, all rooted at a
// fresh temp directory per test.
type testRig struct {
	o    *Orchestrator
	ws   *workspace.Store
	pkgs *pkgstore.Store
	tr   *tree.Layer
	objs blobs
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := turbopath.UnsafeToAbsolutePath(t.TempDir())

	objs, err := objectstore.New(root.Join("objects"), hclog.NewNullLogger())
	require.NoError(t, err)
	refs := refstore.New(root)
	tr := tree.New(objs)
	pkgs := pkgstore.New(objs, refs)
	ws := workspace.New(refs, tr, pkgs)
	cache := execcache.New(refs, func(pid int, bootID string) bool { return true })

	o := &Orchestrator{
		Workspaces: ws,
		Packages:   pkgs,
		Tree:       tr,
		Cache:      cache,
		States:     NewMemoryStore(),
		LockPath:   refs.WorkspaceLockPath,
		Logger:     hclog.NewNullLogger(),
	}
	return &testRig{o: o, ws: ws, pkgs: pkgs, tr: tr, objs: objs}
}

// deployDiamond builds a four-task diamond package (fetch -> {left, right},
// join depends on both) into a fresh workspace "ws" and returns a fakeRunner
// wired to the written task hashes.
func deployDiamond(t *testing.T, rig *testRig) *fakeRunner {
	t.Helper()

	structure := tree.NewBranch(map[string]*tree.Structure{
		"raw":    tree.NewValue("bytes"),
		"left":   tree.NewValue("bytes"),
		"right":  tree.NewValue("bytes"),
		"joined": tree.NewValue("bytes"),
	}, []string{"raw", "left", "right", "joined"})

	fetchHash, err := rig.pkgs.WriteTask(pkgstore.Task{Output: tree.Path{"raw"}})
	require.NoError(t, err)
	leftHash, err := rig.pkgs.WriteTask(pkgstore.Task{Inputs: []tree.Path{{"raw"}}, Output: tree.Path{"left"}})
	require.NoError(t, err)
	rightHash, err := rig.pkgs.WriteTask(pkgstore.Task{Inputs: []tree.Path{{"raw"}}, Output: tree.Path{"right"}})
	require.NoError(t, err)
	joinHash, err := rig.pkgs.WriteTask(pkgstore.Task{Inputs: []tree.Path{{"left"}, {"right"}}, Output: tree.Path{"joined"}})
	require.NoError(t, err)

	rootHash, err := rig.tr.EmptyTree(structure)
	require.NoError(t, err)

	pkg := pkgstore.Package{
		Tasks: map[string]beast.Hash{
			"fetch": beast.Hash(fetchHash),
			"left":  beast.Hash(leftHash),
			"right": beast.Hash(rightHash),
			"join":  beast.Hash(joinHash),
		},
		TaskOrder:    []string{"fetch", "left", "right", "join"},
		Structure:    structure,
		RootTreeHash: rootHash,
	}
	_, err = rig.pkgs.Import("diamond", "1.0.0", pkg)
	require.NoError(t, err)

	require.NoError(t, rig.ws.Create("ws"))
	_, err = rig.ws.Deploy("ws", "diamond", "1.0.0")
	require.NoError(t, err)

	return &fakeRunner{
		blobs: rig.objs,
		names: map[beast.TaskHash]string{
			fetchHash: "fetch",
			leftHash:  "left",
			rightHash: "right",
			joinHash:  "join",
		},
	}
}

func TestOrchestratorDiamondGraphCompletes(t *testing.T) {
	rig := newTestRig(t)
	runner := deployDiamond(t, rig)

	handle, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)

	result, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, result.Status)
	assert.Equal(t, 4, result.Counters.Executed)
	assert.Equal(t, 0, result.Counters.Failed)
	assert.Equal(t, 0, result.Counters.Skipped)

	state, found, err := rig.o.States.Read("ws", handle.ID)
	require.NoError(t, err)
	require.True(t, found)
	for _, name := range []string{"fetch", "left", "right", "join"} {
		assert.Equal(t, TaskCompleted, state.Tasks[name].Status, name)
	}
}

func TestOrchestratorFailurePropagatesToDependents(t *testing.T) {
	rig := newTestRig(t)
	runner := deployDiamond(t, rig)
	runner.fail = map[string]bool{"left": true}

	handle, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)

	result, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, result.Status)

	state, _, err := rig.o.States.Read("ws", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, state.Tasks["fetch"].Status)
	assert.Equal(t, TaskFailed, state.Tasks["left"].Status)
	assert.Equal(t, TaskCompleted, state.Tasks["right"].Status)
	assert.Equal(t, TaskSkipped, state.Tasks["join"].Status)

	var failed, skipped int
	for _, ev := range state.Events {
		switch ev.Kind {
		case EventFailed:
			failed++
		case EventInputUnavailable:
			skipped++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
}

func TestOrchestratorMemoizesOnRerun(t *testing.T) {
	rig := newTestRig(t)
	runner := deployDiamond(t, rig)

	handle, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)
	_, err = handle.Wait()
	require.NoError(t, err)
	firstCalls := map[string]int{}
	for k, v := range runner.calls {
		firstCalls[k] = v
	}

	// Nothing in the tree changed, so a second run should hit the cache for
	// every task and execute none of them again.
	handle2, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)
	result2, err := handle2.Wait()
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, result2.Status)
	assert.Equal(t, 4, result2.Counters.Cached)
	assert.Equal(t, 0, result2.Counters.Executed)
	assert.Equal(t, firstCalls, runner.calls)
}

func TestOrchestratorCancellation(t *testing.T) {
	rig := newTestRig(t)
	runner := deployDiamond(t, rig)
	runner.delay = 200 * time.Millisecond

	handle, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	handle.Cancel()

	_, err = handle.Wait()
	require.Error(t, err)

	status, err := rig.o.GetStatus(handle)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, status)
}

// TestOrchestratorStartRecoversIncompleteExecution simulates a crashed
// process by planting a `running` state record directly into the store (no
// controller ever persisted a terminal status for it), then asserts that the
// next Start call marks that stale record `failed` before starting its own
// fresh execution.
func TestOrchestratorStartRecoversIncompleteExecution(t *testing.T) {
	rig := newTestRig(t)
	runner := deployDiamond(t, rig)

	stale := State{
		ID:        "exec-stale",
		Workspace: "ws",
		Status:    ExecRunning,
		StartedAt: time.Now().Add(-time.Hour),
		Tasks:     map[string]TaskState{"fetch": {Status: TaskInProgress}},
	}
	require.NoError(t, rig.o.States.Create(stale))

	handle, err := rig.o.Start("ws", Opts{Runner: runner, Concurrency: 2})
	require.NoError(t, err)
	_, err = handle.Wait()
	require.NoError(t, err)

	recovered, found, err := rig.o.States.Read("ws", "exec-stale")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ExecFailed, recovered.Status)

	_, found, err = rig.o.GetIncompleteExecution("ws")
	require.NoError(t, err)
	assert.False(t, found, "the new execution's own state must not still read as incomplete")
}
