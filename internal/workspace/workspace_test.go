package workspace

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/objectstore"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/refstore"
	"github.com/beastrepo/beast/internal/tree"
	"github.com/beastrepo/beast/internal/turbopath"
)

type testRig struct {
	ws   *Store
	pkgs *pkgstore.Store
	tr   *tree.Layer
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := turbopath.UnsafeToAbsolutePath(t.TempDir())
	objs, err := objectstore.New(root.Join("objects"), hclog.NewNullLogger())
	require.NoError(t, err)
	refs := refstore.New(root)
	tr := tree.New(objs)
	pkgs := pkgstore.New(objs, refs)
	return &testRig{ws: New(refs, tr, pkgs), pkgs: pkgs, tr: tr}
}

func (r *testRig) importPackage(t *testing.T, name, version string) {
	t.Helper()
	structure := tree.NewBranch(map[string]*tree.Structure{
		"out": tree.NewValue("bytes"),
	}, []string{"out"})
	rootHash, err := r.tr.EmptyTree(structure)
	require.NoError(t, err)
	_, err = r.pkgs.Import(name, version, pkgstore.Package{Structure: structure, RootTreeHash: rootHash})
	require.NoError(t, err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.ws.Create("ws"))
	err := r.ws.Create("ws")
	assert.Error(t, err)
}

func TestGetStateMissingWorkspaceErrors(t *testing.T) {
	r := newTestRig(t)
	_, err := r.ws.GetState("ghost")
	assert.Error(t, err)
}

func TestDeployBindsPackageAndRoot(t *testing.T) {
	r := newTestRig(t)
	r.importPackage(t, "app", "1.0.0")
	require.NoError(t, r.ws.Create("ws"))

	state, err := r.ws.Deploy("ws", "app", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "app", state.PackageName)
	assert.Equal(t, "1.0.0", state.PackageVersion)
	assert.True(t, state.Deployed())

	got, err := r.ws.GetState("ws")
	require.NoError(t, err)
	assert.Equal(t, state.PackageHash, got.PackageHash)
}

func TestDeployToMissingWorkspaceErrors(t *testing.T) {
	r := newTestRig(t)
	r.importPackage(t, "app", "1.0.0")
	_, err := r.ws.Deploy("ghost", "app", "1.0.0")
	assert.Error(t, err)
}

func TestSetRootUpdatesRootHashOnly(t *testing.T) {
	r := newTestRig(t)
	r.importPackage(t, "app", "1.0.0")
	require.NoError(t, r.ws.Create("ws"))
	before, err := r.ws.Deploy("ws", "app", "1.0.0")
	require.NoError(t, err)

	newRoot := beast.SumBytes([]byte("new root"))
	after, err := r.ws.SetRoot("ws", newRoot)
	require.NoError(t, err)
	assert.Equal(t, newRoot, after.RootHash)
	assert.Equal(t, before.PackageHash, after.PackageHash)
}

func TestRemoveDeletesWorkspace(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.ws.Create("ws"))
	require.NoError(t, r.ws.Remove("ws"))

	_, err := r.ws.GetState("ws")
	assert.Error(t, err)
}

type fakeExecutionChecker struct {
	running map[string]bool
	err     error
}

func (f fakeExecutionChecker) HasRunningExecution(name string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.running[name], nil
}

func TestRemoveFailsWhileExecutionIsRunning(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.ws.Create("ws"))
	r.ws.SetExecutionChecker(fakeExecutionChecker{running: map[string]bool{"ws": true}})

	err := r.ws.Remove("ws")
	require.Error(t, err)
	assert.True(t, beast.Is(err, beast.ErrWorkspaceLocked))

	_, getErr := r.ws.GetState("ws")
	require.NoError(t, getErr, "workspace must still exist after a rejected remove")
}

func TestRemoveSucceedsWhenNoExecutionIsRunning(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.ws.Create("ws"))
	r.ws.SetExecutionChecker(fakeExecutionChecker{running: map[string]bool{"ws": false}})

	require.NoError(t, r.ws.Remove("ws"))
	_, err := r.ws.GetState("ws")
	assert.Error(t, err)
}

func TestListReturnsAllWorkspaces(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.ws.Create("a"))
	require.NoError(t, r.ws.Create("b"))

	names, err := r.ws.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
