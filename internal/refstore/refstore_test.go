package refstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/turbopath"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := turbopath.UnsafeToAbsolutePath(t.TempDir())
	require.NoError(t, Init(root))
	return New(root)
}

func TestPackageWriteResolveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h := beast.SumBytes([]byte("pkg content"))
	require.NoError(t, s.PackageWrite("app", "1.0.0", h))

	got, found, err := s.PackageResolve("app", "1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, h, got)
}

func TestPackageResolveMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.PackageResolve("ghost", "1.0.0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPackageNamesAndVersionsList(t *testing.T) {
	s := newTestStore(t)
	h := beast.SumBytes([]byte("content"))
	require.NoError(t, s.PackageWrite("app", "1.0.0", h))
	require.NoError(t, s.PackageWrite("app", "2.0.0", h))
	require.NoError(t, s.PackageWrite("other", "1.0.0", h))

	names, err := s.PackageNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app", "other"}, names)

	versions, err := s.PackageVersions("app")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0.0", "2.0.0"}, versions)
}

func TestPackageRemovePrunesEmptyNameDir(t *testing.T) {
	s := newTestStore(t)
	h := beast.SumBytes([]byte("content"))
	require.NoError(t, s.PackageWrite("app", "1.0.0", h))
	require.NoError(t, s.PackageRemove("app", "1.0.0"))

	names, err := s.PackageNames()
	require.NoError(t, err)
	assert.NotContains(t, names, "app")
}

func TestWorkspaceWriteReadRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WorkspaceWrite("ws", []byte("encoded state")))

	data, found, err := s.WorkspaceRead("ws")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("encoded state"), data)

	require.NoError(t, s.WorkspaceRemove("ws"))
	_, found, err = s.WorkspaceRead("ws")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWorkspaceListReturnsNamesWithoutSuffix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WorkspaceWrite("alpha", []byte("a")))
	require.NoError(t, s.WorkspaceWrite("beta", []byte("b")))

	names, err := s.WorkspaceList()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestExecutionStatusWriteReadAndEnumerate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.ExecutionStatusWrite("task1", "inputs1", "exec-1", []byte("status bytes")))

	data, found, err := s.ExecutionStatusRead("task1", "inputs1", "exec-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("status bytes"), data)

	ids, err := s.ExecutionIDsFor("task1", "inputs1")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, ids)

	hashes, err := s.ExecutionInputsHashesFor("task1")
	require.NoError(t, err)
	assert.Equal(t, []string{"inputs1"}, hashes)

	taskHashes, err := s.ExecutionTaskHashes()
	require.NoError(t, err)
	assert.Equal(t, []string{"task1"}, taskHashes)
}

func TestExecutionTaskHashesEmptyWhenNoExecutions(t *testing.T) {
	s := newTestStore(t)
	hashes, err := s.ExecutionTaskHashes()
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestInitCreatesTopLevelDirectories(t *testing.T) {
	root := turbopath.UnsafeToAbsolutePath(t.TempDir())
	require.NoError(t, Init(root))
	for _, dir := range []string{"objects", "packages", "workspaces", "executions"} {
		assert.True(t, root.Join(dir).Exists(), dir)
	}
}
