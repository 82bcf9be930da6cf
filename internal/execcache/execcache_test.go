package execcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/refstore"
	"github.com/beastrepo/beast/internal/turbopath"
)

func newTestCache(t *testing.T, isAlive LivenessProbe) *Cache {
	t.Helper()
	root := turbopath.UnsafeToAbsolutePath(t.TempDir())
	refs := refstore.New(root)
	return New(refs, isAlive)
}

func TestGetReturnsNotFoundForUnrecordedInputs(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return true })
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsHash := beast.InputsHash(beast.SumBytes([]byte("inputs")))

	_, found, err := c.Get(taskHash, inputsHash)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutThenGetReturnsCurrentRecord(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return true })
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsHash := beast.InputsHash(beast.SumBytes([]byte("inputs")))
	outputHash := beast.SumBytes([]byte("output"))

	require.NoError(t, c.Put(taskHash, inputsHash, "exec-1", Status{
		Kind:        StatusSuccess,
		OutputHash:  outputHash,
		CompletedAt: time.Now(),
	}))

	status, found, err := c.Get(taskHash, inputsHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusSuccess, status.Kind)
	assert.Equal(t, outputHash, status.OutputHash)
}

func TestCurrentPrefersLiveRunningRecordOverOlderTerminal(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return true })
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsHash := beast.InputsHash(beast.SumBytes([]byte("inputs")))

	require.NoError(t, c.Put(taskHash, inputsHash, "exec-1", Status{
		Kind:        StatusFailed,
		ExitCode:    1,
		CompletedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, c.Put(taskHash, inputsHash, "exec-2", Status{
		Kind:      StatusRunning,
		PID:       123,
		StartedAt: time.Now(),
	}))

	rec, found, err := c.Current(taskHash, inputsHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusRunning, rec.Status.Kind)
	assert.Equal(t, "exec-2", rec.ExecutionID)
}

func TestCurrentReinterpretsStaleRunningRecordAsError(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return false }) // nothing alive
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsHash := beast.InputsHash(beast.SumBytes([]byte("inputs")))

	require.NoError(t, c.Put(taskHash, inputsHash, "exec-1", Status{
		Kind:      StatusRunning,
		PID:       999,
		BootID:    "dead-boot",
		StartedAt: time.Now(),
	}))

	rec, found, err := c.Current(taskHash, inputsHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusError, rec.Status.Kind)
}

func TestCurrentSuccessFindsMostRecentAcrossInputsHashes(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return true })
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsA := beast.InputsHash(beast.SumBytes([]byte("a")))
	inputsB := beast.InputsHash(beast.SumBytes([]byte("b")))
	olderOutput := beast.SumBytes([]byte("older"))
	newerOutput := beast.SumBytes([]byte("newer"))

	require.NoError(t, c.Put(taskHash, inputsA, "exec-1", Status{
		Kind: StatusSuccess, OutputHash: olderOutput, CompletedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, c.Put(taskHash, inputsB, "exec-1", Status{
		Kind: StatusSuccess, OutputHash: newerOutput, CompletedAt: time.Now(),
	}))

	outputHash, inputsHash, found, err := c.CurrentSuccess(taskHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, newerOutput, outputHash)
	assert.Equal(t, inputsB, inputsHash)
}

func TestListForTaskListsEveryInputsHash(t *testing.T) {
	c := newTestCache(t, func(int, string) bool { return true })
	taskHash := beast.TaskHash(beast.SumBytes([]byte("task")))
	inputsA := beast.InputsHash(beast.SumBytes([]byte("a")))
	inputsB := beast.InputsHash(beast.SumBytes([]byte("b")))

	require.NoError(t, c.Put(taskHash, inputsA, "exec-1", Status{Kind: StatusSuccess, CompletedAt: time.Now()}))
	require.NoError(t, c.Put(taskHash, inputsB, "exec-1", Status{Kind: StatusSuccess, CompletedAt: time.Now()}))

	got, err := c.ListForTask(taskHash)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{inputsA.String(), inputsB.String()}, got)
}
