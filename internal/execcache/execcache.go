// Package execcache implements the task execution cache of spec §4.6:
// memoizing task runs by (task-hash, inputs-hash) -> status, and recovering
// stale "running" records left behind by a dead process. Grounded on
// turbo's taskhash.Tracker (package/task hash bookkeeping feeding cache
// lookups) and runcache (the cache hit/miss decision gating whether a task
// actually runs).
package execcache

import (
	"sort"
	"time"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
)

// StatusKind discriminates the four ExecutionRecord status variants (spec
// §3).
type StatusKind int

const (
	StatusRunning StatusKind = iota
	StatusSuccess
	StatusFailed
	StatusError
)

// Status is an execution record's status (spec §3 "Execution Record"). Only
// the fields relevant to Kind are populated.
type Status struct {
	Kind StatusKind

	// StatusRunning
	PID       int
	BootID    string
	StartedAt time.Time

	// StatusSuccess
	OutputHash  beast.Hash
	CompletedAt time.Time

	// StatusFailed
	ExitCode int

	// StatusError
	Message string
}

// Record is one execution attempt stored under (task-hash, inputs-hash,
// execution-id).
type Record struct {
	TaskHash    beast.TaskHash
	InputsHash  beast.InputsHash
	ExecutionID string
	Status      Status
}

// Refs is the ref-store surface execcache needs.
type Refs interface {
	ExecutionStatusWrite(taskHash, inputsHash, executionID string, encoded []byte) error
	ExecutionStatusRead(taskHash, inputsHash, executionID string) ([]byte, bool, error)
	ExecutionIDsFor(taskHash, inputsHash string) ([]string, error)
	ExecutionInputsHashesFor(taskHash string) ([]string, error)
}

// LivenessProbe reports whether the process described by pid/bootID is
// still the one that wrote a "running" record (spec §4.6 "Recovering stale
// running records").
type LivenessProbe func(pid int, bootID string) bool

// Cache is the execution cache.
type Cache struct {
	refs    Refs
	isAlive LivenessProbe
}

// New constructs a Cache. isAlive is typically lock.processAlive-equivalent,
// injected so tests can simulate dead processes deterministically.
func New(refs Refs, isAlive LivenessProbe) *Cache {
	return &Cache{refs: refs, isAlive: isAlive}
}

func encodeStatus(s Status) ([]byte, error) {
	return codec.Encode(codec.TagExecutionStatus, s)
}

func decodeStatus(data []byte) (Status, error) {
	var s Status
	if err := codec.Decode(data, codec.TagExecutionStatus, &s); err != nil {
		return Status{}, beast.Wrap(err, beast.ErrExecutionCorrupt, "execcache: decoding status record")
	}
	return s, nil
}

// Put records executionID's status for (taskHash, inputsHash). Execution
// records are created on task start and updated exactly once to a terminal
// state (spec §3 lifecycle); Put is used for both.
func (c *Cache) Put(taskHash beast.TaskHash, inputsHash beast.InputsHash, executionID string, status Status) error {
	encoded, err := encodeStatus(status)
	if err != nil {
		return err
	}
	return c.refs.ExecutionStatusWrite(taskHash.String(), inputsHash.String(), executionID, encoded)
}

// recordsFor loads every Record for (taskHash, inputsHash), reinterpreting
// any stale "running" record as error{stale} in memory without rewriting it
// on disk (spec §9 open question: "Current behavior is to keep it").
func (c *Cache) recordsFor(taskHash beast.TaskHash, inputsHash beast.InputsHash) ([]Record, error) {
	ids, err := c.refs.ExecutionIDsFor(taskHash.String(), inputsHash.String())
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, found, err := c.refs.ExecutionStatusRead(taskHash.String(), inputsHash.String(), id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		status, err := decodeStatus(data)
		if err != nil {
			return nil, err
		}
		if status.Kind == StatusRunning && !c.isAlive(status.PID, status.BootID) {
			status = Status{Kind: StatusError, Message: "stale: holding process is no longer alive", CompletedAt: time.Now()}
		}
		records = append(records, Record{TaskHash: taskHash, InputsHash: inputsHash, ExecutionID: id, Status: status})
	}
	return records, nil
}

// timeOf returns the ordering timestamp for a record: its completion time,
// or its start time while still running.
func timeOf(s Status) time.Time {
	if s.Kind == StatusRunning {
		return s.StartedAt
	}
	return s.CompletedAt
}

// Current returns the current record for (taskHash, inputsHash): the most
// recent by completion time, with a live "running" record taking precedence
// (spec §3). found is false if no records exist.
func (c *Cache) Current(taskHash beast.TaskHash, inputsHash beast.InputsHash) (Record, bool, error) {
	records, err := c.recordsFor(taskHash, inputsHash)
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	sort.Slice(records, func(i, j int) bool { return timeOf(records[i].Status).Before(timeOf(records[j].Status)) })
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status.Kind == StatusRunning {
			return records[i], true, nil
		}
	}
	return records[len(records)-1], true, nil
}

// Get returns the current status for (taskHash, inputsHash), or (nil
// status, false) if no record exists.
func (c *Cache) Get(taskHash beast.TaskHash, inputsHash beast.InputsHash) (Status, bool, error) {
	rec, found, err := c.Current(taskHash, inputsHash)
	if err != nil || !found {
		return Status{}, false, err
	}
	return rec.Status, true, nil
}

// ListForTask returns every inputs-hash that has at least one execution
// record for taskHash.
func (c *Cache) ListForTask(taskHash beast.TaskHash) ([]string, error) {
	return c.refs.ExecutionInputsHashesFor(taskHash.String())
}

// CurrentSuccess implements workspace.ExecutionLookup: the most recent
// success record for taskHash across all inputs-hashes it has ever run
// with, used by the workspace layer's per-dataset status derivation.
func (c *Cache) CurrentSuccess(taskHash beast.TaskHash) (beast.Hash, beast.InputsHash, bool, error) {
	inputsHashes, err := c.ListForTask(taskHash)
	if err != nil {
		return beast.Hash{}, beast.InputsHash{}, false, err
	}
	var best Record
	var bestFound bool
	for _, ih := range inputsHashes {
		inputsHash, err := beast.ParseHash(ih)
		if err != nil {
			continue
		}
		rec, found, err := c.Current(taskHash, beast.InputsHash(inputsHash))
		if err != nil {
			return beast.Hash{}, beast.InputsHash{}, false, err
		}
		if !found || rec.Status.Kind != StatusSuccess {
			continue
		}
		if !bestFound || rec.Status.CompletedAt.After(best.Status.CompletedAt) {
			best, bestFound = rec, true
		}
	}
	if !bestFound {
		return beast.Hash{}, beast.InputsHash{}, false, nil
	}
	return best.Status.OutputHash, best.InputsHash, true, nil
}
