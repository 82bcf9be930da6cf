package dataflow

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
	"github.com/beastrepo/beast/internal/turbopath"
)

// FileStore is the file-backed StateStore of spec §4.7: the current/last
// ExecutionState for a workspace lives at
// <workspace-dir>/execution.beast2, written via the same atomic
// temp-file-then-rename convention as the rest of the engine, with a
// companion execution-counter text file for ID allocation.
type FileStore struct {
	workspaceDir func(workspace string) turbopath.AbsolutePath
	mu           sync.Mutex
}

// NewFileStore constructs a FileStore. workspaceDir resolves a workspace name
// to its scratch directory, e.g. refstore.Store.WorkspaceDir.
func NewFileStore(workspaceDir func(workspace string) turbopath.AbsolutePath) *FileStore {
	return &FileStore{workspaceDir: workspaceDir}
}

func (f *FileStore) statePath(workspace string) turbopath.AbsolutePath {
	return f.workspaceDir(workspace).Join("execution.beast2")
}

func (f *FileStore) counterPath(workspace string) turbopath.AbsolutePath {
	return f.workspaceDir(workspace).Join("execution-counter")
}

func atomicWrite(dest turbopath.AbsolutePath, data []byte) error {
	if err := dest.Dir().MkdirAll(); err != nil {
		return errors.Wrap(err, "dataflow: creating workspace directory")
	}
	tmp := dest.Dir().Join(fmt.Sprintf(".%s.%d.%d.tmp", filepath.Base(dest.String()), time.Now().UnixNano(), rand.Int63()))
	if err := tmp.WriteFile(data, 0644); err != nil {
		return errors.Wrap(err, "dataflow: staging execution state write")
	}
	if err := tmp.Rename(dest); err != nil {
		return errors.Wrap(err, "dataflow: committing execution state write")
	}
	return nil
}

func (f *FileStore) load(workspace string) (State, bool, error) {
	data, err := f.statePath(workspace).ReadFile()
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, errors.Wrap(err, "dataflow: reading execution state")
	}
	var s State
	if err := codec.Decode(data, codec.TagDataflowState, &s); err != nil {
		return State{}, false, beast.Wrap(err, beast.ErrExecutionCorrupt, "dataflow: decoding execution state")
	}
	return s, true, nil
}

func (f *FileStore) save(s State) error {
	encoded, err := codec.Encode(codec.TagDataflowState, s)
	if err != nil {
		return err
	}
	return atomicWrite(f.statePath(s.Workspace), encoded)
}

// Only one execution per workspace is ever live (invariant I7), so a single
// file is sufficient; Create simply (over)writes it.
func (f *FileStore) Create(state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(state)
}

func (f *FileStore) Read(workspace, id string) (State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok, err := f.load(workspace)
	if err != nil || !ok || s.ID != id {
		return State{}, false, err
	}
	return s, true, nil
}

func (f *FileStore) ReadLatest(workspace string) (State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(workspace)
}

func (f *FileStore) Update(state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(state)
}

func (f *FileStore) mutate(workspace, id string, fn func(*State) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok, err := f.load(workspace)
	if err != nil {
		return err
	}
	if !ok || s.ID != id {
		return beast.NewError(beast.ErrInternal, "dataflow: no execution state %s to update", id)
	}
	if err := fn(&s); err != nil {
		return err
	}
	return f.save(s)
}

func (f *FileStore) UpdateTaskStatus(workspace, id, task string, ts TaskState) error {
	return f.mutate(workspace, id, func(s *State) error {
		s.Tasks[task] = ts
		return nil
	})
}

func (f *FileStore) UpdateStatus(workspace, id string, status ExecStatus) error {
	return f.mutate(workspace, id, func(s *State) error {
		s.Status = status
		return nil
	})
}

func (f *FileStore) RecordEvent(workspace, id string, ev Event) (Event, error) {
	var recorded Event
	err := f.mutate(workspace, id, func(s *State) error {
		s.NextSeq++
		ev.Seq = s.NextSeq
		s.Events = append(s.Events, ev)
		recorded = ev
		return nil
	})
	return recorded, err
}

func (f *FileStore) GetEventsSince(workspace, id string, sinceSeq int64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok, err := f.load(workspace)
	if err != nil || !ok || s.ID != id {
		return nil, err
	}
	var out []Event
	for _, ev := range s.Events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// NextExecutionID allocates a monotonic counter value and pairs it with a
// UUIDv7 suffix, the "monotonic counter or UUIDv7-equivalent" spec §3 asks
// for: the counter gives strict per-workspace ordering even if the clock
// skews, the UUIDv7 suffix keeps IDs unique across a counter-file loss.
func (f *FileStore) NextExecutionID(workspace string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.counterPath(workspace)
	n := int64(0)
	if data, err := path.ReadFile(); err == nil {
		n, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "dataflow: reading execution counter")
	}
	n++
	if err := atomicWrite(path, []byte(strconv.FormatInt(n, 10)+"\n")); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "dataflow: generating execution id")
	}
	return fmt.Sprintf("exec-%d-%s", n, id.String()), nil
}

func (f *FileStore) Delete(workspace, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok, err := f.load(workspace)
	if err != nil {
		return err
	}
	if !ok || s.ID != id {
		return nil
	}
	return f.statePath(workspace).Remove()
}

// GetIncompleteExecution returns the current execution if it is still
// "running", letting a successor process detect and recover from a crash
// (spec §4.7 "Crash recovery").
func (f *FileStore) GetIncompleteExecution(workspace string) (State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok, err := f.load(workspace)
	if err != nil || !ok || s.Status != ExecRunning {
		return State{}, false, err
	}
	return s, true, nil
}
