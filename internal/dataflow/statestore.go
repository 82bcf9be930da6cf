package dataflow

import (
	"strconv"
	"sync"

	"github.com/beastrepo/beast/internal/beast"
)

// StateStore is the ExecutionStateStore interface of spec §4.7: persistence
// for dataflow execution state, with two mandated implementations (an
// in-memory store for tests, and a file-backed store for production).
type StateStore interface {
	Create(state State) error
	Read(workspace, id string) (State, bool, error)
	ReadLatest(workspace string) (State, bool, error)
	Update(state State) error
	UpdateTaskStatus(workspace, id, task string, ts TaskState) error
	UpdateStatus(workspace, id string, status ExecStatus) error
	RecordEvent(workspace, id string, ev Event) (Event, error)
	GetEventsSince(workspace, id string, sinceSeq int64) ([]Event, error)
	NextExecutionID(workspace string) (string, error)
	Delete(workspace, id string) error
	GetIncompleteExecution(workspace string) (State, bool, error)
}

func key(workspace, id string) string { return workspace + "\x00" + id }

// MemoryStore is the in-memory StateStore implementation for tests (spec
// §4.7).
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]State
	latest  map[string]string // workspace -> current execution id
	counter map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]State),
		latest:  make(map[string]string),
		counter: make(map[string]int64),
	}
}

func (m *MemoryStore) Create(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key(state.Workspace, state.ID)] = state.Clone()
	m.latest[state.Workspace] = state.ID
	return nil
}

func (m *MemoryStore) Read(workspace, id string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(workspace, id)]
	if !ok {
		return State{}, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) ReadLatest(workspace string) (State, bool, error) {
	m.mu.Lock()
	id, ok := m.latest[workspace]
	m.mu.Unlock()
	if !ok {
		return State{}, false, nil
	}
	return m.Read(workspace, id)
}

func (m *MemoryStore) Update(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key(state.Workspace, state.ID)] = state.Clone()
	return nil
}

func (m *MemoryStore) UpdateTaskStatus(workspace, id, task string, ts TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(workspace, id)]
	if !ok {
		return beast.NewError(beast.ErrInternal, "dataflow: no execution state to update")
	}
	s.Tasks[task] = ts
	m.states[key(workspace, id)] = s
	return nil
}

func (m *MemoryStore) UpdateStatus(workspace, id string, status ExecStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(workspace, id)]
	if !ok {
		return beast.NewError(beast.ErrInternal, "dataflow: no execution state to update")
	}
	s.Status = status
	m.states[key(workspace, id)] = s
	return nil
}

func (m *MemoryStore) RecordEvent(workspace, id string, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(workspace, id)]
	if !ok {
		return Event{}, beast.NewError(beast.ErrInternal, "dataflow: no execution state to record event on")
	}
	s.NextSeq++
	ev.Seq = s.NextSeq
	s.Events = append(s.Events, ev)
	m.states[key(workspace, id)] = s
	return ev, nil
}

func (m *MemoryStore) GetEventsSince(workspace, id string, sinceSeq int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(workspace, id)]
	if !ok {
		return nil, nil
	}
	var out []Event
	for _, ev := range s.Events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) NextExecutionID(workspace string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter[workspace]++
	return formatExecutionID(m.counter[workspace]), nil
}

func (m *MemoryStore) Delete(workspace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key(workspace, id))
	return nil
}

func (m *MemoryStore) GetIncompleteExecution(workspace string) (State, bool, error) {
	s, ok, err := m.ReadLatest(workspace)
	if err != nil || !ok {
		return State{}, false, err
	}
	if s.Status != ExecRunning {
		return State{}, false, nil
	}
	return s, true, nil
}

func formatExecutionID(n int64) string {
	// Monotonic, time-ordered-enough for a single-process counter; FileStore
	// additionally carries a UUIDv7 suffix so IDs stay globally unique across
	// process restarts (spec §4.2 "Execution IDs are time-ordered
	// identifiers").
	return "exec-" + strconv.FormatInt(n, 10)
}
