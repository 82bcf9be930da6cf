// Package workspace implements the workspace layer of spec §4.5: create,
// deploy, remove, and per-dataset status derivation (unset/stale/up-to-date)
// over the content-addressed tree layer. Naming follows turbo's workspace
// catalog convention (internal/workspace), generalized here from "a JS
// package in a monorepo" to "a deployed package in a repo".
package workspace

import (
	"time"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/tree"
)

// State is the persisted workspace state of spec §3: which package is
// deployed and the current content root.
type State struct {
	PackageName    string
	PackageVersion string
	PackageHash    beast.Hash
	DeployedAt     time.Time
	RootHash       beast.Hash
	RootUpdatedAt  time.Time
}

// Deployed reports whether a package has been deployed into this state.
func (s State) Deployed() bool {
	return !s.PackageHash.IsZero()
}

// Refs is the ref-store surface the workspace layer needs.
type Refs interface {
	WorkspaceWrite(name string, encoded []byte) error
	WorkspaceRead(name string) ([]byte, bool, error)
	WorkspaceRemove(name string) error
	WorkspaceList() ([]string, error)
}

// DatasetStatus is the derived per-leaf status of spec §4.5.
type DatasetStatus int

const (
	StatusUnset DatasetStatus = iota
	StatusUpToDate
	StatusStale
)

func (s DatasetStatus) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusUpToDate:
		return "up-to-date"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// ExecutionLookup is the execution-cache surface needed to derive dataset
// status: the most recent success record for a task hash regardless of
// which inputs it ran against.
type ExecutionLookup interface {
	// CurrentSuccess returns the most recent success record's output hash
	// and the inputs-hash it ran against, for the given task hash. found is
	// false if no success record exists.
	CurrentSuccess(taskHash beast.TaskHash) (outputHash beast.Hash, inputsHash beast.InputsHash, found bool, err error)
}

// RunningExecutionChecker reports whether a workspace currently has an
// incomplete dataflow execution (spec §4.5 "remove... requires no running
// execution"). Defined here rather than taking *dataflow.Orchestrator
// directly because dataflow already imports this package; Repo wires the
// orchestrator in through this narrow seam instead (see internal/repo).
type RunningExecutionChecker interface {
	HasRunningExecution(workspaceName string) (bool, error)
}

// Store is the workspace layer.
type Store struct {
	refs  Refs
	tr    *tree.Layer
	pkgs  *pkgstore.Store
	execs RunningExecutionChecker
}

// New constructs a workspace Store. The execution checker used to guard
// Remove is unset until SetExecutionChecker is called; without one, Remove
// cannot detect a running execution and relies solely on the caller holding
// the workspace lock.
func New(refs Refs, tr *tree.Layer, pkgs *pkgstore.Store) *Store {
	return &Store{refs: refs, tr: tr, pkgs: pkgs}
}

// SetExecutionChecker wires the running-execution guard used by Remove.
// Called once by internal/repo after both the workspace Store and the
// dataflow Orchestrator exist, breaking what would otherwise be an import
// cycle between the two packages.
func (s *Store) SetExecutionChecker(checker RunningExecutionChecker) {
	s.execs = checker
}

func encodeState(s State) ([]byte, error) {
	return codec.Encode(codec.TagWorkspaceState, s)
}

func decodeState(data []byte) (State, error) {
	var s State
	if err := codec.Decode(data, codec.TagWorkspaceState, &s); err != nil {
		return State{}, beast.Wrap(err, beast.ErrExecutionCorrupt, "workspace: decoding state")
	}
	return s, nil
}

// Create writes an empty workspace state (no package, null root).
func (s *Store) Create(name string) error {
	_, found, err := s.refs.WorkspaceRead(name)
	if err != nil {
		return err
	}
	if found {
		return beast.NewError(beast.ErrWorkspaceExists, "workspace %q already exists", name)
	}
	encoded, err := encodeState(State{})
	if err != nil {
		return err
	}
	return s.refs.WorkspaceWrite(name, encoded)
}

// GetState reads a workspace's current state.
func (s *Store) GetState(name string) (State, error) {
	data, found, err := s.refs.WorkspaceRead(name)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, beast.NewError(beast.ErrWorkspaceNotFound, "workspace %q not found", name)
	}
	return decodeState(data)
}

// List returns every workspace name with persisted state.
func (s *Store) List() ([]string, error) {
	return s.refs.WorkspaceList()
}

// Deploy resolves name@version, points rootHash at the package's initial
// root tree, and records package identity. Callers must hold the workspace
// lock; deploy itself does not acquire it (spec §4.5/§4.3: "Fails with
// WorkspaceLocked if the workspace is in use" is enforced by the caller
// acquiring the lock before calling Deploy).
func (s *Store) Deploy(name, pkgName, pkgVersion string) (State, error) {
	pkg, pkgHash, err := s.pkgs.Resolve(pkgName, pkgVersion)
	if err != nil {
		return State{}, err
	}
	_, found, err := s.refs.WorkspaceRead(name)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, beast.NewError(beast.ErrWorkspaceNotFound, "workspace %q not found", name)
	}
	now := time.Now()
	newState := State{
		PackageName:    pkgName,
		PackageVersion: pkgVersion,
		PackageHash:    pkgHash,
		DeployedAt:     now,
		RootHash:       pkg.RootTreeHash,
		RootUpdatedAt:  now,
	}
	encoded, err := encodeState(newState)
	if err != nil {
		return State{}, err
	}
	if err := s.refs.WorkspaceWrite(name, encoded); err != nil {
		return State{}, err
	}
	return newState, nil
}

// Remove deletes the workspace state file. Fails with WorkspaceLocked if a
// dataflow execution is still running against name (spec §4.5
// "remove(name): deletes the state file; requires no running execution").
func (s *Store) Remove(name string) error {
	if _, err := s.GetState(name); err != nil {
		return err
	}
	if s.execs != nil {
		running, err := s.execs.HasRunningExecution(name)
		if err != nil {
			return err
		}
		if running {
			return beast.NewWorkspaceLockedError("a dataflow execution")
		}
	}
	return s.refs.WorkspaceRemove(name)
}

// SetRoot atomically swaps the workspace's rootHash (spec §4.4 step 5, the
// commit point of a structural-sharing mutation). Callers must hold the
// workspace lock.
func (s *Store) SetRoot(name string, newRoot beast.Hash) (State, error) {
	state, err := s.GetState(name)
	if err != nil {
		return State{}, err
	}
	state.RootHash = newRoot
	state.RootUpdatedAt = time.Now()
	encoded, err := encodeState(state)
	if err != nil {
		return State{}, err
	}
	if err := s.refs.WorkspaceWrite(name, encoded); err != nil {
		return State{}, err
	}
	return state, nil
}

// DatasetStatusReport is the derived status of one leaf in the structure.
type DatasetStatusReport struct {
	Path   tree.Path
	Status DatasetStatus
	Hash   beast.Hash // valid iff Status != StatusUnset
	Task   string     // the task this dataset is an output of, if any
}

// Status derives the per-dataset status for every leaf in the deployed
// package's structure (spec §4.5). A leaf is:
//   - unset: the DataRef is unassigned.
//   - up-to-date: set, and if it's a task output, the most recent execution
//     for that task hash succeeded with a matching output hash.
//   - stale: set, but not (yet) confirmed current by a matching success
//     record — e.g. it was produced by a prior task-hash or inputs-hash.
func (s *Store) Status(name string, lookup ExecutionLookup) ([]DatasetStatusReport, error) {
	state, err := s.GetState(name)
	if err != nil {
		return nil, err
	}
	if !state.Deployed() {
		return nil, beast.NewError(beast.ErrWorkspaceNotDeployed, "workspace %q has no deployed package", name)
	}
	pkg, err := s.pkgs.ReadPackage(state.PackageHash)
	if err != nil {
		return nil, err
	}

	outputOwner := make(map[string]string, len(pkg.Tasks)) // path-key -> task name
	taskHashes := make(map[string]beast.TaskHash, len(pkg.Tasks))
	for _, taskName := range pkg.TaskOrder {
		th := pkg.Tasks[taskName]
		task, err := s.pkgs.ReadTask(beast.TaskHash(th))
		if err != nil {
			return nil, err
		}
		outputOwner[task.Output.Key()] = taskName
		taskHashes[taskName] = beast.TaskHash(th)
	}

	var reports []DatasetStatusReport
	var walk func(st *tree.Structure, prefix tree.Path) error
	walk = func(st *tree.Structure, prefix tree.Path) error {
		if st.Kind == tree.KindValue {
			ref, err := s.tr.ResolvePath(state.RootHash, prefix, pkg.Structure)
			if err != nil {
				return err
			}
			report := DatasetStatusReport{Path: append(tree.Path{}, prefix...)}
			if taskName, owned := outputOwner[prefix.Key()]; owned {
				report.Task = taskName
			}
			switch ref.Kind {
			case tree.RefUnassigned:
				report.Status = StatusUnset
			case tree.RefNull, tree.RefValue:
				report.Hash = ref.Hash
				if report.Task == "" {
					report.Status = StatusUpToDate
				} else {
					outHash, _, found, err := lookup.CurrentSuccess(taskHashes[report.Task])
					if err != nil {
						return err
					}
					if found && outHash == ref.Hash {
						report.Status = StatusUpToDate
					} else {
						report.Status = StatusStale
					}
				}
			}
			reports = append(reports, report)
			return nil
		}
		for _, name := range st.Order {
			if err := walk(st.Fields[name], append(append(tree.Path{}, prefix...), name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(pkg.Structure, nil); err != nil {
		return nil, err
	}
	return reports, nil
}
