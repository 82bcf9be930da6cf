// Package refstore implements the three named-mutable-reference namespaces
// of spec §4.2: packages, workspaces, and executions. All writes go through
// a temp-file-then-rename commit, the same atomic-write convention as
// turbo's cache.WriteCacheMetaFile / fs.WriteFile helpers.
package refstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/turbopath"
)

// Store roots the three ref namespaces under a repository directory.
type Store struct {
	root turbopath.AbsolutePath
}

// New constructs a Store rooted at repoRoot.
func New(repoRoot turbopath.AbsolutePath) *Store {
	return &Store{root: repoRoot}
}

func (s *Store) packagesDir() turbopath.AbsolutePath   { return s.root.Join("packages") }
func (s *Store) workspacesDir() turbopath.AbsolutePath { return s.root.Join("workspaces") }
func (s *Store) executionsDir() turbopath.AbsolutePath { return s.root.Join("executions") }

// atomicWrite stages data into a same-directory temp file and renames it
// over dest, so a reader never observes a partial write (spec §4.2).
func atomicWrite(dest turbopath.AbsolutePath, data []byte, mode os.FileMode) error {
	if err := dest.Dir().MkdirAll(); err != nil {
		return errors.Wrap(err, "refstore: creating parent directory")
	}
	tmp := dest.Dir().Join(fmt.Sprintf(".%s.%d.%d.tmp", filepath.Base(dest.String()), time.Now().UnixNano(), rand.Int63()))
	if err := tmp.WriteFile(data, mode); err != nil {
		return errors.Wrap(err, "refstore: staging write")
	}
	if err := tmp.Rename(dest); err != nil {
		return errors.Wrap(err, "refstore: committing write")
	}
	return nil
}

// --- Packages: packages/<name>/<version> -> "<hash>\n" ---

// PackageWrite overwrites the reference name@version to point at hash.
// Idempotent: writing the same hash again is a no-op observable effect.
func (s *Store) PackageWrite(name, version string, hash beast.Hash) error {
	dest := s.packagesDir().Join(name, version)
	return atomicWrite(dest, []byte(hash.String()+"\n"), 0644)
}

// PackageResolve reads the package hash for name@version, returning
// (zero, false, nil) if the reference does not exist.
func (s *Store) PackageResolve(name, version string) (beast.Hash, bool, error) {
	path := s.packagesDir().Join(name, version)
	data, err := path.ReadFile()
	if err != nil {
		if os.IsNotExist(err) {
			return beast.Hash{}, false, nil
		}
		return beast.Hash{}, false, errors.Wrapf(err, "refstore: reading package ref %s/%s", name, version)
	}
	h, err := beast.ParseHash(string(data))
	if err != nil {
		return beast.Hash{}, false, beast.Wrap(err, beast.ErrPackageInvalid, "corrupt package ref %s/%s", name, version)
	}
	return h, true, nil
}

// PackageVersions lists every version recorded under name.
func (s *Store) PackageVersions(name string) ([]string, error) {
	dir := s.packagesDir().Join(name)
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "refstore: listing versions of %s", name)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	return versions, nil
}

// PackageNames lists every package name with at least one version.
func (s *Store) PackageNames() ([]string, error) {
	entries, err := os.ReadDir(s.packagesDir().String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "refstore: listing package names")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// PackageRemove deletes the name@version reference. Idempotent. When the
// last version under name is removed, the name directory is pruned
// best-effort (spec §4.2).
func (s *Store) PackageRemove(name, version string) error {
	if err := s.packagesDir().Join(name, version).Remove(); err != nil {
		return errors.Wrapf(err, "refstore: removing package ref %s/%s", name, version)
	}
	remaining, err := s.PackageVersions(name)
	if err == nil && len(remaining) == 0 {
		_ = os.Remove(s.packagesDir().Join(name).String())
	}
	return nil
}

// --- Workspaces: workspaces/<name>.beast2 -> encoded WorkspaceState ---

// WorkspaceWrite atomically writes the encoded workspace state. Callers must
// hold the workspace lock (spec §4.3/§4.5).
func (s *Store) WorkspaceWrite(name string, encoded []byte) error {
	return atomicWrite(s.workspacesDir().Join(name+".beast2"), encoded, 0644)
}

// WorkspaceRead returns the raw encoded bytes for name, or (nil, false, nil)
// if the workspace does not exist.
func (s *Store) WorkspaceRead(name string) ([]byte, bool, error) {
	data, err := s.workspacesDir().Join(name + ".beast2").ReadFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "refstore: reading workspace %s", name)
	}
	return data, true, nil
}

// WorkspaceRemove deletes the workspace state file.
func (s *Store) WorkspaceRemove(name string) error {
	return s.workspacesDir().Join(name + ".beast2").Remove()
}

// WorkspaceList returns every workspace name with persisted state.
func (s *Store) WorkspaceList() ([]string, error) {
	entries, err := os.ReadDir(s.workspacesDir().String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "refstore: listing workspaces")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(".beast2") && e.Name()[len(e.Name())-len(".beast2"):] == ".beast2" {
			names = append(names, e.Name()[:len(e.Name())-len(".beast2")])
		}
	}
	return names, nil
}

// WorkspaceDir returns the per-workspace scratch directory
// (workspaces/<name>/) that holds execution state and its ID counter.
func (s *Store) WorkspaceDir(name string) turbopath.AbsolutePath {
	return s.workspacesDir().Join(name)
}

// WorkspaceLockPath returns the path to the per-workspace lock file.
func (s *Store) WorkspaceLockPath(name string) turbopath.AbsolutePath {
	return s.workspacesDir().Join(name + ".lock")
}

// --- Executions: executions/<task-hash>/<inputs-hash>/<exec-id>/status.beast2 ---

func (s *Store) executionDir(taskHash, inputsHash, executionID string) turbopath.AbsolutePath {
	return s.executionsDir().Join(taskHash, inputsHash, executionID)
}

// ExecutionStatusWrite atomically writes the encoded status record for one
// execution attempt.
func (s *Store) ExecutionStatusWrite(taskHash, inputsHash, executionID string, encoded []byte) error {
	return atomicWrite(s.executionDir(taskHash, inputsHash, executionID).Join("status.beast2"), encoded, 0644)
}

// ExecutionStatusRead reads the raw encoded status bytes for one execution
// attempt, or (nil, false, nil) if it does not exist.
func (s *Store) ExecutionStatusRead(taskHash, inputsHash, executionID string) ([]byte, bool, error) {
	data, err := s.executionDir(taskHash, inputsHash, executionID).Join("status.beast2").ReadFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "refstore: reading execution status")
	}
	return data, true, nil
}

// ExecutionIDsFor lists every execution ID recorded for (taskHash,
// inputsHash), in directory order (not necessarily time order; callers sort
// by the decoded record's completion time per spec §3 "current record").
func (s *Store) ExecutionIDsFor(taskHash, inputsHash string) ([]string, error) {
	dir := s.executionsDir().Join(taskHash, inputsHash)
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "refstore: listing execution ids")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ExecutionInputsHashesFor lists every inputs-hash directory recorded for
// taskHash.
func (s *Store) ExecutionInputsHashesFor(taskHash string) ([]string, error) {
	dir := s.executionsDir().Join(taskHash)
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "refstore: listing inputs hashes")
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// ExecutionTaskHashes lists every task hash with at least one recorded
// execution, i.e. the top-level directories under executions/. Used by GC's
// root collection to enumerate every execution record without knowing task
// hashes in advance (spec §4.8 step 1).
func (s *Store) ExecutionTaskHashes() ([]string, error) {
	entries, err := os.ReadDir(s.executionsDir().String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "refstore: listing execution task hashes")
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// ExecutionStdoutPath and ExecutionStderrPath give the executor's streaming
// writer destinations for one execution attempt (spec §6 on-disk layout).
func (s *Store) ExecutionStdoutPath(taskHash, inputsHash, executionID string) turbopath.AbsolutePath {
	return s.executionDir(taskHash, inputsHash, executionID).Join("stdout")
}

func (s *Store) ExecutionStderrPath(taskHash, inputsHash, executionID string) turbopath.AbsolutePath {
	return s.executionDir(taskHash, inputsHash, executionID).Join("stderr")
}

// Init creates the four top-level directories (objects, packages,
// workspaces, executions) and nothing else (spec §6 "Lifecycle of an init").
func Init(repoRoot turbopath.AbsolutePath) error {
	for _, dir := range []string{"objects", "packages", "workspaces", "executions"} {
		if err := repoRoot.Join(dir).MkdirAll(); err != nil {
			return errors.Wrapf(err, "refstore: creating %s", dir)
		}
	}
	return nil
}
