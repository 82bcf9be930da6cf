// Package repo wires every layer of the engine together behind one facade,
// the way vercel/turbo's internal/core.Engine and internal/run.Run sit in
// front of cache/runcache/process for cmd/turbo to call into. A future CLI,
// HTTP handler, or test opens a Repo once and drives Import/Deploy/Start/GC
// through it instead of constructing objectstore/refstore/tree/... by hand.
//
// This type is not named beast.Repo: internal/beast already holds the core
// Hash/Error types that every layer below imports, so a facade living in
// that same package would close an import cycle (repo -> dataflow -> beast
// -> repo). See DESIGN.md for this deviation.
package repo

import (
	"github.com/adrg/xdg"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/dataflow"
	"github.com/beastrepo/beast/internal/execcache"
	"github.com/beastrepo/beast/internal/gc"
	"github.com/beastrepo/beast/internal/lock"
	"github.com/beastrepo/beast/internal/objectstore"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/refstore"
	"github.com/beastrepo/beast/internal/tree"
	"github.com/beastrepo/beast/internal/turbopath"
	"github.com/beastrepo/beast/internal/workspace"
)

// orchestratorExecutionChecker adapts *dataflow.Orchestrator to
// workspace.RunningExecutionChecker, discarding the execution state
// GetIncompleteExecution returns: Remove only needs to know whether one
// exists, not its contents.
type orchestratorExecutionChecker struct {
	orch *dataflow.Orchestrator
}

func (c orchestratorExecutionChecker) HasRunningExecution(workspaceName string) (bool, error) {
	_, found, err := c.orch.GetIncompleteExecution(workspaceName)
	return found, err
}

// appDirName is the subdirectory under the user's XDG data home where a
// repository lives when no explicit root is given.
const appDirName = "beast"

// DefaultRoot returns the default repository root under the platform's XDG
// data directory, the same resolution turbo's fs.GetTurboDataDir applies to
// its own out-of-repo data directory.
func DefaultRoot() turbopath.AbsolutePath {
	return turbopath.UnsafeToAbsolutePath(xdg.DataHome).Join(appDirName)
}

// Repo is the single in-process entry point over one repository root: every
// layer of spec §2's L0-L3 stack, already wired to each other.
type Repo struct {
	Root turbopath.AbsolutePath

	Objects    *objectstore.Store
	Refs       *refstore.Store
	Tree       *tree.Layer
	Packages   *pkgstore.Store
	Workspaces *workspace.Store
	Cache      *execcache.Cache
	Dataflow   *dataflow.Orchestrator
	GC         *gc.Collector

	Logger hclog.Logger
}

// Init creates a brand-new repository's on-disk layout at root (spec §6
// "lifecycle of an init": the four top-level directories, nothing else).
// Init over a root that is already a repository is not an error:
// refstore.Init is idempotent, so calling it twice is harmless.
func Init(root turbopath.AbsolutePath) error {
	return refstore.Init(root)
}

// Open wires every layer together over root, which must already have been
// through Init. logger may be nil, in which case a null logger is used.
func Open(root turbopath.AbsolutePath, logger hclog.Logger) (*Repo, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	objs, err := objectstore.New(root.Join("objects"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "repo: opening object store")
	}
	refs := refstore.New(root)
	tr := tree.New(objs)
	pkgs := pkgstore.New(objs, refs)
	ws := workspace.New(refs, tr, pkgs)
	cache := execcache.New(refs, lock.ProcessAlive)

	orch := &dataflow.Orchestrator{
		Workspaces: ws,
		Packages:   pkgs,
		Tree:       tr,
		Cache:      cache,
		States:     dataflow.NewFileStore(refs.WorkspaceDir),
		LockPath:   refs.WorkspaceLockPath,
		Logger:     logger.Named("dataflow"),
	}

	ws.SetExecutionChecker(orchestratorExecutionChecker{orch})

	collector := &gc.Collector{
		Objects:    objs,
		Refs:       refs,
		Workspaces: ws,
		Cache:      cache,
	}

	return &Repo{
		Root:       root,
		Objects:    objs,
		Refs:       refs,
		Tree:       tr,
		Packages:   pkgs,
		Workspaces: ws,
		Cache:      cache,
		Dataflow:   orch,
		GC:         collector,
		Logger:     logger,
	}, nil
}

// OpenDefault opens the repository at DefaultRoot, initializing it first if
// it does not already exist.
func OpenDefault(logger hclog.Logger) (*Repo, error) {
	root := DefaultRoot()
	if err := Init(root); err != nil {
		return nil, err
	}
	return Open(root, logger)
}

// AdminLock acquires the exclusive workspace lock for administrative
// operations that touch a workspace outside of a dataflow execution (spec
// §4.3's lock serializes deploy, dataflow, and GC against each other).
func (r *Repo) AdminLock(workspaceName string, kind lock.Kind) (*lock.Handle, error) {
	return lock.Acquire(r.Refs.WorkspaceLockPath(workspaceName), lock.Options{
		Command: string(kind),
		Kind:    kind,
	})
}

// Import registers a package object under name@version, returning its
// content hash (spec §4.4).
func (r *Repo) Import(name, version string, pkg pkgstore.Package) (beast.Hash, error) {
	return r.Packages.Import(name, version, pkg)
}

// Deploy binds workspace name to name@version, holding the workspace lock
// for the duration (spec §4.5). The workspace must already exist via
// r.Workspaces.Create.
func (r *Repo) Deploy(workspaceName, pkgName, pkgVersion string) (workspace.State, error) {
	h, err := r.AdminLock(workspaceName, lock.KindDeploy)
	if err != nil {
		return workspace.State{}, err
	}
	defer h.Release()
	return r.Workspaces.Deploy(workspaceName, pkgName, pkgVersion)
}

// Remove deletes workspaceName's state, holding the workspace lock for the
// duration (spec §4.5); it fails with WorkspaceLocked if a dataflow
// execution is still running.
func (r *Repo) Remove(workspaceName string) error {
	h, err := r.AdminLock(workspaceName, lock.KindAdmin)
	if err != nil {
		return err
	}
	defer h.Release()
	return r.Workspaces.Remove(workspaceName)
}

// StartDataflow begins an execution of workspaceName's current dataset
// (spec §4.7 "start(workspace, opts) -> handle").
func (r *Repo) StartDataflow(workspaceName string, opts dataflow.Opts) (*dataflow.Handle, error) {
	return r.Dataflow.Start(workspaceName, opts)
}

// RunGC runs one garbage collection pass over the whole repository (spec
// §4.8 "repoGc"). The lock here is per-workspace (spec §4.3), so a repo-wide
// sweep can't hold a single lock against every concurrent deploy; the
// minAge grace window in opts is what protects objects written by a
// commit that races the mark phase instead.
func (r *Repo) RunGC(opts gc.Options) (gc.Result, error) {
	return r.GC.Run(opts)
}
