// Package gc implements the garbage collector of spec §4.8: root
// collection over every live reference into the object store, a mark phase
// that decodes each reachable blob to find its children, and a sweep phase
// that deletes everything unreachable and old enough to be safe.
//
// The reachable set is a github.com/deckarep/golang-set/v2 set, the same
// set library turbo's util.Set helpers are modeled on. The sweep walks the
// object store with objectstore.Store.WalkObjects/WalkPartials, which are
// themselves built on github.com/karrick/godirwalk (see internal/objectstore).
// Per-file deletion failures during sweep are aggregated with
// github.com/hashicorp/go-multierror rather than aborting the whole pass on
// the first bad file, the way turbo's own multi-error call sites do.
package gc

import (
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
	"github.com/beastrepo/beast/internal/execcache"
	"github.com/beastrepo/beast/internal/objectstore"
	"github.com/beastrepo/beast/internal/pkgstore"
	"github.com/beastrepo/beast/internal/tree"
	"github.com/beastrepo/beast/internal/workspace"
)

// DefaultMinAge is the grace window protecting in-flight writes whose blobs
// are not yet referenced by any committed root (spec §4.8 "Safety").
const DefaultMinAge = 60 * time.Second

// Objects is the object-store surface GC needs: read for mark, delete for
// sweep, and the two walk entry points for enumeration.
type Objects interface {
	Read(h beast.Hash) ([]byte, error)
	Delete(h beast.Hash) error
	DeletePath(path string) error
	WalkObjects(visit objectstore.ObjectVisitor) error
	WalkPartials(visit objectstore.PartialVisitor) error
}

// Refs is the ref-store surface GC needs for root collection: every
// package's target hash, and every task hash that has execution records.
type Refs interface {
	PackageNames() ([]string, error)
	PackageVersions(name string) ([]string, error)
	PackageResolve(name, version string) (beast.Hash, bool, error)
	ExecutionTaskHashes() ([]string, error)
}

// Collector runs garbage collection over one repository's layers.
type Collector struct {
	Objects    Objects
	Refs       Refs
	Workspaces *workspace.Store
	Cache      *execcache.Cache
}

// Options configures one Run (spec §4.8 "repoGc(repo, {dryRun?, minAge?})").
type Options struct {
	DryRun bool
	MinAge time.Duration
}

// Result is repoGc's return shape (spec §4.8).
type Result struct {
	DeletedObjects  int
	DeletedPartials int
	RetainedObjects int
	SkippedYoung    int
	BytesFreed      int64
}

// Run executes one collect-roots / mark / sweep pass.
func (c *Collector) Run(opts Options) (Result, error) {
	if opts.MinAge <= 0 {
		opts.MinAge = DefaultMinAge
	}
	roots, err := c.collectRoots()
	if err != nil {
		return Result{}, errors.Wrap(err, "gc: collecting roots")
	}
	reachable, err := c.markReachable(roots)
	if err != nil {
		return Result{}, errors.Wrap(err, "gc: marking reachable objects")
	}
	return c.sweep(reachable, opts)
}

// collectRoots unions every package reference's target hash, every
// workspace's rootHash/packageHash, and every successful execution record's
// outputHash (spec §4.8 step 1).
func (c *Collector) collectRoots() ([]beast.Hash, error) {
	var roots []beast.Hash

	names, err := c.Refs.PackageNames()
	if err != nil {
		return nil, errors.Wrap(err, "gc: listing package names")
	}
	for _, name := range names {
		versions, err := c.Refs.PackageVersions(name)
		if err != nil {
			return nil, errors.Wrapf(err, "gc: listing versions of %s", name)
		}
		for _, version := range versions {
			h, found, err := c.Refs.PackageResolve(name, version)
			if err != nil {
				return nil, errors.Wrapf(err, "gc: resolving %s/%s", name, version)
			}
			if found {
				roots = append(roots, h)
			}
		}
	}

	wsNames, err := c.Workspaces.List()
	if err != nil {
		return nil, errors.Wrap(err, "gc: listing workspaces")
	}
	for _, name := range wsNames {
		state, err := c.Workspaces.GetState(name)
		if err != nil {
			return nil, errors.Wrapf(err, "gc: reading workspace %s", name)
		}
		if !state.RootHash.IsZero() {
			roots = append(roots, state.RootHash)
		}
		if !state.PackageHash.IsZero() {
			roots = append(roots, state.PackageHash)
		}
	}

	taskHashes, err := c.Refs.ExecutionTaskHashes()
	if err != nil {
		return nil, errors.Wrap(err, "gc: listing execution task hashes")
	}
	for _, ths := range taskHashes {
		th, err := beast.ParseHash(ths)
		if err != nil {
			continue // malformed directory name; not a real task hash
		}
		inputsHashes, err := c.Cache.ListForTask(beast.TaskHash(th))
		if err != nil {
			return nil, errors.Wrapf(err, "gc: listing inputs hashes for task %s", ths)
		}
		for _, ihs := range inputsHashes {
			ih, err := beast.ParseHash(ihs)
			if err != nil {
				continue
			}
			rec, found, err := c.Cache.Current(beast.TaskHash(th), beast.InputsHash(ih))
			if err != nil {
				return nil, errors.Wrapf(err, "gc: reading execution record for %s/%s", ths, ihs)
			}
			if found && rec.Status.Kind == execcache.StatusSuccess && !rec.Status.OutputHash.IsZero() {
				roots = append(roots, rec.Status.OutputHash)
			}
		}
	}

	return roots, nil
}

// markReachable performs the depth-first mark of spec §4.8 step 2: decode
// each reachable blob by its envelope tag and push the hashes of its
// children. Value leaves are marked reachable without being read (they
// cannot have children). Non-decodable blobs and missing referents are
// tolerated rather than failing the whole pass.
func (c *Collector) markReachable(roots []beast.Hash) (mapset.Set[beast.Hash], error) {
	reachable := mapset.NewThreadUnsafeSet[beast.Hash]()

	var stack []beast.Hash
	for _, h := range roots {
		if !h.IsZero() {
			stack = append(stack, h)
		}
	}

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable.Contains(h) {
			continue
		}
		reachable.Add(h)

		data, err := c.Objects.Read(h)
		if err != nil {
			if beast.Is(err, beast.ErrObjectNotFound) {
				continue // missing referent tolerated
			}
			return nil, err
		}

		env, err := codec.DecodeEnvelope(data)
		if err != nil {
			continue // non-decodable: reachable and childless
		}

		switch env.Tag {
		case codec.TagTree:
			var obj tree.TreeObject
			if err := codec.Decode(data, codec.TagTree, &obj); err != nil {
				continue
			}
			for _, ref := range obj.Fields {
				switch ref.Kind {
				case tree.RefTree:
					if !ref.Hash.IsZero() {
						stack = append(stack, ref.Hash)
					}
				case tree.RefValue:
					reachable.Add(ref.Hash)
				}
			}
		case codec.TagPackage:
			var pkg pkgstore.Package
			if err := codec.Decode(data, codec.TagPackage, &pkg); err != nil {
				continue
			}
			if !pkg.RootTreeHash.IsZero() {
				stack = append(stack, pkg.RootTreeHash)
			}
			for _, th := range pkg.Tasks {
				if !th.IsZero() {
					stack = append(stack, th)
				}
			}
		case codec.TagTask:
			var task pkgstore.Task
			if err := codec.Decode(data, codec.TagTask, &task); err != nil {
				continue
			}
			if !task.CommandIR.IsZero() {
				stack = append(stack, task.CommandIR)
			}
		}
		// TagValue and everything else: leaves, no children.
	}

	return reachable, nil
}

// sweep deletes every unreachable object and orphaned partial older than
// minAge (spec §4.8 steps 3-4). Per-file delete failures are aggregated
// rather than aborting the pass on the first one.
func (c *Collector) sweep(reachable mapset.Set[beast.Hash], opts Options) (Result, error) {
	var result Result
	var multi *multierror.Error
	cutoff := time.Now().Add(-opts.MinAge)

	err := c.Objects.WalkObjects(func(h beast.Hash, path string, info os.FileInfo) error {
		if reachable.Contains(h) {
			result.RetainedObjects++
			return nil
		}
		if info.ModTime().After(cutoff) {
			result.SkippedYoung++
			return nil
		}
		if !opts.DryRun {
			if err := c.Objects.Delete(h); err != nil {
				multi = multierror.Append(multi, errors.Wrapf(err, "gc: deleting object %s", h))
				return nil
			}
		}
		result.DeletedObjects++
		result.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return result, errors.Wrap(err, "gc: sweeping objects")
	}

	err = c.Objects.WalkPartials(func(path string, info os.FileInfo) error {
		if info.ModTime().After(cutoff) {
			return nil
		}
		if !opts.DryRun {
			if err := c.Objects.DeletePath(path); err != nil {
				multi = multierror.Append(multi, errors.Wrapf(err, "gc: deleting partial %s", path))
				return nil
			}
		}
		result.DeletedPartials++
		result.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return result, errors.Wrap(err, "gc: sweeping partials")
	}

	return result, multi.ErrorOrNil()
}
