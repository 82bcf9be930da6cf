// Package pkgstore implements the package layer (spec §2 L1 "Package
// Layer", §3 Package/Task Object): import/export, name@version resolution,
// and the immutable Package/Task Objects a deployed workspace is built
// from. Version strings
// are parsed and compared with github.com/Masterminds/semver/v3, the same
// semver library already in turbo's dependency graph (there used for Node
// engine-version constraints), repurposed here for ordering package
// versions for "latest" resolution.
package pkgstore

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
	"github.com/beastrepo/beast/internal/tree"
)

// Task is the immutable declaration of a pure typed function over the data
// tree (spec §3): an executor-interpretable command IR, its ordered input
// paths, and its single output path.
type Task struct {
	CommandIR beast.Hash
	Inputs    []tree.Path
	Output    tree.Path
}

// Package is the immutable bundle of tasks plus the initial structure and
// root tree a workspace deploys from (spec §3).
type Package struct {
	Tasks        map[string]beast.Hash // task name -> TaskHash
	TaskOrder    []string
	Structure    *tree.Structure
	RootTreeHash beast.Hash
}

// Blobs is the storage surface pkgstore needs.
type Blobs interface {
	Write(b []byte) (beast.Hash, error)
	Read(h beast.Hash) ([]byte, error)
}

// Refs is the ref-store surface pkgstore needs for name@version resolution.
type Refs interface {
	PackageWrite(name, version string, hash beast.Hash) error
	PackageResolve(name, version string) (beast.Hash, bool, error)
	PackageVersions(name string) ([]string, error)
	PackageNames() ([]string, error)
	PackageRemove(name, version string) error
}

// Store is the package layer: import/export and name@version resolution.
type Store struct {
	blobs Blobs
	refs  Refs
}

// New constructs a package Store.
func New(blobs Blobs, refs Refs) *Store {
	return &Store{blobs: blobs, refs: refs}
}

// WriteTask stores a Task Object and returns its TaskHash = hash(serialize
// (TaskObject)) (spec §6 "Task identity").
func (s *Store) WriteTask(t Task) (beast.TaskHash, error) {
	encoded, err := codec.Encode(codec.TagTask, t)
	if err != nil {
		return beast.TaskHash{}, err
	}
	h, err := s.blobs.Write(encoded)
	if err != nil {
		return beast.TaskHash{}, err
	}
	return beast.TaskHash(h), nil
}

// ReadTask reads back a Task Object by its TaskHash.
func (s *Store) ReadTask(h beast.TaskHash) (Task, error) {
	data, err := s.blobs.Read(beast.Hash(h))
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := codec.Decode(data, codec.TagTask, &t); err != nil {
		return Task{}, beast.Wrap(err, beast.ErrExecutionCorrupt, "pkgstore: decoding task %s", h)
	}
	return t, nil
}

// Import stores pkg as a blob and publishes the name@version reference to
// point at it. Import is idempotent: re-importing identical content under
// the same name@version is a no-op observable effect; importing different
// content under an already-used name@version is rejected (spec §3
// lifecycle: "overwritten only to the same hash").
func (s *Store) Import(name, version string, pkg Package) (beast.Hash, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return beast.Hash{}, beast.Wrap(err, beast.ErrPackageInvalid, "invalid version %q", version)
	}
	encoded, err := codec.Encode(codec.TagPackage, pkg)
	if err != nil {
		return beast.Hash{}, err
	}
	h, err := s.blobs.Write(encoded)
	if err != nil {
		return beast.Hash{}, err
	}
	existing, found, err := s.refs.PackageResolve(name, version)
	if err != nil {
		return beast.Hash{}, err
	}
	if found && existing != h {
		return beast.Hash{}, beast.NewError(beast.ErrPackageExists,
			"%s/%s already refers to a different package", name, version)
	}
	if err := s.refs.PackageWrite(name, version, h); err != nil {
		return beast.Hash{}, err
	}
	return h, nil
}

// Resolve returns the Package Object for name@version.
func (s *Store) Resolve(name, version string) (Package, beast.Hash, error) {
	h, found, err := s.refs.PackageResolve(name, version)
	if err != nil {
		return Package{}, beast.Hash{}, err
	}
	if !found {
		return Package{}, beast.Hash{}, beast.NewError(beast.ErrPackageNotFound, "%s/%s not found", name, version)
	}
	pkg, err := s.ReadPackage(h)
	return pkg, h, err
}

// ReadPackage reads a Package Object by its own hash.
func (s *Store) ReadPackage(h beast.Hash) (Package, error) {
	data, err := s.blobs.Read(h)
	if err != nil {
		return Package{}, err
	}
	var pkg Package
	if err := codec.Decode(data, codec.TagPackage, &pkg); err != nil {
		return Package{}, beast.Wrap(err, beast.ErrExecutionCorrupt, "pkgstore: decoding package %s", h)
	}
	return pkg, nil
}

// Latest resolves name to its highest semver version currently imported.
func (s *Store) Latest(name string) (Package, beast.Hash, string, error) {
	versions, err := s.refs.PackageVersions(name)
	if err != nil {
		return Package{}, beast.Hash{}, "", err
	}
	if len(versions) == 0 {
		return Package{}, beast.Hash{}, "", beast.NewError(beast.ErrPackageNotFound, "no versions of %s imported", name)
	}
	parsed := make([]*semver.Version, 0, len(versions))
	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue // tolerate a malformed version directory; don't fail the whole lookup
		}
		parsed = append(parsed, sv)
	}
	if len(parsed) == 0 {
		return Package{}, beast.Hash{}, "", beast.NewError(beast.ErrPackageInvalid, "no parseable versions of %s", name)
	}
	sort.Sort(sort.Reverse(semverCollection(parsed)))
	best := parsed[0].Original()
	pkg, h, err := s.Resolve(name, best)
	return pkg, h, best, err
}

// Remove deletes the name@version reference (spec §3 lifecycle).
func (s *Store) Remove(name, version string) error {
	return s.refs.PackageRemove(name, version)
}

type semverCollection []*semver.Version

func (c semverCollection) Len() int           { return len(c) }
func (c semverCollection) Less(i, j int) bool { return c[i].LessThan(c[j]) }
func (c semverCollection) Swap(i, j int)       { c[i], c[j] = c[j], c[i] }
