// Package objectstore implements the content-addressed blob store (spec
// §4.1). Layout and the write-then-rename atomicity contract are adapted
// from turbo's local filesystem cache (internal/cache.fsCache): a two-level
// hash-prefix directory, blobs placed by staging into a sibling ".partial"
// file and renaming into place so a reader never observes a partial payload.
// Directory traversal for GC's object/partial enumeration is built on
// github.com/karrick/godirwalk, the same walker turbo's internal/fs.WalkMode
// wraps for recursive filesystem operations.
package objectstore

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/turbopath"
)

// blobSuffix is the file extension for committed blobs; in-progress writes
// end in ".partial" (see partialPathFor) so GC can tell them apart from
// committed objects.
const blobSuffix = ".beast2"

// Store is the local filesystem backend for the object store. The storage
// trait this satisfies is described abstractly in spec §4.1 so that a future
// remote backend could implement the same surface; only the local backend is
// specified here.
type Store struct {
	root   turbopath.AbsolutePath
	logger hclog.Logger
}

// New constructs a Store rooted at <repo>/objects.
func New(objectsDir turbopath.AbsolutePath, logger hclog.Logger) (*Store, error) {
	if err := objectsDir.MkdirAll(); err != nil {
		return nil, errors.Wrap(err, "objectstore: creating objects directory")
	}
	return &Store{root: objectsDir, logger: logger.Named("objectstore")}, nil
}

func (s *Store) pathFor(h beast.Hash) turbopath.AbsolutePath {
	return s.root.Join(h.Prefix(), h.Rest()+blobSuffix)
}

func (s *Store) partialPathFor(h beast.Hash) turbopath.AbsolutePath {
	return s.root.Join(h.Prefix(), fmt.Sprintf("%s%s.%d.%d.partial", h.Rest(), blobSuffix, time.Now().UnixNano(), rand.Int63()))
}

// Write stores b and returns its content hash. If an object with the same
// hash already exists, Write returns immediately (content-addressing makes
// re-writing identical content a no-op), satisfying the idempotence property
// P3.
func (s *Store) Write(b []byte) (beast.Hash, error) {
	h := beast.SumBytes(b)
	dest := s.pathFor(h)
	if dest.Exists() {
		return h, nil
	}
	if err := dest.Dir().MkdirAll(); err != nil {
		return h, errors.Wrap(err, "objectstore: creating prefix directory")
	}
	partial := s.partialPathFor(h)
	if err := partial.WriteFile(b, 0644); err != nil {
		return h, errors.Wrap(err, "objectstore: staging partial write")
	}
	if err := partial.Rename(dest); err != nil {
		// A rename failure is tolerated if a concurrent writer already won
		// the race and the destination now exists (spec §4.1 concurrency).
		if dest.Exists() {
			_ = partial.Remove()
			return h, nil
		}
		return h, errors.Wrap(err, "objectstore: committing blob")
	}
	return h, nil
}

// WriteStream consumes r fully, buffering it, then writes it the same way as
// Write. The spec's writeStream is async-bytes; here a Reader fills that
// role since Go has no separate async I/O type.
func (s *Store) WriteStream(r io.Reader) (beast.Hash, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return beast.Hash{}, errors.Wrap(err, "objectstore: reading stream")
	}
	return s.Write(data)
}

// Read returns the bytes stored under h.
func (s *Store) Read(h beast.Hash) ([]byte, error) {
	data, err := s.pathFor(h).ReadFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, beast.NewError(beast.ErrObjectNotFound, "object %s not found", h)
		}
		return nil, errors.Wrapf(err, "objectstore: reading %s", h)
	}
	return data, nil
}

// Exists reports whether h is present in the store.
func (s *Store) Exists(h beast.Hash) bool {
	return s.pathFor(h).Exists()
}

// Stat returns the size in bytes of the blob stored under h.
func (s *Store) Stat(h beast.Hash) (int64, error) {
	info, err := s.pathFor(h).Stat()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, beast.NewError(beast.ErrObjectNotFound, "object %s not found", h)
		}
		return 0, errors.Wrapf(err, "objectstore: stat %s", h)
	}
	return info.Size(), nil
}

// List returns every hash currently committed to the store. GC's sweep uses
// WalkObjects instead so it can stream rather than build one giant slice.
func (s *Store) List() ([]beast.Hash, error) {
	var hashes []beast.Hash
	err := s.WalkObjects(func(h beast.Hash, _ string, _ os.FileInfo) error {
		hashes = append(hashes, h)
		return nil
	})
	return hashes, err
}

// Count returns the number of blobs currently committed to the store.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.WalkObjects(func(beast.Hash, string, os.FileInfo) error {
		n++
		return nil
	})
	return n, err
}

// ObjectVisitor is called once per committed blob found by WalkObjects.
type ObjectVisitor func(h beast.Hash, path string, info os.FileInfo) error

// PartialVisitor is called once per orphaned ".partial" staging file found
// by WalkPartials.
type PartialVisitor func(path string, info os.FileInfo) error

// walk drives a single godirwalk.Walk over the two-level prefix layout,
// handing each regular file's absolute path and dirent to onFile. Grounded
// on turbo's internal/fs.WalkMode, which wraps godirwalk.Walk the same way:
// a Callback that filters out directories and reports errors per-entry
// rather than aborting the whole traversal on one bad entry (spec §8
// corruption handling: tolerate, don't crash GC over one malformed name).
func (s *Store) walk(onFile func(path string, info os.FileInfo) error) error {
	if !s.root.Exists() {
		return nil
	}
	err := godirwalk.Walk(s.root.String(), &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == s.root.String() {
				return nil
			}
			isDir, err := de.IsDirOrSymlinkToDir()
			if err != nil {
				return nil //nolint:nilerr // broken symlink; skip rather than fail the walk
			}
			if isDir {
				return nil
			}
			info, err := os.Lstat(path)
			if err != nil {
				return nil //nolint:nilerr // file vanished between readdir and stat; skip it
			}
			return onFile(path, info)
		},
	})
	if err != nil {
		return errors.Wrap(err, "objectstore: walking objects directory")
	}
	return nil
}

// WalkObjects enumerates every prefix directory and every committed blob
// file within it, in the two-level layout described in spec §6.
func (s *Store) WalkObjects(visit ObjectVisitor) error {
	return s.walk(func(path string, info os.FileInfo) error {
		name := filepath.Base(path)
		if filepath.Ext(name) != blobSuffix {
			return nil
		}
		rest := strings.TrimSuffix(name, blobSuffix)
		prefix := filepath.Base(filepath.Dir(path))
		h, err := beast.ParseHash(prefix + rest)
		if err != nil {
			// Not a well-formed hash filename; ignore rather than fail the
			// whole walk.
			return nil
		}
		return visit(h, path, info)
	})
}

// WalkPartials enumerates orphaned ".partial" staging files across all
// prefix directories, for GC's staging-file reclamation pass.
func (s *Store) WalkPartials(visit PartialVisitor) error {
	return s.walk(func(path string, info os.FileInfo) error {
		if filepath.Ext(path) != ".partial" {
			return nil
		}
		return visit(path, info)
	})
}

// Delete removes the committed blob at h. Used only by GC's sweep phase;
// nothing else in the engine ever deletes a blob (spec §3 lifecycle).
func (s *Store) Delete(h beast.Hash) error {
	return s.pathFor(h).Remove()
}

// DeletePath removes an arbitrary file by its OS path, used by GC to reclaim
// orphaned .partial files discovered via WalkPartials.
func (s *Store) DeletePath(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
