// Package turbopath provides typed wrappers around filesystem paths so that
// absolute and relative paths can't be mixed up by accident. Adapted from the
// AbsolutePath idiom used throughout vercel/turbo's internal/fs package.
package turbopath

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DirPermissions are the default permissions used when creating directories
// under the repository root.
const DirPermissions = os.FileMode(0775)

// AbsolutePath represents an absolute path on the local filesystem. Values of
// this type are produced via CheckedToAbsolutePath, Join, or (for paths
// already known to be absolute) UnsafeToAbsolutePath, so callers can't
// accidentally treat a relative path as absolute.
type AbsolutePath string

// CheckedToAbsolutePath validates that s is an absolute path.
func CheckedToAbsolutePath(s string) (AbsolutePath, error) {
	if !filepath.IsAbs(s) {
		return "", errors.Errorf("%v is not an absolute path", s)
	}
	return AbsolutePath(filepath.Clean(s)), nil
}

// UnsafeToAbsolutePath wraps s as an AbsolutePath without validation. Only
// use this when s is already known to be absolute (e.g. filepath.Abs output).
func UnsafeToAbsolutePath(s string) AbsolutePath {
	return AbsolutePath(s)
}

func (ap AbsolutePath) String() string {
	return string(ap)
}

// Join appends path segments and returns the resulting AbsolutePath.
func (ap AbsolutePath) Join(segments ...string) AbsolutePath {
	return AbsolutePath(filepath.Join(append([]string{string(ap)}, segments...)...))
}

// Dir returns the parent directory.
func (ap AbsolutePath) Dir() AbsolutePath {
	return AbsolutePath(filepath.Dir(string(ap)))
}

// MkdirAll creates ap and all missing parents.
func (ap AbsolutePath) MkdirAll() error {
	return os.MkdirAll(string(ap), DirPermissions)
}

// Exists reports whether ap exists, following symlinks.
func (ap AbsolutePath) Exists() bool {
	_, err := os.Stat(string(ap))
	return err == nil
}

// ReadFile reads the full contents of the file at ap.
func (ap AbsolutePath) ReadFile() ([]byte, error) {
	return os.ReadFile(string(ap))
}

// WriteFile writes contents to ap with the given mode, overwriting any
// existing file. Not atomic by itself; callers needing atomicity should write
// to a sibling temp path and Rename.
func (ap AbsolutePath) WriteFile(contents []byte, mode os.FileMode) error {
	return os.WriteFile(string(ap), contents, mode)
}

// Remove removes the file or empty directory at ap. Absence is not an error.
func (ap AbsolutePath) Remove() error {
	err := os.Remove(string(ap))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename performs an atomic same-filesystem rename from ap to dest.
func (ap AbsolutePath) Rename(dest AbsolutePath) error {
	return os.Rename(string(ap), string(dest))
}

// Stat stats the file at ap.
func (ap AbsolutePath) Stat() (os.FileInfo, error) {
	return os.Stat(string(ap))
}
