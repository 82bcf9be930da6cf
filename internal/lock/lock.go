// Package lock implements the per-workspace exclusive advisory lock of spec
// §4.3, built directly on github.com/nightlyone/lockfile — the same PID-file
// locking library turbo's internal/daemon and internal/daemon/connector use
// to guarantee a lock is reclaimable once its holding process has died.
//
// nightlyone/lockfile alone only disambiguates "is this PID still running";
// it can't tell PID reuse across a reboot apart from the same process still
// being alive. This package layers a JSON metadata sidecar recording a boot
// ID and process start time on top, per spec §4.3's "cross-host stale
// detection" requirement.
package lock

import (
	"encoding/json"
	"os"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/turbopath"
)

// Kind is recorded for diagnostics only; all kinds compete for the same
// exclusive lock (spec §4.3).
type Kind string

const (
	KindDataflow Kind = "dataflow"
	KindDeploy   Kind = "deploy"
	KindGC       Kind = "gc"
	KindAdmin    Kind = "admin"
)

// Meta is the holder metadata recorded alongside the OS-level lock file.
type Meta struct {
	PID        int       `json:"pid"`
	BootID     string    `json:"bootId"`
	StartTime  int64     `json:"startTime"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Command    string    `json:"command"`
	Kind       Kind      `json:"kind"`
}

// Handle is a held lock; Release drops it and may be called more than once.
type Handle struct {
	lf       lockfile.Lockfile
	metaPath turbopath.AbsolutePath
	Meta     Meta
}

// Options configure Acquire.
type Options struct {
	// Wait, if true, retries acquisition until Timeout elapses instead of
	// failing immediately when the lock is currently held by a live process.
	Wait    bool
	Timeout time.Duration
	Command string
	Kind    Kind
}

const defaultPollInterval = 50 * time.Millisecond

// Acquire takes the exclusive lock at lockPath (conventionally
// workspaces/<name>.lock), reclaiming it automatically if the recorded
// holder is no longer alive or belongs to a previous boot.
func Acquire(lockPath turbopath.AbsolutePath, opts Options) (*Handle, error) {
	if err := lockPath.Dir().MkdirAll(); err != nil {
		return nil, errors.Wrap(err, "lock: creating lock directory")
	}
	lf, err := lockfile.New(lockPath.String())
	if err != nil {
		return nil, errors.Wrap(err, "lock: constructing lockfile")
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		tryErr := lf.TryLock()
		if tryErr == nil {
			meta := Meta{
				PID:        os.Getpid(),
				BootID:     currentBootID(),
				StartTime:  processStartTime(),
				AcquiredAt: time.Now(),
				Command:    opts.Command,
				Kind:       opts.Kind,
			}
			metaPath := metaPathFor(lockPath)
			if err := writeMeta(metaPath, meta); err != nil {
				_ = lf.Unlock()
				return nil, err
			}
			return &Handle{lf: lf, metaPath: metaPath, Meta: meta}, nil
		}

		holder, staleReason := inspectHolder(lockPath)
		if staleReason != "" {
			// The recorded process is gone or from a different boot; break
			// the stale lock and retry immediately (spec §4.3 staleness).
			_ = os.Remove(lockPath.String())
			_ = os.Remove(metaPathFor(lockPath).String())
			continue
		}
		if !opts.Wait || time.Now().After(deadline) {
			return nil, beast.NewWorkspaceLockedError(holder)
		}
		time.Sleep(defaultPollInterval)
	}
}

// Release drops the lock. Idempotent.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	_ = os.Remove(h.metaPath.String())
	if err := h.lf.Unlock(); err != nil {
		// Unlock on an already-removed lockfile is not a caller-visible
		// failure: the lock's purpose (mutual exclusion) has already been
		// satisfied by the time Release runs.
		return nil
	}
	return nil
}

// CurrentProcessIdentity returns this process's PID and boot ID, the same
// pair Acquire records in Meta. Callers outside this package (e.g.
// execcache's "running" records, spec §4.6) use it to stamp records with a
// liveness-checkable identity without duplicating boot-ID detection.
func CurrentProcessIdentity() (pid int, bootID string) {
	return os.Getpid(), currentBootID()
}

// ProcessAlive reports whether pid/bootID still identifies a live process of
// the current boot, the same check inspectHolder applies to a lock holder.
// An empty bootID (platforms without boot-ID support) skips that half of the
// check, matching inspectHolder's behavior.
func ProcessAlive(pid int, bootID string) bool {
	if !processAlive(pid) {
		return false
	}
	if bootID != "" && currentBootID() != "" && bootID != currentBootID() {
		return false
	}
	return true
}

func metaPathFor(lockPath turbopath.AbsolutePath) turbopath.AbsolutePath {
	return turbopath.AbsolutePath(lockPath.String() + ".meta.json")
}

func writeMeta(path turbopath.AbsolutePath, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "lock: marshaling lock metadata")
	}
	if err := path.WriteFile(data, 0644); err != nil {
		return errors.Wrap(err, "lock: writing lock metadata")
	}
	return nil
}

func readMeta(path turbopath.AbsolutePath) (Meta, error) {
	var meta Meta
	data, err := path.ReadFile()
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// inspectHolder reports a human-readable holder description, and a non-empty
// staleReason if the lock is safe to reclaim.
func inspectHolder(lockPath turbopath.AbsolutePath) (holder string, staleReason string) {
	meta, err := readMeta(metaPathFor(lockPath))
	if err != nil {
		// No metadata to disambiguate with; fall back to the OS-level
		// lockfile library's own liveness probe further up the call chain
		// by treating this as held-but-undiagnosable rather than stale.
		return "unknown", ""
	}
	holder = meta.Command
	if !processAlive(meta.PID) {
		return holder, "process not alive"
	}
	if meta.BootID != "" && currentBootID() != "" && meta.BootID != currentBootID() {
		return holder, "different boot"
	}
	return holder, ""
}
