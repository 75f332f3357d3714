// Package filelock implements cross-process advisory locking and atomic
// file writes. It is the foundation component (A) that the state registry
// (internal/runnerstate) and thread registry (internal/threadreg) serialize
// their reads/writes through.
//
// Grounded on original_source/core/locks.py (LockInfo, FileLock, file_lock,
// read_lock_info/write_lock_info) and the teacher's workspace package's
// write-temp-then-rename idiom (pkg/workspace/tempclone.go AtomicReplace).
package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lucky401/carrunner/pkg/errkind"
)

// Info is the JSON payload written into a lock file: who holds it.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
}

// Lock is a single advisory file lock scoped to lockPath, a path distinct
// from any data file it guards.
type Lock struct {
	lockPath string
	file     *os.File
}

// New returns a Lock bound to lockPath. The lock file is created lazily on
// Acquire.
func New(lockPath string) *Lock {
	return &Lock{lockPath: lockPath}
}

// Acquire takes the lock. If blocking is false and the lock is already held
// by another process, Acquire returns an *errkind.Error with Kind Busy.
// Any other OS failure is returned with Kind Fatal.
func (l *Lock) Acquire(blocking bool) error {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return errkind.Wrap(errkind.Fatal, "create lock directory", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "open lock file", err)
	}

	flags := syscall.LOCK_EX
	if !blocking {
		flags |= syscall.LOCK_NB
	}

	if err := syscall.Flock(int(f.Fd()), flags); err != nil {
		f.Close()
		if !blocking && err == syscall.EWOULDBLOCK {
			return errkind.Wrap(errkind.Busy, fmt.Sprintf("lock %s held by another process", l.lockPath), err)
		}
		return errkind.Wrap(errkind.Fatal, "flock", err)
	}

	l.file = f

	info := Info{PID: os.Getpid(), StartedAt: time.Now().UTC(), Host: hostname()}
	payload, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.Seek(0, 0)
		_, _ = f.Write(payload)
	}

	return nil
}

// Release drops the lock and closes the underlying file handle. It is safe
// to call on a Lock that was never successfully acquired.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "unlock", err)
	}
	if closeErr != nil {
		return errkind.Wrap(errkind.Fatal, "close lock file", closeErr)
	}
	return nil
}

// WithLock acquires the lock (blocking per the argument), runs fn, and
// releases the lock unconditionally afterward.
func WithLock(lockPath string, blocking bool, fn func() error) error {
	l := New(lockPath)
	if err := l.Acquire(blocking); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// ReadInfo reads and parses a lock file's Info payload without taking the
// lock. It tolerates the legacy bare-PID text format used by older lock
// files, reporting a zero StartedAt/Host in that case.
func ReadInfo(lockPath string) (Info, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(data), "%d", &pid); scanErr == nil {
			return Info{PID: pid}, nil
		}
		return Info{}, errkind.Wrap(errkind.Validation, "malformed lock file", err)
	}
	return info, nil
}

// ProcessAlive reports whether pid refers to a live process on this host.
// It follows the Unix convention of signal 0: sending it performs only
// existence/permission checks, no actual signal delivery.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// AtomicWrite writes data to a temp file beside path and renames it over
// path, so any reader always observes either the previous or the new
// contents, never a partial write.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errkind.Wrap(errkind.Fatal, "create parent directory", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "create temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.Fatal, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.Fatal, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.Fatal, "close temp file", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.Fatal, "chmod temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errkind.Wrap(errkind.Fatal, "rename temp file into place", err)
	}
	return nil
}

// StateLock is the canonical gate for the state registry (B) and thread
// registry (C): a lock keyed by a data path rather than an explicit
// separate lock file, conventionally path+".lock".
type StateLock struct {
	*Lock
}

// NewStateLock returns a StateLock guarding dataPath via dataPath+".lock".
func NewStateLock(dataPath string) *StateLock {
	return &StateLock{Lock: New(dataPath + ".lock")}
}
