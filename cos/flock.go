package cos

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileLock is an exclusive OS-level flock held on a sidecar file, the
// cheapest correct gate against a second writer opening the same archive
// (spec §5 "Single-writer invariant").
type FileLock struct {
	f *os.File
}

// LockExclusive opens (creating if needed) path and takes a non-blocking
// exclusive flock on it. It fails fast if another process already holds it.
func LockExclusive(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "archive %s is already open for writing by another process", path)
	}
	return &FileLock{f: f}, nil
}

func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
