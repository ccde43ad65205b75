// Package lockfile guards the data directory against concurrent daemons.
// Two processes sharing the same SQLite files would fight over the single
// write connection, so the daemon takes an exclusive lock before opening
// its stores.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const lockName = "nao-agent.lock"

// ErrAlreadyLocked indicates another daemon owns the data directory.
var ErrAlreadyLocked = errors.New("data directory already locked")

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir takes the data-directory lock, creating the directory first if
// needed. The held lock records the owning pid for troubleshooting.
func AcquireDir(dir string) (*Lock, error) {
	if dir == "" {
		return nil, errors.New("lock dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, path)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
