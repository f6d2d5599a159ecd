package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation backed by advisory file locks, so that
// several worker processes sharing one disk cache directory exclude each other.
// Lock files live in dir and are named after a hash of the key. Within a single
// process an embedded MemLock keeps goroutines from racing on the same file.
type FileLock struct {
	dir string
	mem *MemLock
}

// NewFileLock creates a FileLock storing its lock files under dir.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{dir: dir, mem: NewMemLock()}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() error) error {
	return f.mem.DoWithLock(key, func() error {
		fl := flock.New(f.lockPath(key))
		if err := fl.Lock(); err != nil {
			return fmt.Errorf("failed to acquire file lock for %q: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}

func (f *FileLock) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".lock")
}
