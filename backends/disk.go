package backends

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stavanger-twin/swcache/pkg/locking"
)

// fileFormatVersion prefixes every data file name so that a future change to
// the on-disk layout never reads files written by an older worker.
const fileFormatVersion = "v1-"

const lockDirName = ".locks"

// Disk stores each named cache store as a directory under a root directory.
// Entries are split into a body file and a ".meta" file; both are written to a
// temp file first and renamed into place, so a crash never leaves a partial
// entry visible. Writers on the same root exclude each other through file
// locks, which lets several worker processes share one cache directory.
type Disk struct {
	root   string // Absolute path to the root directory
	locks  locking.Group
	logger *slog.Logger
}

// Lock modes for NewDiskWithLocking.
const (
	LockFile   = "file"   // advisory file locks, safe across processes
	LockMemory = "memory" // in-process locks, for a directory owned by one worker
	LockNone   = "none"   // no locking
)

// NewDisk creates a disk storage rooted at dir, locked with file locks.
func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	return NewDiskWithLocking(dir, LockFile, logger)
}

// NewDiskWithLocking creates a disk storage rooted at dir using the given
// lock mode. An empty mode means LockFile.
func NewDiskWithLocking(dir, mode string, logger *slog.Logger) (*Disk, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization.
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var locks locking.Group
	switch mode {
	case LockFile, "":
		if locks, err = locking.NewFileLock(filepath.Join(absRoot, lockDirName)); err != nil {
			return nil, err
		}
	case LockMemory:
		locks = locking.NewMemLock()
	case LockNone:
		locks = locking.NewNoOpGroup()
	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}

	return &Disk{
		root:   absRoot,
		locks:  locks,
		logger: logger,
	}, nil
}

func (d *Disk) storeDir(name string) string {
	return filepath.Join(d.root, url.PathEscape(name))
}

func (d *Disk) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := d.storeDir(name)

	err := d.locks.DoWithLock(name, func() error {
		// Precreate all 256 subdirectories (00-ff) to avoid syscalls during writes.
		for i := 0; i < 256; i++ {
			subdir := filepath.Join(dir, fmt.Sprintf("%02x", i))
			if err := os.MkdirAll(subdir, 0755); err != nil {
				return fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &diskStore{disk: d, name: name, dir: dir}, nil
}

func (d *Disk) Names(ctx context.Context) ([]string, error) {
	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	var names []string
	for _, de := range dirents {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(de.Name())
		if err != nil {
			d.logger.Warn("skipping unreadable store directory", "dir", de.Name(), "error", err)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Disk) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateStoreName(name); err != nil {
		return false, err
	}
	dir := d.storeDir(name)
	existed := false
	err := d.locks.DoWithLock(name, func() error {
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		existed = true
		return os.RemoveAll(dir)
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete store %q: %w", name, err)
	}
	return existed, nil
}

func (d *Disk) Close() error { return nil }

type diskStore struct {
	disk *Disk
	name string
	dir  string
}

func (s *diskStore) Name() string { return s.name }

// keyToPath converts a request key to a data file path.
// Files are organized into 256 subdirectories (00-ff) based on the first byte
// of the key hash, similar to Go's build cache structure.
func (s *diskStore) keyToPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, hexKey[:2], fileFormatVersion+hexKey)
}

func (s *diskStore) metadataPath(key string) string {
	return s.keyToPath(key) + ".meta"
}

func (s *diskStore) lockKey(key string) string {
	return s.name + "\x00" + key
}

// writeAtomic writes data to a temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *diskStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.disk.locks.DoWithLock(s.lockKey(key), func() error {
		if _, err := os.Stat(s.dir); errors.Is(err, os.ErrNotExist) {
			// Deleted by an activation while this write was in flight.
			return nil
		}
		// Body first: without metadata the body file is never observed.
		if err := writeAtomic(s.keyToPath(key), entry.Body); err != nil {
			return err
		}
		if err := writeAtomic(s.metadataPath(key), encodeMetadata(entry)); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
		return nil
	})
}

func (s *diskStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, err := s.read(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, true, nil
		}
		s.disk.logger.Warn("failed to read cache entry, treating as miss",
			"store", s.name,
			"key", key,
			"error", err,
		)
		return nil, true, nil
	}
	return entry, false, nil
}

func (s *diskStore) read(key string) (*Entry, error) {
	metaData, err := os.ReadFile(s.metadataPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	entry, size, err := decodeMetadata(metaData)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.keyToPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) != size {
		return nil, fmt.Errorf("body size %d does not match metadata size %d", len(body), size)
	}
	entry.Body = body
	return entry, nil
}

func (s *diskStore) Delete(ctx context.Context, key string) (bool, error) {
	existed := false
	err := s.disk.locks.DoWithLock(s.lockKey(key), func() error {
		err := os.Remove(s.metadataPath(key))
		if err == nil {
			existed = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Remove(s.keyToPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	return existed, err
}

// walkMetadata calls fn with the decoded metadata of every entry in the store.
func (s *diskStore) walkMetadata(fn func(*Entry)) error {
	return filepath.WalkDir(s.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		entry, _, err := decodeMetadata(data)
		if err != nil {
			s.disk.logger.Warn("skipping corrupted metadata", "path", path, "error", err)
			return nil
		}
		fn(entry)
		return nil
	})
}

func (s *diskStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.walkMetadata(func(e *Entry) {
		keys = append(keys, Key(e.Method, e.URL))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list store %q: %w", s.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *diskStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.walkMetadata(func(*Entry) { n++ })
	if err != nil {
		return 0, fmt.Errorf("failed to count store %q: %w", s.name, err)
	}
	return n, nil
}

// encodeMetadata formats entry metadata one field per line:
//
//	method:GET
//	url:https://example.org/api/votes
//	status:200
//	size:123
//	time:1700000000
//	header:Content-Type: application/json
func encodeMetadata(e *Entry) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "method:%s\n", e.Method)
	fmt.Fprintf(&buf, "url:%s\n", e.URL)
	fmt.Fprintf(&buf, "status:%d\n", e.Status)
	fmt.Fprintf(&buf, "size:%d\n", len(e.Body))
	fmt.Fprintf(&buf, "time:%d\n", e.StoredAt.Unix())
	names := make([]string, 0, len(e.Header))
	for name := range e.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range e.Header[name] {
			fmt.Fprintf(&buf, "header:%s: %s\n", name, v)
		}
	}
	return buf.Bytes()
}

// decodeMetadata parses the format written by encodeMetadata and returns the
// entry (without body) and the recorded body size.
func decodeMetadata(data []byte) (*Entry, int64, error) {
	entry := &Entry{Header: make(http.Header)}
	var size int64 = -1

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch field {
		case "method":
			entry.Method = value
		case "url":
			entry.URL = value
		case "status":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, 0, fmt.Errorf("bad status %q: %w", value, err)
			}
			entry.Status = n
		case "size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("bad size %q: %w", value, err)
			}
			size = n
		case "time":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("bad time %q: %w", value, err)
			}
			entry.StoredAt = time.Unix(n, 0)
		case "header":
			name, v, _ := strings.Cut(value, ": ")
			entry.Header.Add(name, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	if entry.Method == "" || entry.URL == "" {
		return nil, 0, errors.New("metadata missing method or url field")
	}
	if size < 0 {
		return nil, 0, errors.New("metadata missing size field")
	}
	return entry, size, nil
}
