package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidStoreName is returned for names that cannot serve as a single
// directory or key-prefix segment.
var ErrInvalidStoreName = errors.New("invalid store name")

// ValidateStoreName rejects empty names, names starting with a dot and names
// containing a path separator.
func ValidateStoreName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// Storage is the set of named cache stores the worker can see. One store
// exists per deployed worker version; the worker opens the store named by its
// version and garbage-collects every other name on activation.
// Implementations can be swapped to use different storage mechanisms.
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)

	// Names lists the names of all existing stores, sorted.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a store and every entry in it.
	// Reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// Store maps request keys (see Key) to stored responses.
// Reads and writes are atomic at the single-key level.
type Store interface {
	// Name returns the store name.
	Name() string

	// Match looks up a stored response.
	// miss is true when nothing is stored under key; a corrupted entry
	// is reported as a miss, never as an error.
	Match(ctx context.Context, key string) (entry *Entry, miss bool, err error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry under key. Reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists all keys in the store, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of entries in the store.
	Len(ctx context.Context) (int, error)
}

// Entry is a snapshot of an HTTP response as it was stored.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key returns the store key for a request: method and full URL, query included.
// Two URLs that differ only in query parameter order are different keys.
func Key(method, url string) string {
	return method + " " + url
}

// Clone returns a deep copy of the entry, so that callers can hand out
// stored responses without sharing header maps or body slices.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}
