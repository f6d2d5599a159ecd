package backends

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Debug wraps any Storage and adds debug logging of every call.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	storage Storage
	out     io.Writer
}

// NewDebug creates a new debug wrapper around an existing storage.
// A nil out writes to stderr.
func NewDebug(storage Storage, out io.Writer) *Debug {
	if out == nil {
		out = os.Stderr
	}
	return &Debug{
		storage: storage,
		out:     out,
	}
}

func (d *Debug) logf(format string, args ...any) {
	fmt.Fprintf(d.out, "[DEBUG] "+format+"\n", args...)
}

// Open opens a store and wraps it so that entry operations are logged too.
func (d *Debug) Open(ctx context.Context, name string) (Store, error) {
	d.logf("Open: store=%s", name)

	store, err := d.storage.Open(ctx, name)
	if err != nil {
		d.logf("Open: ERROR: %v", err)
		return nil, err
	}
	return &debugStore{store: store, d: d}, nil
}

// Names lists stores with debug logging.
func (d *Debug) Names(ctx context.Context) ([]string, error) {
	names, err := d.storage.Names(ctx)
	if err != nil {
		d.logf("Names: ERROR: %v", err)
		return nil, err
	}
	d.logf("Names: %v", names)
	return names, nil
}

// Delete removes a store with debug logging.
func (d *Debug) Delete(ctx context.Context, name string) (bool, error) {
	d.logf("Delete: store=%s", name)

	existed, err := d.storage.Delete(ctx, name)
	if err != nil {
		d.logf("Delete: ERROR: %v", err)
		return existed, err
	}

	d.logf("Delete: store=%s existed=%t", name, existed)
	return existed, nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logf("Close: closing storage")

	err := d.storage.Close()
	if err != nil {
		d.logf("Close: ERROR: %v", err)
	}
	return err
}

type debugStore struct {
	store Store
	d     *Debug
}

func (s *debugStore) Name() string { return s.store.Name() }

func (s *debugStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	s.d.logf("Match: store=%s key=%s", s.store.Name(), key)

	entry, miss, err := s.store.Match(ctx, key)
	switch {
	case err != nil:
		s.d.logf("Match: ERROR: %v", err)
	case miss:
		s.d.logf("Match: MISS")
	default:
		s.d.logf("Match: HIT status=%d size=%d", entry.Status, len(entry.Body))
	}
	return entry, miss, err
}

func (s *debugStore) Put(ctx context.Context, key string, entry *Entry) error {
	s.d.logf("Put: store=%s key=%s status=%d size=%d", s.store.Name(), key, entry.Status, len(entry.Body))

	err := s.store.Put(ctx, key, entry)
	if err != nil {
		s.d.logf("Put: ERROR: %v", err)
	}
	return err
}

func (s *debugStore) Delete(ctx context.Context, key string) (bool, error) {
	s.d.logf("Delete: store=%s key=%s", s.store.Name(), key)
	return s.store.Delete(ctx, key)
}

func (s *debugStore) Keys(ctx context.Context) ([]string, error) {
	return s.store.Keys(ctx)
}

func (s *debugStore) Len(ctx context.Context) (int, error) {
	return s.store.Len(ctx)
}
