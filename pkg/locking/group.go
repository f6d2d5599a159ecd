package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys. Cache backends use it to serialise writes to a single
// request key and to keep a store from being deleted while it is written.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() error) error
}
