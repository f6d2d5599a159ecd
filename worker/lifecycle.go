package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stavanger-twin/swcache/pkg/metrics"
)

// ErrNoWaitingWorker is returned when there is no installed worker to activate.
var ErrNoWaitingWorker = errors.New("no waiting worker")

// Install populates the version's cache store with the manifest. Every
// manifest route is fetched before anything is written: if one fetch fails
// or returns a non-2xx status, nothing is stored and an error is returned.
// Installing an already populated version overwrites its entries.
func (w *Worker) Install(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "worker.install",
		trace.WithAttributes(attribute.String("swcache.version", w.opts.Version)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	w.setState(StateInstalling)
	w.logger.Info("installing", "manifest", len(w.opts.Manifest))

	return w.metrics.Time(metrics.OpInstall, func() error {
		type fetched struct {
			req  *Request
			resp *Response
		}
		responses := make([]fetched, 0, len(w.opts.Manifest))
		for _, path := range w.opts.Manifest {
			u, err := w.resolve(path)
			if err != nil {
				return fmt.Errorf("install: bad manifest entry %q: %w", path, err)
			}
			req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header), Mode: ModeSameOrigin}
			resp, err := w.opts.Network.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("install: fetch %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("install: fetch %s: status %d", u, resp.Status)
			}
			responses = append(responses, fetched{req: req, resp: resp})
		}

		store, err := w.cache(ctx)
		if err != nil {
			return fmt.Errorf("install: open store %s: %w", w.opts.Version, err)
		}
		now := w.opts.Now()
		for _, f := range responses {
			if err := store.Put(ctx, f.req.Key(), f.resp.toEntry(f.req, now)); err != nil {
				return fmt.Errorf("install: store %s: %w", f.req.URL, err)
			}
		}

		w.setState(StateInstalled)
		w.logger.Info("installation complete", "cached", len(responses))
		return nil
	})
}

// Activate deletes every cache store whose name is not this worker's
// version, then claims all clients. It returns the names of the deleted
// stores. A failed deletion is logged and reported, but does not stop the
// activation: the worker still becomes active.
func (w *Worker) Activate(ctx context.Context) (deleted []string, err error) {
	ctx, span := w.tracer.Start(ctx, "worker.activate",
		trace.WithAttributes(attribute.String("swcache.version", w.opts.Version)))
	defer span.End()

	w.setState(StateActivating)
	w.logger.Info("activating")
	start := time.Now()
	defer func() { w.metrics.Record(metrics.OpActivate, time.Since(start)) }()

	names, err := w.opts.Storage.Names(ctx)
	if err != nil {
		// Garbage collection is skipped, the worker still takes control.
		w.logger.Error("failed to list cache stores", "error", err)
		span.RecordError(err)
	}

	var errs []error
	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		w.logger.Info("deleting old cache", "store", name)
		if _, derr := w.opts.Storage.Delete(ctx, name); derr != nil {
			w.logger.Error("failed to delete old cache", "store", name, "error", derr)
			errs = append(errs, fmt.Errorf("delete %s: %w", name, derr))
			continue
		}
		deleted = append(deleted, name)
	}

	claimed := w.opts.Clients.Claim(w.opts.Version)
	w.setState(StateActivated)
	w.logger.Info("activation complete", "deleted", len(deleted), "claimed", claimed)
	span.SetAttributes(attribute.Int("swcache.deleted", len(deleted)))

	if err != nil {
		errs = append(errs, fmt.Errorf("list stores: %w", err))
	}
	return deleted, errors.Join(errs...)
}

// SkipWaiting asks for this worker to be activated as soon as it is
// installed, without waiting for the current version's clients to go away.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.skipWaiting.Store(true)
	w.mu.Lock()
	reg := w.reg
	w.mu.Unlock()
	if reg == nil {
		return nil
	}
	err := reg.promote(ctx, w)
	if errors.Is(err, ErrNoWaitingWorker) {
		// Still installing (activated by Register) or already active.
		return nil
	}
	return err
}

// Registration tracks the installing, waiting and active versions of the
// worker. Only one version transition runs at a time.
type Registration struct {
	transition sync.Mutex

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker

	clients *Clients
}

// NewRegistration creates an empty registration over a client registry.
func NewRegistration(clients *Clients) *Registration {
	if clients == nil {
		clients = NewClients()
	}
	return &Registration{clients: clients}
}

// Clients returns the client registry shared by every version.
func (r *Registration) Clients() *Clients { return r.clients }

// Active returns the worker handling fetch events, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Installing returns the worker currently installing, or nil.
func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Register installs w. On failure w becomes redundant and the active worker
// keeps control. On success w waits, and is activated right away when there is
// no active worker, when the active version controls no clients, or when
// w asked to skip waiting.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.transition.Lock()
	defer r.transition.Unlock()

	w.mu.Lock()
	w.reg = r
	w.mu.Unlock()

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		w.setState(StateRedundant)
		w.logger.Error("installation failed", "error", err)
		return err
	}

	r.mu.Lock()
	r.installing = nil
	prev := r.waiting
	r.waiting = w
	activateNow := r.active == nil ||
		w.skipWaiting.Load() ||
		r.clients.Controlled(r.active.Version()) == 0
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	if !activateNow {
		w.logger.Info("waiting for clients of the active version to close")
		return nil
	}
	return r.activateWaiting(ctx)
}

// SkipWaiting activates the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.transition.Lock()
	defer r.transition.Unlock()
	return r.activateWaiting(ctx)
}

// promote activates w if it is the waiting worker.
func (r *Registration) promote(ctx context.Context, w *Worker) error {
	r.transition.Lock()
	defer r.transition.Unlock()
	if r.Waiting() != w {
		return ErrNoWaitingWorker
	}
	return r.activateWaiting(ctx)
}

// ClientClosed removes a client. When the active version no longer controls
// any client, a waiting worker takes over.
func (r *Registration) ClientClosed(ctx context.Context, id string) error {
	r.clients.Remove(id)

	r.transition.Lock()
	defer r.transition.Unlock()
	active, waiting := r.Active(), r.Waiting()
	if waiting == nil || (active != nil && r.clients.Controlled(active.Version()) > 0) {
		return nil
	}
	return r.activateWaiting(ctx)
}

// activateWaiting must be called with r.transition held.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	old := r.active
	r.waiting = nil
	r.mu.Unlock()
	if w == nil {
		return ErrNoWaitingWorker
	}

	_, err := w.Activate(ctx)

	r.mu.Lock()
	r.active = w
	r.mu.Unlock()
	if old != nil && old != w {
		old.setState(StateRedundant)
	}
	if err != nil {
		w.logger.Warn("activated with errors", "error", err)
	}
	return err
}
