package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stavanger-twin/swcache/pkg/metrics"
	"github.com/stavanger-twin/swcache/pkg/queue"
	"github.com/stavanger-twin/swcache/worker"
)

var errNoActiveWorker = errors.New("no active worker")

// Controller routes platform events to the right worker version. Both
// control surfaces (HTTP and stdio) go through it.
type Controller struct {
	base        worker.Options
	reg         *worker.Registration
	skipWaiting bool
	logger      *slog.Logger

	mu      sync.Mutex
	workers []*worker.Worker

	closeOnce sync.Once
	closeErr  error
}

// NewController creates a controller that builds workers from base. Each
// installed version gets a copy of base with its own Version.
func NewController(base worker.Options, skipWaiting bool) *Controller {
	if base.Clients == nil {
		base.Clients = worker.NewClients()
	}
	if base.Logger == nil {
		base.Logger = slog.Default()
	}
	if base.Metrics == nil {
		base.Metrics = metrics.NewTracker(0.01)
	}
	// Versions share one queue and one network.
	if base.Queue == nil {
		base.Queue = queue.NewMemory()
	}
	if base.Network == nil && base.Origin != nil {
		base.Network = worker.NewHTTPNetwork(nil, base.Origin)
	}
	return &Controller{
		base:        base,
		reg:         worker.NewRegistration(base.Clients),
		skipWaiting: skipWaiting,
		logger:      base.Logger,
	}
}

// Install registers a new worker for version (the configured version when
// empty). The returned worker is non-nil whenever it was created, even if
// installation failed.
func (c *Controller) Install(ctx context.Context, version string) (*worker.Worker, error) {
	opts := c.base
	if version != "" {
		opts.Version = version
	}
	w, err := worker.New(opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()

	if c.skipWaiting {
		if err := w.SkipWaiting(ctx); err != nil {
			return w, err
		}
	}
	if err := c.reg.Register(ctx, w); err != nil {
		return w, fmt.Errorf("register %s: %w", w.Version(), err)
	}
	return w, nil
}

// Activate activates the waiting worker.
func (c *Controller) Activate(ctx context.Context) (*worker.Worker, error) {
	err := c.reg.SkipWaiting(ctx)
	if errors.Is(err, worker.ErrNoWaitingWorker) {
		return nil, err
	}
	return c.reg.Active(), err
}

// Active returns the active worker.
func (c *Controller) Active() (*worker.Worker, error) {
	w := c.reg.Active()
	if w == nil {
		return nil, errNoActiveWorker
	}
	return w, nil
}

// Registration exposes the version registry.
func (c *Controller) Registration() *worker.Registration { return c.reg }

// Fetch handles a fetch event. Without an active worker nothing controls the
// request and it goes to the network.
func (c *Controller) Fetch(ctx context.Context, req *worker.Request, clientID string) (*worker.Response, error) {
	w := c.reg.Active()
	if w == nil {
		resp, err := c.base.Network.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Source = worker.SourcePassthrough
		return resp, nil
	}
	if clientID != "" {
		c.base.Clients.Attach(clientID, req.URL.String(), w.Version())
	}
	return w.HandleFetch(ctx, req)
}

// Message delivers a page message to the active worker, or to the waiting one
// when target is "waiting".
func (c *Controller) Message(ctx context.Context, msg worker.Message, target string, port worker.Port) error {
	var w *worker.Worker
	switch target {
	case "", "active":
		w = c.reg.Active()
		if w == nil {
			return errNoActiveWorker
		}
	case "waiting":
		w = c.reg.Waiting()
		if w == nil {
			return worker.ErrNoWaitingWorker
		}
	default:
		return fmt.Errorf("unknown message target %q", target)
	}
	return w.HandleMessage(ctx, msg, port)
}

// Sync runs a background sync for tag on the active worker.
func (c *Controller) Sync(ctx context.Context, tag string) (worker.SyncResult, error) {
	w, err := c.Active()
	if err != nil {
		return worker.SyncResult{Tag: tag}, err
	}
	return w.HandleSync(ctx, tag)
}

// Enqueue queues an offline action of the named kind.
func (c *Controller) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (queue.Action, error) {
	k, err := queue.ParseKind(kind)
	if err != nil {
		return queue.Action{}, err
	}
	w, err := c.Active()
	if err != nil {
		return queue.Action{}, err
	}
	return w.Enqueue(ctx, k, payload)
}

// Push shows a notification for a push message.
func (c *Controller) Push(ctx context.Context, data []byte) (worker.Notification, error) {
	w, err := c.Active()
	if err != nil {
		return worker.Notification{}, err
	}
	return w.HandlePush(ctx, data)
}

// NotificationClick handles a click on a notification or one of its actions.
func (c *Controller) NotificationClick(ctx context.Context, id, action string) (*worker.Client, error) {
	w, err := c.Active()
	if err != nil {
		return nil, err
	}
	return w.HandleNotificationClick(ctx, id, action)
}

// ClientClosed forgets a client, which may let a waiting version take over.
func (c *Controller) ClientClosed(ctx context.Context, id string) error {
	return c.reg.ClientClosed(ctx, id)
}

// Clients lists the known clients.
func (c *Controller) Clients() []worker.Client {
	return c.base.Clients.List()
}

// Stats returns the metrics collected so far.
func (c *Controller) Stats() metrics.Snapshot {
	return c.base.Metrics.Snapshot()
}

// Close waits for in-flight cache writes, then closes the cache storage and
// the action queue. It is safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		workers := c.workers
		c.mu.Unlock()
		for _, w := range workers {
			w.Wait()
		}

		var errs []error
		if err := c.base.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		if c.base.Queue != nil {
			if err := c.base.Queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue: %w", err))
			}
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("worker closed")
	})
	return c.closeErr
}
