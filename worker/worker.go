// Package worker implements the offline cache and sync worker: a versioned
// response cache in front of the app origin, a background sync runner for
// actions queued while offline, push notification handling and the
// page-to-worker message protocol.
//
// Every platform event maps to one method taking a context and returning a
// typed result: Install, Activate, HandleFetch, HandleSync, HandlePush,
// HandleNotificationClick and HandleMessage. The worker keeps no state between
// events other than what lives in its cache storage and action queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stavanger-twin/swcache/backends"
	"github.com/stavanger-twin/swcache/pkg/metrics"
	"github.com/stavanger-twin/swcache/pkg/queue"
)

// DefaultVersion names the current cache generation. Changing it is the only
// supported way to invalidate every cached response.
const DefaultVersion = "stavanger-twin-v1"

const (
	DefaultOfflineURL      = "/offline"
	DefaultAPIPrefix       = "/api/"
	DefaultVotesEndpoint   = "/api/votes"
	DefaultReportsEndpoint = "/api/reports"
)

// DefaultManifest lists the routes cached eagerly on install.
var DefaultManifest = []string{
	"/",
	"/vote",
	"/dossiers",
	"/simulations",
	"/profile",
	"/transparency",
	"/offline",
	"/manifest.json",
}

// State is a worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed" // waiting
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options configures a Worker. Origin and Storage are required.
type Options struct {
	Version         string
	Origin          *url.URL
	Manifest        []string
	OfflineURL      string
	APIPrefix       string
	VotesEndpoint   string
	ReportsEndpoint string

	Storage  backends.Storage
	Queue    queue.Queue
	Network  Network
	Notifier Notifier
	Clients  *Clients
	Metrics  *metrics.Tracker
	Logger   *slog.Logger

	// Now is used for timestamps; defaults to time.Now.
	Now func() time.Time
}

// Worker is one deployed version of the offline worker.
type Worker struct {
	opts     Options
	manifest map[string]bool
	logger   *slog.Logger
	metrics  *metrics.Tracker
	tracer   trace.Tracer

	mu    sync.Mutex
	state State
	reg   *Registration

	storeMu sync.Mutex
	store   backends.Store

	skipWaiting atomic.Bool

	// pending tracks cache writes that outlive the fetch that started them.
	pending sync.WaitGroup
}

// New creates a worker in the parsed state.
func New(opts Options) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker: absolute origin URL is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker: cache storage is required")
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if err := backends.ValidateStoreName(opts.Version); err != nil {
		return nil, fmt.Errorf("worker: bad version: %w", err)
	}
	if opts.Manifest == nil {
		opts.Manifest = DefaultManifest
	}
	if opts.OfflineURL == "" {
		opts.OfflineURL = DefaultOfflineURL
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = DefaultAPIPrefix
	}
	if opts.VotesEndpoint == "" {
		opts.VotesEndpoint = DefaultVotesEndpoint
	}
	if opts.ReportsEndpoint == "" {
		opts.ReportsEndpoint = DefaultReportsEndpoint
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewMemory()
	}
	if opts.Network == nil {
		opts.Network = NewHTTPNetwork(http.DefaultClient, opts.Origin)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	manifest := make(map[string]bool, len(opts.Manifest))
	for _, p := range opts.Manifest {
		u, err := opts.Origin.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("worker: bad manifest entry %q: %w", p, err)
		}
		manifest[u.Path] = true
	}

	return &Worker{
		opts:     opts,
		manifest: manifest,
		logger:   opts.Logger.With("version", opts.Version),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("github.com/stavanger-twin/swcache/worker"),
		state:    StateParsed,
	}, nil
}

// Version returns the version tag, which is also the cache store name.
func (w *Worker) Version() string { return w.opts.Version }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.logger.Debug("worker state changed", "from", prev, "to", s)
	}
}

// Clients returns the client registry this worker controls.
func (w *Worker) Clients() *Clients { return w.opts.Clients }

// Wait blocks until every background cache write started by HandleFetch has
// finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// cache returns the worker's store, opening it on first use.
func (w *Worker) cache(ctx context.Context) (backends.Store, error) {
	w.storeMu.Lock()
	defer w.storeMu.Unlock()
	if w.store != nil {
		return w.store, nil
	}
	store, err := w.opts.Storage.Open(ctx, w.opts.Version)
	if err != nil {
		return nil, err
	}
	w.store = store
	return store, nil
}

// resolve turns an app path into an absolute URL on the origin.
func (w *Worker) resolve(path string) (*url.URL, error) {
	return w.opts.Origin.Parse(path)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.opts.Origin.Scheme) && strings.EqualFold(u.Host, w.opts.Origin.Host)
}

func (w *Worker) isAPI(u *url.URL) bool {
	return strings.HasPrefix(u.Path, w.opts.APIPrefix)
}
