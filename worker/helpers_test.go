package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stavanger-twin/swcache/backends"
	"github.com/stavanger-twin/swcache/pkg/metrics"
	"github.com/stavanger-twin/swcache/pkg/queue"
)

const testOrigin = "https://twin.example"

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork serves canned responses and counts calls.
type fakeNetwork struct {
	mu       sync.Mutex
	routes   map[string]*Response
	handler  func(req *Request) (*Response, error)
	offline  bool
	calls    int
	requests []*Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: make(map[string]*Response)}
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.offline {
		return nil, errOffline
	}
	if f.handler != nil {
		return f.handler(req)
	}
	if r, ok := f.routes[req.Key()]; ok {
		c := r.Clone()
		if c.URL == "" {
			c.URL = req.URL.String()
		}
		return c, nil
	}
	return &Response{Status: http.StatusNotFound, Type: TypeBasic, Source: SourceNetwork, URL: req.URL.String()}, nil
}

func (f *fakeNetwork) set(path string, resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[backends.Key(http.MethodGet, testOrigin+path)] = resp
}

func (f *fakeNetwork) setURL(rawURL string, resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[backends.Key(http.MethodGet, rawURL)] = resp
}

func (f *fakeNetwork) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func page(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte(body),
		Type:   TypeBasic,
		Source: SourceNetwork,
	}
}

func jsonResp(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
		Type:   TypeBasic,
		Source: SourceNetwork,
	}
}

// serveManifest makes every default manifest route answer 200.
func serveManifest(n *fakeNetwork) {
	for _, p := range DefaultManifest {
		n.set(p, page("<html>"+p+"</html>"))
	}
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	storage backends.Storage
	net     *fakeNetwork
	queue   *queue.Memory
	clients *Clients
	metrics *metrics.Tracker
	now     time.Time
}

func newTestEnv() *testEnv {
	return &testEnv{
		storage: backends.NewMemory(),
		net:     newFakeNetwork(),
		queue:   queue.NewMemory(),
		clients: NewClients(),
		metrics: metrics.NewTracker(0.01),
		now:     time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC),
	}
}

func (e *testEnv) worker(t *testing.T, version string) *Worker {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	w, err := New(Options{
		Version:  version,
		Origin:   origin,
		Storage:  e.storage,
		Queue:    e.queue,
		Network:  e.net,
		Clients:  e.clients,
		Metrics:  e.metrics,
		Logger:   discard,
		Notifier: &recordingNotifier{},
		Now:      func() time.Time { return e.now },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func (e *testEnv) store(t *testing.T, name string) backends.Store {
	t.Helper()
	s, err := e.storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func mustRequest(t *testing.T, method, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
}

func (r *recordingNotifier) Show(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}
