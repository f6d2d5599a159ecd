package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stavanger-twin/swcache/pkg/metrics"
)

const offlineMessage = "This content is not available offline. Please check your connection."

// offlineBody is the JSON body of the synthetic 503 response.
type offlineBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Intercepts reports whether HandleFetch applies to req: same-origin GETs,
// and cross-origin GETs under the API prefix. Anything else goes to the
// network untouched.
func (w *Worker) Intercepts(req *Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return w.sameOrigin(req.URL) || w.isAPI(req.URL)
}

// HandleFetch answers an intercepted request, cache first:
//
//  1. a stored response for the exact method and URL is returned as is;
//  2. otherwise the network is asked. A 200 basic response for a manifest
//     route or an API path is written to the cache in the background and
//     returned;
//  3. if the network fails, navigations get the cached offline page, API
//     requests get a second cache lookup, and everything else (including
//     misses of those two) gets a synthetic 503 JSON response.
//
// HandleFetch always returns a response; the error result is reserved for
// requests it does not intercept.
func (w *Worker) HandleFetch(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := w.tracer.Start(ctx, "worker.fetch",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		))
	defer span.End()

	if !w.Intercepts(req) {
		resp, err := w.opts.Network.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		w.metrics.Inc(metrics.CounterPassthrough)
		resp.Source = SourcePassthrough
		return resp, nil
	}

	start := time.Now()
	if resp := w.match(ctx, req.Key()); resp != nil {
		w.logger.Debug("serving from cache", "url", req.URL.String())
		w.metrics.Inc(metrics.CounterHit)
		w.metrics.Record(metrics.OpFetchCache, time.Since(start))
		span.SetAttributes(attribute.String("swcache.source", string(SourceCache)))
		return resp, nil
	}
	w.metrics.Inc(metrics.CounterMiss)

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		w.logger.Info("network request failed", "url", req.URL.String(), "error", err)
		span.RecordError(err)
		resp = w.offline(ctx, req)
		w.metrics.Record(metrics.OpFetchOffline, time.Since(start))
		span.SetAttributes(attribute.String("swcache.source", string(resp.Source)))
		return resp, nil
	}
	w.metrics.Record(metrics.OpFetchNetwork, time.Since(start))
	span.SetAttributes(attribute.String("swcache.source", string(SourceNetwork)))

	if resp.Status != http.StatusOK || resp.Type != TypeBasic || resp.Redirected {
		return resp, nil
	}
	if w.isAPI(req.URL) || w.manifest[req.URL.Path] {
		w.storeInBackground(ctx, req, resp.Clone())
	}
	return resp, nil
}

// match looks key up in the worker's store. Storage errors count as misses.
func (w *Worker) match(ctx context.Context, key string) *Response {
	store, err := w.cache(ctx)
	if err != nil {
		w.logger.Warn("cache unavailable", "error", err)
		return nil
	}
	entry, miss, err := store.Match(ctx, key)
	if err != nil {
		w.logger.Warn("cache lookup failed", "key", key, "error", err)
		return nil
	}
	if miss {
		return nil
	}
	return responseFromEntry(entry, SourceCache)
}

// storeInBackground writes resp to the cache without holding up the caller.
// The write is not cancelled when the request is: it only decides whether
// the next identical request is a hit.
func (w *Worker) storeInBackground(ctx context.Context, req *Request, resp *Response) {
	ctx = context.WithoutCancel(ctx)
	entry := resp.toEntry(req, w.opts.Now())
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		err := w.metrics.Time(metrics.OpCachePut, func() error {
			store, err := w.cache(ctx)
			if err != nil {
				return err
			}
			return store.Put(ctx, req.Key(), entry)
		})
		if err != nil {
			w.logger.Warn("failed to cache response", "url", req.URL.String(), "error", err)
			return
		}
		w.metrics.Inc(metrics.CounterStored)
		w.logger.Debug("cached response", "url", req.URL.String())
	}()
}

// offline builds the response for a request whose network fetch failed.
func (w *Worker) offline(ctx context.Context, req *Request) *Response {
	if req.IsNavigation() {
		if u, err := w.resolve(w.opts.OfflineURL); err == nil {
			if resp := w.match(ctx, (&Request{Method: http.MethodGet, URL: u}).Key()); resp != nil {
				w.metrics.Inc(metrics.CounterOfflinePage)
				resp.Source = SourceOfflinePage
				return resp
			}
		}
		w.logger.Warn("offline page is not cached", "offline_url", w.opts.OfflineURL)
	} else if w.isAPI(req.URL) {
		if resp := w.match(ctx, req.Key()); resp != nil {
			w.metrics.Inc(metrics.CounterAPIRecheck)
			return resp
		}
	}
	w.metrics.Inc(metrics.CounterSynthetic)
	return w.syntheticOffline()
}

func (w *Worker) syntheticOffline() *Response {
	body, _ := json.Marshal(offlineBody{
		Error:     "Offline",
		Message:   offlineMessage,
		Timestamp: w.opts.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
		Type:   TypeDefault,
		Source: SourceSynthetic,
	}
}
