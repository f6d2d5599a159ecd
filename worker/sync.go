package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stavanger-twin/swcache/pkg/metrics"
	"github.com/stavanger-twin/swcache/pkg/queue"
)

// Sync tags registered by the page when an action is submitted offline.
const (
	SyncTagVotes   = "vote-sync"
	SyncTagReports = "report-sync"
)

// ErrUnknownSyncTag is returned by HandleSync for tags it has no queue for.
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// SyncResult summarises one sync pass.
type SyncResult struct {
	Tag       string `json:"tag"`
	Attempted int    `json:"attempted"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
}

// syncTarget maps a tag to the queue kind and endpoint it replays.
func (w *Worker) syncTarget(tag string) (queue.Kind, string, bool) {
	switch tag {
	case SyncTagVotes:
		return queue.KindVote, w.opts.VotesEndpoint, true
	case SyncTagReports:
		return queue.KindReport, w.opts.ReportsEndpoint, true
	default:
		return "", "", false
	}
}

// Enqueue queues an action to be replayed by the next sync for its kind.
func (w *Worker) Enqueue(ctx context.Context, kind queue.Kind, payload json.RawMessage) (queue.Action, error) {
	a, err := w.opts.Queue.Enqueue(ctx, queue.Action{Kind: kind, Payload: payload})
	if err != nil {
		return queue.Action{}, err
	}
	w.logger.Info("queued offline action", "kind", kind, "id", a.ID)
	return a, nil
}

// HandleSync makes one pass over every queued action for tag, POSTing each to
// its endpoint. Actions confirmed with a 2xx status are removed; any other
// outcome leaves the action queued for the next sync. A failed item never
// stops the pass.
func (w *Worker) HandleSync(ctx context.Context, tag string) (SyncResult, error) {
	ctx, span := w.tracer.Start(ctx, "worker.sync",
		trace.WithAttributes(attribute.String("swcache.sync_tag", tag)))
	defer span.End()

	result := SyncResult{Tag: tag}
	w.logger.Info("background sync triggered", "tag", tag)

	kind, endpoint, ok := w.syncTarget(tag)
	if !ok {
		w.logger.Warn("ignoring unknown sync tag", "tag", tag)
		return result, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	target, err := w.resolve(endpoint)
	if err != nil {
		return result, fmt.Errorf("sync %s: bad endpoint %q: %w", tag, endpoint, err)
	}

	actions, err := w.opts.Queue.Drain(ctx, kind)
	if err != nil {
		w.logger.Error("sync failed", "tag", tag, "error", err)
		span.RecordError(err)
		return result, fmt.Errorf("sync %s: %w", tag, err)
	}

	for _, a := range actions {
		result.Attempted++
		start := time.Now()
		err := w.syncOne(ctx, a, target.String())
		w.metrics.Record(metrics.OpSyncItem, time.Since(start))
		if err != nil {
			result.Failed++
			w.metrics.Inc(metrics.CounterSyncFailed)
			w.logger.Error("failed to sync action", "kind", kind, "id", a.ID, "error", err)
			continue
		}
		result.Synced++
		w.metrics.Inc(metrics.CounterSynced)
		w.logger.Info("action synced", "kind", kind, "id", a.ID)
	}

	span.SetAttributes(
		attribute.Int("swcache.sync_synced", result.Synced),
		attribute.Int("swcache.sync_failed", result.Failed),
	)
	return result, nil
}

func (w *Worker) syncOne(ctx context.Context, a queue.Action, target string) error {
	req, err := NewRequest(http.MethodPost, target)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Body = a.Payload

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("endpoint returned status %d", resp.Status)
	}
	if err := w.opts.Queue.Remove(ctx, a.ID); err != nil {
		// Delivered but still queued: the next sync sends it again.
		return fmt.Errorf("delivered but not dequeued: %w", err)
	}
	return nil
}
