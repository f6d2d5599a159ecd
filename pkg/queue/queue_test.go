package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 17, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i, p := range []string{`{"policy":1,"choice":"yes"}`, `{"policy":2,"choice":"no"}`, `{"policy":3,"choice":"yes"}`} {
		a, err := q.Enqueue(ctx, Action{Kind: KindVote, Payload: json.RawMessage(p), CreatedAt: base.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if a.ID == "" {
			t.Fatalf("Expected Enqueue to assign an id")
		}
		ids = append(ids, a.ID)
	}
	if _, err := q.Enqueue(ctx, Action{Kind: KindReport, Payload: json.RawMessage(`{"text":"bribe"}`)}); err != nil {
		t.Fatalf("Enqueue report failed: %v", err)
	}

	votes, err := q.Drain(ctx, KindVote)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(votes) != 3 {
		t.Fatalf("Expected 3 votes, got %d", len(votes))
	}
	for i, v := range votes {
		if v.ID != ids[i] {
			t.Errorf("Expected vote %d to be %s, got %s", i, ids[i], v.ID)
		}
		if v.Kind != KindVote {
			t.Errorf("Expected kind vote, got %s", v.Kind)
		}
	}
	if string(votes[1].Payload) != `{"policy":2,"choice":"no"}` {
		t.Errorf("Unexpected payload: %s", votes[1].Payload)
	}
	if !votes[0].CreatedAt.Equal(base) {
		t.Errorf("Expected createdAt %v, got %v", base, votes[0].CreatedAt)
	}

	// Drain does not consume.
	again, _ := q.Drain(ctx, KindVote)
	if len(again) != 3 {
		t.Errorf("Expected Drain to leave actions queued, got %d", len(again))
	}

	if err := q.Remove(ctx, ids[1]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := q.Remove(ctx, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second Remove, got %v", err)
	}
	votes, _ = q.Drain(ctx, KindVote)
	if len(votes) != 2 || votes[0].ID != ids[0] || votes[1].ID != ids[2] {
		t.Errorf("Expected votes 1 and 3 to remain, got %+v", votes)
	}

	reports, _ := q.Drain(ctx, KindReport)
	if len(reports) != 1 {
		t.Errorf("Expected 1 report, got %d", len(reports))
	}
}

func TestMemoryQueue(t *testing.T) {
	testQueue(t, NewMemory())
}

func TestSQLiteQueue(t *testing.T) {
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer q.Close()
	testQueue(t, q)
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.db")

	q, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	a, err := q.Enqueue(ctx, Action{Kind: KindReport, Payload: json.RawMessage(`{"text":"x"}`)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.Close()

	q2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer q2.Close()
	got, err := q2.Drain(ctx, KindReport)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("Expected queued report %s after reopen, got %+v", a.ID, got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	if _, err := q.Enqueue(ctx, Action{Kind: "poll", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := q.Enqueue(ctx, Action{Kind: KindVote, Payload: json.RawMessage(`{not json`)}); err == nil {
		t.Error("Expected error for invalid payload")
	}
	if _, err := q.Enqueue(ctx, Action{Kind: KindVote}); err == nil {
		t.Error("Expected error for empty payload")
	}
	a, _ := q.Enqueue(ctx, Action{ID: "fixed", Kind: KindVote, Payload: json.RawMessage(`{}`)})
	if a.ID != "fixed" {
		t.Errorf("Expected caller id to be kept, got %s", a.ID)
	}
	if _, err := q.Enqueue(ctx, Action{ID: "fixed", Kind: KindVote, Payload: json.RawMessage(`{}`)}); err == nil {
		t.Error("Expected duplicate id to be rejected")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Vote "); err != nil || k != KindVote {
		t.Errorf("Expected vote, got %q (err=%v)", k, err)
	}
	if _, err := ParseKind("poll"); err == nil {
		t.Error("Expected error for unknown kind")
	}
}
