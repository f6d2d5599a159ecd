package worker

import (
	"context"
	"errors"
	"testing"
)

func TestGetVersion(t *testing.T) {
	env := newTestEnv()
	w := env.worker(t, DefaultVersion)

	var replies []any
	port := PortFunc(func(v any) error {
		replies = append(replies, v)
		return nil
	})
	if err := w.HandleMessage(context.Background(), Message{Type: MessageGetVersion}, port); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("Expected exactly one reply, got %d", len(replies))
	}
	reply, ok := replies[0].(VersionReply)
	if !ok {
		t.Fatalf("Expected VersionReply, got %T", replies[0])
	}
	if reply.Version != "stavanger-twin-v1" {
		t.Errorf("Expected stavanger-twin-v1, got %q", reply.Version)
	}

	// The reply is the store name.
	if _, err := w.cache(context.Background()); err != nil {
		t.Fatal(err)
	}
	names, _ := env.storage.Names(context.Background())
	if len(names) != 1 || names[0] != reply.Version {
		t.Errorf("Expected version to name the store, got stores %v", names)
	}
}

func TestGetVersionWithoutPort(t *testing.T) {
	w := newTestEnv().worker(t, DefaultVersion)
	err := w.HandleMessage(context.Background(), Message{Type: MessageGetVersion}, nil)
	if !errors.Is(err, ErrNoReplyPort) {
		t.Errorf("Expected ErrNoReplyPort, got %v", err)
	}
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	w := newTestEnv().worker(t, DefaultVersion)
	called := false
	port := PortFunc(func(v any) error {
		called = true
		return nil
	})
	if err := w.HandleMessage(context.Background(), Message{Type: "CLAIM_EVERYTHING"}, port); err != nil {
		t.Errorf("Expected unknown message to be ignored, got %v", err)
	}
	if called {
		t.Errorf("Expected no reply to an unknown message")
	}
}
