// Package queue holds mutating actions (votes, reports) that were submitted
// while offline, until a background sync delivers them.
//
// An action leaves the queue only through Remove, which the sync runner calls
// after the remote endpoint confirmed it with a 2xx status. There is no
// deduplication key: replaying an action whose earlier POST reached the server
// but whose confirmation was lost delivers it twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the category of a queued action.
type Kind string

const (
	KindVote   Kind = "vote"
	KindReport Kind = "report"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindVote, KindReport:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// ErrNotFound is returned by Remove when no action has the given id.
var ErrNotFound = errors.New("action not found")

// Action is a queued mutation.
type Action struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Queue is a durable queue of pending actions.
type Queue interface {
	// Enqueue stores an action. Missing ID and CreatedAt are filled in;
	// the stored action is returned.
	Enqueue(ctx context.Context, a Action) (Action, error)

	// Drain returns every queued action of the given kind, oldest first.
	// It does not remove them.
	Drain(ctx context.Context, kind Kind) ([]Action, error)

	// Remove deletes the action with the given id.
	Remove(ctx context.Context, id string) error

	// Close releases resources held by the queue.
	Close() error
}

// prepare validates a and fills in defaults.
func prepare(a Action, now time.Time) (Action, error) {
	if _, err := ParseKind(string(a.Kind)); err != nil {
		return Action{}, err
	}
	if len(a.Payload) == 0 || !json.Valid(a.Payload) {
		return Action{}, errors.New("payload must be valid JSON")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
