package worker

import (
	"context"
	"errors"
)

// Message types understood by the worker.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
)

// ErrNoReplyPort is returned when a message expecting a reply came without
// a port to reply on.
var ErrNoReplyPort = errors.New("message has no reply port")

// Message is a message posted by a page to the worker.
type Message struct {
	Type string `json:"type"`
}

// VersionReply is the reply to GET_VERSION.
type VersionReply struct {
	Version string `json:"version"`
}

// Port is the reply channel that came with a message.
type Port interface {
	PostMessage(v any) error
}

// PortFunc adapts a function to Port.
type PortFunc func(v any) error

func (f PortFunc) PostMessage(v any) error { return f(v) }

// HandleMessage handles a page message. SKIP_WAITING activates this worker
// if it is waiting; GET_VERSION replies on port with the version tag. Other
// types are ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg Message, port Port) error {
	w.logger.Debug("message received", "type", msg.Type)
	switch msg.Type {
	case MessageSkipWaiting:
		return w.SkipWaiting(ctx)
	case MessageGetVersion:
		if port == nil {
			return ErrNoReplyPort
		}
		return port.PostMessage(VersionReply{Version: w.opts.Version})
	default:
		w.logger.Debug("ignoring message", "type", msg.Type)
		return nil
	}
}
