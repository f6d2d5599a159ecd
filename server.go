package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/stavanger-twin/swcache/pkg/queue"
	"github.com/stavanger-twin/swcache/worker"
)

// Event represents a platform event type.
type Event string

const (
	EventInstall           = Event("install")
	EventActivate          = Event("activate")
	EventSync              = Event("sync")
	EventPush              = Event("push")
	EventNotificationClick = Event("notificationclick")
	EventMessage           = Event("message")
	EventEnqueue           = Event("enqueue")
	EventClose             = Event("close")
)

var knownEvents = []Event{
	EventInstall, EventActivate, EventSync, EventPush,
	EventNotificationClick, EventMessage, EventEnqueue, EventClose,
}

// Request represents an event sent by the host platform.
type Request struct {
	ID    int64
	Event Event

	Version        string          `json:",omitempty"` // install
	Tag            string          `json:",omitempty"` // sync
	Data           []byte          `json:",omitempty"` // push payload, base64 in JSON
	NotificationID string          `json:",omitempty"` // notificationclick
	Action         string          `json:",omitempty"` // notificationclick
	Message        *worker.Message `json:",omitempty"` // message
	Target         string          `json:",omitempty"` // message: "active" (default) or "waiting"
	Kind           string          `json:",omitempty"` // enqueue
	Payload        json.RawMessage `json:",omitempty"` // enqueue
}

// Response represents the worker's answer to one event.
type Response struct {
	ID           int64                `json:",omitempty"`
	Err          string               `json:",omitempty"`
	KnownEvents  []Event              `json:",omitempty"`
	Version      string               `json:",omitempty"`
	State        worker.State         `json:",omitempty"`
	Sync         *worker.SyncResult   `json:",omitempty"`
	Notification *worker.Notification `json:",omitempty"`
	Client       *worker.Client       `json:",omitempty"`
	Reply        any                  `json:",omitempty"`
	Queued       *queue.Action        `json:",omitempty"`
}

// EventLoop implements the line-delimited JSON event protocol used when the
// worker runs under a supervising host on stdin/stdout.
type EventLoop struct {
	c       *Controller
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewEventLoop creates an event loop reading events from in and writing
// responses to out.
func NewEventLoop(c *Controller, in io.Reader, out io.Writer) *EventLoop {
	scanner := bufio.NewScanner(in)
	// Push payloads and queued actions can exceed the default 64KB line.
	const maxScanTokenSize = 4 * 1024 * 1024
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	return &EventLoop{
		c:       c,
		scanner: scanner,
		writer:  bufio.NewWriter(out),
	}
}

// SendResponse writes one response line.
func (l *EventLoop) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return l.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (l *EventLoop) SendInitialResponse() error {
	return l.SendResponse(Response{
		ID:          0,
		KnownEvents: knownEvents,
	})
}

// ReadRequest reads the next event, skipping empty lines.
func (l *EventLoop) ReadRequest() (*Request, error) {
	var line string
	for {
		if !l.scanner.Scan() {
			if err := l.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = l.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest dispatches a single event and sends its response.
func (l *EventLoop) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	setErr := func(err error) {
		if err != nil {
			resp.Err = err.Error()
		}
	}

	switch req.Event {
	case EventInstall:
		w, err := l.c.Install(ctx, req.Version)
		setErr(err)
		if w != nil {
			resp.Version, resp.State = w.Version(), w.State()
		}

	case EventActivate:
		w, err := l.c.Activate(ctx)
		setErr(err)
		if w != nil {
			resp.Version, resp.State = w.Version(), w.State()
		}

	case EventSync:
		result, err := l.c.Sync(ctx, req.Tag)
		setErr(err)
		resp.Sync = &result

	case EventPush:
		n, err := l.c.Push(ctx, req.Data)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Notification = &n
		}

	case EventNotificationClick:
		client, err := l.c.NotificationClick(ctx, req.NotificationID, req.Action)
		setErr(err)
		resp.Client = client

	case EventMessage:
		if req.Message == nil {
			resp.Err = "message event without a message"
			break
		}
		port := worker.PortFunc(func(v any) error {
			resp.Reply = v
			return nil
		})
		setErr(l.c.Message(ctx, *req.Message, req.Target, port))

	case EventEnqueue:
		a, err := l.c.Enqueue(ctx, req.Kind, req.Payload)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Queued = &a
		}

	case EventClose:
		// Ends the loop only; the caller closes the controller once the
		// HTTP surface has stopped.

	default:
		resp.Err = fmt.Sprintf("unknown event: %s", req.Event)
	}

	return l.SendResponse(resp)
}

// Run sends the capabilities line and processes events until EOF or close.
func (l *EventLoop) Run(ctx context.Context) error {
	if err := l.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := l.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := l.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Event == EventClose {
			break
		}
	}

	return nil
}
