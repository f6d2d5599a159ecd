package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	notificationTitle   = "Stavanger Twin Alert"
	defaultPushBody     = "New corruption alert in your area!"
	notificationIcon    = "/icon-192x192.png"
	notificationBadge   = "/badge-72x72.png"
	ActionExplore       = "explore"
	ActionClose         = "close"
	exploreRoute        = "/dossiers"
	notificationPrimary = 1
)

// Notification is a notification shown to the user.
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"` // unix milliseconds
	PrimaryKey    int   `json:"primaryKey"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// LogNotifier "displays" notifications by logging them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Show(ctx context.Context, n Notification) error {
	l.logger.Info("notification", "id", n.ID, "title", n.Title, "body", n.Body)
	return nil
}

func (l *LogNotifier) Close(ctx context.Context, id string) error {
	l.logger.Info("notification closed", "id", id)
	return nil
}

// WebhookNotifier posts notification events as JSON to a URL, for a desktop
// or mobile bridge that renders them.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{url: url, client: client}
}

type webhookEvent struct {
	Event        string        `json:"event"`
	ID           string        `json:"id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

func (h *WebhookNotifier) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookNotifier) Show(ctx context.Context, n Notification) error {
	return h.post(ctx, webhookEvent{Event: "show", ID: n.ID, Notification: &n})
}

func (h *WebhookNotifier) Close(ctx context.Context, id string) error {
	return h.post(ctx, webhookEvent{Event: "close", ID: id})
}

// HandlePush shows a notification for a push message. The payload is used
// verbatim as the body; an absent or empty payload gets a default message.
func (w *Worker) HandlePush(ctx context.Context, data []byte) (Notification, error) {
	ctx, span := w.tracer.Start(ctx, "worker.push")
	defer span.End()

	w.logger.Info("push notification received", "bytes", len(data))
	body := string(data)
	if body == "" {
		body = defaultPushBody
	}
	n := Notification{
		ID:      uuid.NewString(),
		Title:   notificationTitle,
		Body:    body,
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: w.opts.Now().UnixMilli(),
			PrimaryKey:    notificationPrimary,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View Details", Icon: notificationIcon},
			{Action: ActionClose, Title: "Close", Icon: notificationIcon},
		},
	}
	span.SetAttributes(attribute.String("swcache.notification_id", n.ID))
	if err := w.opts.Notifier.Show(ctx, n); err != nil {
		span.RecordError(err)
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// HandleNotificationClick closes the notification and, for the explore
// action, opens or focuses a window on the dossiers view. The returned client
// is nil when no window was opened.
func (w *Worker) HandleNotificationClick(ctx context.Context, notificationID, action string) (*Client, error) {
	ctx, span := w.tracer.Start(ctx, "worker.notificationclick",
		trace.WithAttributes(attribute.String("swcache.action", action)))
	defer span.End()

	w.logger.Info("notification clicked", "id", notificationID, "action", action)
	if err := w.opts.Notifier.Close(ctx, notificationID); err != nil {
		w.logger.Warn("failed to close notification", "id", notificationID, "error", err)
	}
	if action != ActionExplore {
		return nil, nil
	}
	u, err := w.resolve(exploreRoute)
	if err != nil {
		return nil, err
	}
	client := w.opts.Clients.OpenWindow(u.String(), w.opts.Version)
	return &client, nil
}
