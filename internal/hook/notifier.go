package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notification is a text message for the user on their chat channel.
type Notification struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	AccountID string `json:"account_id,omitempty"`
	Text      string `json:"text"`
}

// Resubmission asks the host runtime to run a previously blocked action again.
type Resubmission struct {
	UserID     string         `json:"user_id"`
	Channel    string         `json:"channel"`
	To         string         `json:"to"`
	AccountID  string         `json:"account_id,omitempty"`
	Command    string         `json:"command,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
}

// Notifier delivers outbound messages through the host runtime.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Resubmit(ctx context.Context, r Resubmission) error
}

// LogNotifier only logs. Used when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Send implements Notifier.
func (n LogNotifier) Send(_ context.Context, msg Notification) error {
	n.logger().Info("Notification", "channel", msg.Channel, "to", msg.To, "text", msg.Text)
	return nil
}

// Resubmit implements Notifier.
func (n LogNotifier) Resubmit(_ context.Context, r Resubmission) error {
	n.logger().Info("Resubmission", "user_id", r.UserID, "channel", r.Channel, "tool_name", r.ToolName, "command", r.Command)
	return nil
}

// WebhookNotifier posts JSON events to the host runtime.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. A nil client uses
// one with a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

type webhookEvent struct {
	Type     string        `json:"type"`
	Message  *Notification `json:"message,omitempty"`
	Resubmit *Resubmission `json:"resubmit,omitempty"`
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, msg Notification) error {
	return n.post(ctx, webhookEvent{Type: "message", Message: &msg})
}

// Resubmit implements Notifier.
func (n *WebhookNotifier) Resubmit(ctx context.Context, r Resubmission) error {
	return n.post(ctx, webhookEvent{Type: "resubmit", Resubmit: &r})
}

func (n *WebhookNotifier) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", ev.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s event: unexpected http status %d", ev.Type, resp.StatusCode)
	}
	return nil
}
