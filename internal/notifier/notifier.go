// Package notifier pushes run lifecycle events to an operator webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event kinds emitted by the orchestrator.
const (
	KindDatasetComplete = "dataset_complete"
	KindDatasetFailed   = "dataset_failed"
	KindRunComplete     = "run_complete"
)

// Event describes one lifecycle moment of a download run.
type Event struct {
	Kind    string
	Dataset string
	Path    string
	Err     string
	Elapsed time.Duration

	// Run totals, set on run_complete events only.
	Succeeded int
	Failed    int
}

// Message renders the event as a short line for chat-style webhooks.
func (e Event) Message() string {
	switch e.Kind {
	case KindDatasetComplete:
		return fmt.Sprintf("✅ Dataset %s downloaded to %s in %s", e.Dataset, e.Path, e.Elapsed.Round(time.Millisecond))
	case KindDatasetFailed:
		return fmt.Sprintf("❌ Dataset %s failed: %s", e.Dataset, e.Err)
	case KindRunComplete:
		return fmt.Sprintf("🏁 Run finished: %d succeeded, %d failed in %s", e.Succeeded, e.Failed, e.Elapsed.Round(time.Millisecond))
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Dataset)
}

// Notifier delivers events to an external channel. Implementations must
// tolerate being called concurrently.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Webhook posts events as Discord-compatible JSON messages.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, event Event) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": event.Message()}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
