package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

// Hub fans an event out to multiple sinks. Delivery is best-effort and never
// blocks the trading path: each sink runs on its own goroutine.
type Hub struct {
	sinks  []ports.Notifier
	logger ports.Logger
}

// NewHub creates a hub over the given sinks.
func NewHub(logger ports.Logger, sinks ...ports.Notifier) *Hub {
	return &Hub{sinks: sinks, logger: logger}
}

// Notify delivers the event to every sink.
func (h *Hub) Notify(ctx context.Context, event domain.Event) {
	for _, sink := range h.sinks {
		go func(sink ports.Notifier) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error(context.Background(), fmt.Errorf("notifier panic: %v", r), "notification sink panicked")
				}
			}()
			sink.Notify(ctx, event)
		}(sink)
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger ports.Logger
}

// NewLogNotifier creates a log-backed sink.
func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, event domain.Event) {
	fields := map[string]interface{}{
		"event":  event.Type,
		"symbol": event.Symbol,
		"time":   event.Time,
	}
	for k, v := range event.Fields {
		fields[k] = v
	}
	n.logger.Info(ctx, event.Message, fields)
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger ports.Logger
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(url string, logger ports.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for webhook notifier")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

type webhookPayload struct {
	Type    string                 `json:"type"`
	Symbol  string                 `json:"symbol,omitempty"`
	Message string                 `json:"message"`
	Time    time.Time              `json:"time"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Notify posts the event. Failures are logged, never returned: engine behavior
// must not depend on notification delivery.
func (n *WebhookNotifier) Notify(ctx context.Context, event domain.Event) {
	payload := webhookPayload{
		Type:    string(event.Type),
		Symbol:  event.Symbol,
		Message: event.Message,
		Time:    event.Time,
		Fields:  event.Fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error(ctx, err, "failed to encode webhook payload", map[string]interface{}{"event": event.Type})
		return
	}

	// Detached from the caller's context so shutdown notifications still go out.
	reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error(ctx, err, "failed to build webhook request", map[string]interface{}{"event": event.Type})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn(ctx, "webhook delivery failed", map[string]interface{}{"event": event.Type, "error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn(ctx, "webhook endpoint returned non-success status", map[string]interface{}{
			"event":  event.Type,
			"status": resp.StatusCode,
		})
	}
}
