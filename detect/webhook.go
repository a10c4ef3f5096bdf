package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound alerts.
const webhookQueueSize = 1024

// WebhookDispatcher POSTs alerts as JSON to an external endpoint. Notify
// enqueues without blocking; a background goroutine sends. If the queue is
// full the alert is dropped.
type WebhookDispatcher struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryWait  time.Duration
	logger     *slog.Logger
	alerts     chan Alert

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// WebhookOption configures a WebhookDispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *WebhookDispatcher) { w.client = c }
}

// WithWebhookRetryWait sets the pause before the single retry.
func WithWebhookRetryWait(d time.Duration) WebhookOption {
	return func(w *WebhookDispatcher) { w.retryWait = d }
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *WebhookDispatcher) { w.logger = logger }
}

// NewWebhookDispatcher creates a dispatcher and starts its background loop.
func NewWebhookDispatcher(url, authHeader string, opts ...WebhookOption) *WebhookDispatcher {
	w := &WebhookDispatcher{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryWait:  time.Second,
		logger:     slog.Default(),
		alerts:     make(chan Alert, webhookQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "alert_webhook")
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues the alert. It never blocks.
func (w *WebhookDispatcher) Notify(_ context.Context, a Alert) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil
	}
	select {
	case w.alerts <- a:
	default:
		w.logger.Warn("queue full, dropping alert", "alert_id", a.ID)
	}
	return nil
}

// Close drains queued alerts and stops the loop.
func (w *WebhookDispatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.alerts)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WebhookDispatcher) loop() {
	defer w.wg.Done()
	for a := range w.alerts {
		w.send(a)
	}
}

// send POSTs the alert with one retry on 5xx or transport error.
func (w *WebhookDispatcher) send(a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryWait)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Gatekeeper-Alert-Webhook/1.0")

		if w.authHeader != "" {
			if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx is not retried.
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
