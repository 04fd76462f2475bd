package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"rescueroute/internal/metrics"
	"rescueroute/internal/store"
)

// Worker drains the delivery queue on a fixed tick with exponential
// backoff per delivery.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
}

func NewWorker(s store.Store) *Worker {
	max := 10
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: max}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	cancel()
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		w.deliver(it)
	}
}

// deliver attempts one delivery under its own deadline so a slow
// endpoint early in the batch cannot eat later deliveries' budget.
func (w *Worker) deliver(it store.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	success := false
	next := time.Now().Add(nextBackoff(it.Attempts))
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	req.Header.Set("Content-Type", "application/json")
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		req.Header.Set("X-Event-Type", it.EventType)
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	code := 0
	if err == nil && resp != nil {
		code = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if code >= 200 && code < 300 {
			success = true
		}
	}
	lastErr := ""
	if !success && err != nil {
		lastErr = err.Error()
	}
	outcome := "delivered"
	if !success {
		outcome = "retry"
	}
	if !success && it.Attempts+1 >= w.MaxAttempts {
		outcome = "failed"
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
	} else {
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, outcome).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, outcome).Observe(float64(latency))
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
