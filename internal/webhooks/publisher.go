// Package webhooks delivers emergency events to subscribed endpoints
// with retry and HMAC signing.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rescueroute/internal/store"
)

// Event types emitted by the API.
const (
	EventCreated       = "emergency.created"
	EventAssigned      = "emergency.assigned"
	EventStatusChanged = "emergency.status.changed"
	EventCancelled     = "emergency.cancelled"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues the event for every subscription matching its type.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}
