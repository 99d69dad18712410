package pipeline

import (
	"context"
	"encoding/json"
	"log"

	"invoqa/internal/models"
	"invoqa/internal/redis"
)

const statusChannel = "pipeline:status"

// StatusEvent is broadcast on every invoice status transition so pollers
// and UIs can follow a conversion without hammering the database.
type StatusEvent struct {
	InvoiceID string               `json:"invoice_id"`
	UserID    int64                `json:"user_id"`
	Status    models.InvoiceStatus `json:"status"`
}

// StatusBus publishes status transitions over redis pub/sub. A nil bus is
// valid and publishes nothing.
type StatusBus struct {
	client *redis.Client
}

// NewStatusBus wraps the redis client for status broadcasting.
func NewStatusBus(client *redis.Client) *StatusBus {
	if client == nil {
		return nil
	}
	return &StatusBus{client: client}
}

// Publish broadcasts one transition. Failures are logged, never fatal: the
// database row is the source of truth, the bus is only a notification.
func (b *StatusBus) Publish(event StatusEvent) {
	if b == nil || b.client == nil {
		return
	}
	raw := b.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("pipeline: marshal status event failed: %v", err)
		return
	}
	if err := raw.Publish(context.Background(), statusChannel, payload).Err(); err != nil {
		log.Printf("pipeline: publish status event failed: %v", err)
	}
}
