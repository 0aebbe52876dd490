package contracts

import (
	"context"
	"time"
)

type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   string         `json:"order_id"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderPlaced         = "order.placed"
	EventOrderShipped        = "order.shipped"
	EventOrderDelivered      = "order.delivered"
	EventOrderCancelled      = "order.cancelled"
	EventReturnRequested     = "order.return_requested"
	EventReturnResolved      = "order.return_resolved"
	EventPaymentConfirmed    = "payment.confirmed"
	EventPaymentFailed       = "payment.failed"
	EventPaymentRecorded     = "payment.recorded"
	EventLoyaltyAccrued      = "loyalty.accrued"
	EventNotificationEmitted = "notification.emitted"
)

// Recorder persists events for asynchronous delivery; the Postgres store
// writes them to the outbox, the memory store keeps them in-process.
type Recorder interface {
	RecordEvent(ctx context.Context, evt Event) error
}
