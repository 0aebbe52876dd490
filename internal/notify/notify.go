// Package notify delivers user-facing and admin-facing messages. Delivery
// is fire-and-forget: a failed dispatch is logged and never unwinds the
// committed order state that triggered it.
package notify

import (
	"context"
	"time"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
)

type Type string

const (
	TypeOrder  Type = "order"
	TypeSystem Type = "system"
	TypePromo  Type = "promo"
)

type Notification struct {
	UserID  domain.UserID `json:"userId"`
	Message string        `json:"message"`
	Date    time.Time     `json:"date"`
	Read    bool          `json:"read"`
	Type    Type          `json:"type"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// BestEffort sends and swallows the error after logging it. Callers on the
// post-commit path use this so a broken dispatcher cannot fail a checkout.
func BestEffort(ctx context.Context, d Dispatcher, service string, n Notification) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, n); err != nil {
		logging.Log(logging.Fields{
			Service: service,
			UserID:  string(n.UserID),
			Step:    "notify",
			Status:  "dispatch_failed",
			Message: err.Error(),
		})
	}
}

// Sink stores notifications for later reading by the storefront.
type Sink interface {
	SaveNotification(ctx context.Context, n Notification) error
}

// SinkDispatcher writes notifications straight to a Sink.
type SinkDispatcher struct {
	Sink Sink
}

func (d *SinkDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.Date.IsZero() {
		n.Date = time.Now().UTC()
	}
	return d.Sink.SaveNotification(ctx, n)
}

// Fanout dispatches to every wrapped dispatcher; the first error wins but
// all dispatchers are attempted.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n Notification) error {
	var first error
	for _, d := range f {
		if err := d.Dispatch(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
