// Package storage defines the persistence boundary of the order core: a
// transactional store for orders, products and inventory history, plus a
// narrow payment-status watch used by the push-payment wait.
package storage

import (
	"context"
	"errors"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
)

var (
	// ErrWatchActive: the order already has a live payment-status watch.
	// A second push initiation must not stack another listener on top.
	ErrWatchActive = errors.New("payment watch already active for order")

	// ErrNoCorrelation: no order carries the given checkout request id.
	ErrNoCorrelation = errors.New("no order for correlation id")
)

// PaymentStatusChange is delivered to watchers when an order's payment
// status field is written.
type PaymentStatusChange struct {
	OrderID domain.OrderID
	Status  domain.PaymentStatus
	Reason  string
}

// Tx is the view of the store inside one atomic transaction. Reads observe
// a consistent snapshot; writes become visible only if the transaction
// commits as a whole.
type Tx interface {
	GetProduct(ctx context.Context, id domain.ProductID) (*inventory.Product, error)
	PutProductStock(ctx context.Context, id domain.ProductID, quantity int64) error
	AppendHistory(ctx context.Context, rec inventory.HistoryRecord) error

	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	PutOrder(ctx context.Context, o *domain.Order) error
}

// Store is the durable source of truth. RunTransaction retries conflicting
// attempts transparently (optimistic concurrency); the callback re-executes
// against fresh data each attempt and must therefore be idempotent.
type Store interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	GetOrderByCorrelation(ctx context.Context, checkoutRequestID string) (*domain.Order, error)

	// UpdateOrder applies mutate to the current order inside a transaction.
	// expectedVersion > 0 demands that exact version and fails with
	// domain.ErrVersionConflict otherwise; 0 skips the check. The committed
	// write always increments Version.
	UpdateOrder(ctx context.Context, id domain.OrderID, expectedVersion int64, mutate func(o *domain.Order) error) (*domain.Order, error)

	// SetPaymentStatus writes the payment-status field and wakes any
	// watcher registered for the order.
	SetPaymentStatus(ctx context.Context, id domain.OrderID, status domain.PaymentStatus, reason string) error

	// WatchPaymentStatus registers the single allowed watch for an order.
	// The returned stop func must be called on every exit path; it is safe
	// to call more than once.
	WatchPaymentStatus(id domain.OrderID) (<-chan PaymentStatusChange, func(), error)

	// AdjustLoyaltyPoints adds delta to the user's running balance and
	// returns the new balance.
	AdjustLoyaltyPoints(ctx context.Context, userID domain.UserID, delta int64) (int64, error)

	ListAdminUserIDs(ctx context.Context) ([]domain.UserID, error)
}
