// Package postgres is the durable implementation of the order store:
// SERIALIZABLE transactions with transparent retry on write conflict, orders
// persisted as JSONB documents, and payment-status changes bridged to
// watchers over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/outbox"
)

const (
	maxAttempts       = 5
	paymentChannel    = "melagro_payment_status"
	notificationTopic = "melagro.notifications"
	eventsTopic       = "melagro.order-events"
)

type Store struct {
	Pool *pgxpool.Pool

	// Metrics, when set, counts transaction retries.
	Metrics *metrics.CoreMetrics

	watches *watchRegistry
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, watches: newWatchRegistry()}
}

// retryable reports whether the whole transaction should be re-run: a
// serialization failure, a deadlock, or a unique-key race.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "23505"
	}
	return false
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if s.Metrics != nil {
				s.Metrics.TxRetries.Inc()
			}
			// Brief jittered pause before re-reading fresh data.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	logging.Log(logging.Fields{Service: "order-store", Step: "tx_retry", Status: "exhausted", Message: lastErr.Error()})
	return domain.ErrRetriesExhausted
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	wrapped := &pgTx{tx: tx}
	if err := fn(ctx, wrapped); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	// Payment-status writes made inside the transaction become visible to
	// watchers only after commit.
	for _, n := range wrapped.pendingNotify {
		s.notifyPayment(ctx, n)
	}
	return nil
}

type pgTx struct {
	tx            pgx.Tx
	pendingNotify []storage.PaymentStatusChange
}

func (t *pgTx) GetProduct(ctx context.Context, id domain.ProductID) (*inventory.Product, error) {
	var p inventory.Product
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, price, image, stock_quantity, in_stock FROM products WHERE id=$1`, string(id)).
		Scan(&p.ID, &p.Name, &p.Price, &p.Image, &p.StockQuantity, &p.InStock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) PutProductStock(ctx context.Context, id domain.ProductID, quantity int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE products SET stock_quantity=$2, in_stock=$2 > 0, updated_at=now() WHERE id=$1`,
		string(id), quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, rec inventory.HistoryRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_history(product_id, product_name, previous_stock, new_stock, change, updated_by, updated_at, order_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		string(rec.ProductID), rec.ProductName, rec.PreviousStock, rec.NewStock, rec.Change, rec.UpdatedBy, rec.UpdatedAt, string(rec.OrderID))
	return err
}

func (t *pgTx) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO orders(id, user_id, status, payment_status, checkout_request_id, version, doc)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		string(o.ID), string(o.UserID), string(o.Status), string(o.PaymentStatus), o.CheckoutRequestID, o.Version, doc)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT doc FROM orders WHERE id=$1`, string(id)))
}

func (t *pgTx) PutOrder(ctx context.Context, o *domain.Order) error {
	prev, err := t.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	o.Version = prev.Version + 1
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE orders SET status=$2, payment_status=$3, checkout_request_id=NULLIF($4, ''), version=$5, doc=$6, updated_at=now() WHERE id=$1`,
		string(o.ID), string(o.Status), string(o.PaymentStatus), o.CheckoutRequestID, o.Version, doc)
	if err != nil {
		return err
	}
	if o.PaymentStatus != prev.PaymentStatus {
		t.pendingNotify = append(t.pendingNotify, storage.PaymentStatusChange{OrderID: o.ID, Status: o.PaymentStatus})
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	var o domain.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order doc: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return scanOrder(s.Pool.QueryRow(ctx, `SELECT doc FROM orders WHERE id=$1`, string(id)))
}

func (s *Store) GetOrderByCorrelation(ctx context.Context, checkoutRequestID string) (*domain.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, `SELECT doc FROM orders WHERE checkout_request_id=$1`, checkoutRequestID))
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, storage.ErrNoCorrelation
	}
	return o, err
}

func (s *Store) UpdateOrder(ctx context.Context, id domain.OrderID, expectedVersion int64, mutate func(o *domain.Order) error) (*domain.Order, error) {
	var out *domain.Order
	err := s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && o.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		if err := mutate(o); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, id domain.OrderID, status domain.PaymentStatus, reason string) error {
	_, err := s.UpdateOrder(ctx, id, 0, func(o *domain.Order) error {
		o.PaymentStatus = status
		o.PaymentFailureReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	if reason != "" {
		// The NOTIFY fired by UpdateOrder has no reason; publish a second
		// payload so the waiting checkout can show the gateway's message.
		s.notifyPayment(ctx, storage.PaymentStatusChange{OrderID: id, Status: status, Reason: reason})
	}
	return nil
}

// notifyPayment fans a change out locally and over Postgres NOTIFY so
// waits hosted by other replicas see it too.
func (s *Store) notifyPayment(ctx context.Context, change storage.PaymentStatusChange) {
	s.watches.deliver(change)
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	if _, err := s.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, paymentChannel, string(payload)); err != nil {
		logging.Log(logging.Fields{Service: "order-store", OrderID: string(change.OrderID), Step: "pg_notify", Status: "failed", Message: err.Error()})
	}
}

func (s *Store) WatchPaymentStatus(id domain.OrderID) (<-chan storage.PaymentStatusChange, func(), error) {
	return s.watches.register(id)
}

func (s *Store) AdjustLoyaltyPoints(ctx context.Context, userID domain.UserID, delta int64) (int64, error) {
	var balance int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO users(id, loyalty) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET loyalty = users.loyalty + EXCLUDED.loyalty
		 RETURNING loyalty`, string(userID), delta).Scan(&balance)
	return balance, err
}

func (s *Store) ListAdminUserIDs(ctx context.Context) ([]domain.UserID, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM users WHERE role='admin'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.UserID(id))
	}
	return out, rows.Err()
}

// SaveNotification stores the user-visible row and queues an outbox event
// for the Kafka relay.
func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO notifications(user_id, message, date, read, type) VALUES ($1, $2, $3, $4, $5)`,
		string(n.UserID), n.Message, n.Date, n.Read, string(n.Type))
	if err != nil {
		return err
	}
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		UserID:    string(n.UserID),
		CreatedAt: n.Date,
		Type:      contracts.EventNotificationEmitted,
		Payload:   map[string]any{"message": n.Message, "type": string(n.Type)},
	}
	return outbox.Insert(ctx, s.Pool, evt.EventID, notificationTopic, evt.UserID, evt)
}

// RecordEvent queues a lifecycle event on the outbox, keyed by order id so
// per-order ordering survives partitioning downstream.
func (s *Store) RecordEvent(ctx context.Context, evt contracts.Event) error {
	key := evt.OrderID
	if key == "" {
		key = evt.UserID
	}
	return outbox.Insert(ctx, s.Pool, evt.EventID, eventsTopic, key, evt)
}

// LookupIdempotentOrder returns the order id previously placed under the
// key, if any.
func (s *Store) LookupIdempotentOrder(ctx context.Context, key string) (domain.OrderID, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `SELECT order_id FROM order_idempotency WHERE idempotency_key=$1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return domain.OrderID(id), err
}

func (s *Store) RememberIdempotentOrder(ctx context.Context, key string, id domain.OrderID) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO order_idempotency(idempotency_key, order_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		key, string(id))
	return err
}
