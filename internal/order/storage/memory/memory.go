// Package memory is the in-process implementation of the order store. It
// backs the test suite and the demo mode of cmd/order-service; transactions
// are serialized by a single mutex, which trivially gives the all-or-nothing
// and no-oversell guarantees the contract demands.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
)

type watcher struct {
	ch   chan storage.PaymentStatusChange
	once sync.Once
}

type Store struct {
	mu            sync.Mutex
	products      map[domain.ProductID]*inventory.Product
	orders        map[domain.OrderID]*domain.Order
	byCorrelation map[string]domain.OrderID
	byIdemKey     map[string]domain.OrderID
	history       []inventory.HistoryRecord
	loyalty       map[domain.UserID]int64
	admins        []domain.UserID
	notifications []notify.Notification
	events        []contracts.Event
	watchers      map[domain.OrderID]*watcher
}

func New() *Store {
	return &Store{
		products:      make(map[domain.ProductID]*inventory.Product),
		orders:        make(map[domain.OrderID]*domain.Order),
		byCorrelation: make(map[string]domain.OrderID),
		byIdemKey:     make(map[string]domain.OrderID),
		loyalty:       make(map[domain.UserID]int64),
		watchers:      make(map[domain.OrderID]*watcher),
	}
}

// SeedProduct installs a catalog record; used by tests and demo mode.
func (s *Store) SeedProduct(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.InStock = p.StockQuantity > 0
	cp := p
	s.products[p.ID] = &cp
}

func (s *Store) SeedAdmins(ids ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins = append(s.admins, ids...)
}

// tx stages writes so a failing callback leaves the store untouched.
type tx struct {
	s             *Store
	stagedStock   map[domain.ProductID]int64
	stagedOrders  map[domain.OrderID]*domain.Order
	stagedHistory []inventory.HistoryRecord
}

func (t *tx) GetProduct(_ context.Context, id domain.ProductID) (*inventory.Product, error) {
	p, ok := t.s.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	cp := *p
	if q, staged := t.stagedStock[id]; staged {
		cp.ApplyStock(q)
	}
	return &cp, nil
}

func (t *tx) PutProductStock(_ context.Context, id domain.ProductID, quantity int64) error {
	if _, ok := t.s.products[id]; !ok {
		return domain.ErrProductNotFound
	}
	t.stagedStock[id] = quantity
	return nil
}

func (t *tx) AppendHistory(_ context.Context, rec inventory.HistoryRecord) error {
	t.stagedHistory = append(t.stagedHistory, rec)
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o *domain.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	t.stagedOrders[o.ID] = cloneOrder(o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	if o, ok := t.stagedOrders[id]; ok {
		return cloneOrder(o), nil
	}
	o, ok := t.s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (t *tx) PutOrder(_ context.Context, o *domain.Order) error {
	t.stagedOrders[o.ID] = cloneOrder(o)
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:            s,
		stagedStock:  make(map[domain.ProductID]int64),
		stagedOrders: make(map[domain.OrderID]*domain.Order),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}

	for id, q := range t.stagedStock {
		s.products[id].ApplyStock(q)
	}
	for id, o := range t.stagedOrders {
		prev, existed := s.orders[id]
		if existed {
			o.Version = prev.Version + 1
		} else if o.Version == 0 {
			o.Version = 1
		}
		s.orders[id] = o
		if o.CheckoutRequestID != "" {
			s.byCorrelation[o.CheckoutRequestID] = id
		}
	}
	s.history = append(s.history, t.stagedHistory...)
	return nil
}

func (s *Store) GetOrder(_ context.Context, id domain.OrderID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) GetOrderByCorrelation(_ context.Context, checkoutRequestID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorrelation[checkoutRequestID]
	if !ok {
		return nil, storage.ErrNoCorrelation
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) UpdateOrder(_ context.Context, id domain.OrderID, expectedVersion int64, mutate func(o *domain.Order) error) (*domain.Order, error) {
	s.mu.Lock()
	cur, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrOrderNotFound
	}
	if expectedVersion > 0 && cur.Version != expectedVersion {
		s.mu.Unlock()
		return nil, domain.ErrVersionConflict
	}
	next := cloneOrder(cur)
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.Version = cur.Version + 1
	s.orders[id] = next
	if next.CheckoutRequestID != "" {
		s.byCorrelation[next.CheckoutRequestID] = id
	}
	statusChanged := next.PaymentStatus != cur.PaymentStatus
	status := next.PaymentStatus
	out := cloneOrder(next)
	s.mu.Unlock()

	if statusChanged {
		s.notifyWatch(id, status, "")
	}
	return out, nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id domain.OrderID, status domain.PaymentStatus, reason string) error {
	s.mu.Lock()
	cur, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	next := cloneOrder(cur)
	next.PaymentStatus = status
	next.PaymentFailureReason = reason
	next.Version = cur.Version + 1
	s.orders[id] = next
	s.mu.Unlock()

	s.notifyWatch(id, status, reason)
	return nil
}

func (s *Store) WatchPaymentStatus(id domain.OrderID) (<-chan storage.PaymentStatusChange, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, active := s.watchers[id]; active {
		return nil, nil, storage.ErrWatchActive
	}
	w := &watcher{ch: make(chan storage.PaymentStatusChange, 8)}
	s.watchers[id] = w
	stop := func() {
		w.once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
	return w.ch, stop, nil
}

func (s *Store) notifyWatch(id domain.OrderID, status domain.PaymentStatus, reason string) {
	s.mu.Lock()
	w, ok := s.watchers[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ch <- storage.PaymentStatusChange{OrderID: id, Status: status, Reason: reason}:
	default:
	}
}

func (s *Store) AdjustLoyaltyPoints(_ context.Context, userID domain.UserID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loyalty[userID] += delta
	return s.loyalty[userID], nil
}

func (s *Store) ListAdminUserIDs(_ context.Context) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserID, len(s.admins))
	copy(out, s.admins)
	return out, nil
}

func (s *Store) SaveNotification(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *Store) RecordEvent(_ context.Context, evt contracts.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *Store) LookupIdempotentOrder(_ context.Context, key string) (domain.OrderID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byIdemKey[key], nil
}

func (s *Store) RememberIdempotentOrder(_ context.Context, key string, id domain.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byIdemKey[key]; !taken {
		s.byIdemKey[key] = id
	}
	return nil
}

// Test and demo accessors.

func (s *Store) Product(id domain.ProductID) (inventory.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return inventory.Product{}, false
	}
	return *p, true
}

func (s *Store) History() []inventory.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.HistoryRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) LoyaltyBalance(userID domain.UserID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loyalty[userID]
}

func (s *Store) Notifications() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *Store) Events() []contracts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Event, len(s.events))
	copy(out, s.events)
	return out
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	cp.InternalHistory = append([]domain.InternalNote(nil), o.InternalHistory...)
	if o.Tracking != nil {
		t := *o.Tracking
		cp.Tracking = &t
	}
	if o.Manual != nil {
		m := *o.Manual
		cp.Manual = &m
	}
	return &cp
}
