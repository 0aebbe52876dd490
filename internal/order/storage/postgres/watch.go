package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
)

// watchRegistry holds the single allowed payment-status watch per order and
// demultiplexes NOTIFY payloads to them.
type watchRegistry struct {
	mu       sync.Mutex
	watchers map[domain.OrderID]chan storage.PaymentStatusChange
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watchers: make(map[domain.OrderID]chan storage.PaymentStatusChange)}
}

func (r *watchRegistry) register(id domain.OrderID) (<-chan storage.PaymentStatusChange, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, active := r.watchers[id]; active {
		return nil, nil, storage.ErrWatchActive
	}
	ch := make(chan storage.PaymentStatusChange, 8)
	r.watchers[id] = ch
	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
	return ch, stop, nil
}

func (r *watchRegistry) deliver(change storage.PaymentStatusChange) {
	r.mu.Lock()
	ch, ok := r.watchers[change.OrderID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- change:
	default:
	}
}

// Listen holds a dedicated connection on the payment NOTIFY channel and
// feeds the registry, so a confirmation applied by another replica still
// wakes a wait hosted here. Blocks until ctx is cancelled.
func (s *Store) Listen(ctx context.Context) error {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Log(logging.Fields{Service: "order-store", Step: "listen", Status: "reconnect", Message: err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+paymentChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change storage.PaymentStatusChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			logging.Log(logging.Fields{Service: "order-store", Step: "listen", Status: "bad_payload", Message: err.Error()})
			continue
		}
		s.watches.deliver(change)
	}
}
