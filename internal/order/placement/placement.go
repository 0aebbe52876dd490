// Package placement turns a cart into an order: one atomic transaction that
// validates stock for every line item, decrements it, and creates the order
// record. Either everything commits or nothing does.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

const service = "order-core"

type ItemInput struct {
	ProductID       domain.ProductID
	Quantity        int64
	Price           int64 // price at add-to-cart time, snapshotted into the order
	SelectedVariant string
}

type Input struct {
	UserID          domain.UserID
	Items           []ItemInput
	ShippingCost    int64
	DiscountAmount  int64
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	// InitialPaymentStatus is decided by the payment channel chosen at
	// checkout (Unpaid for most, Pending Verification for paybill, ...).
	InitialPaymentStatus domain.PaymentStatus
}

type Engine struct {
	Store      storage.Store
	Dispatcher notify.Dispatcher
	Metrics    *metrics.CoreMetrics

	// Events, when set, receives an order.placed event per commit.
	Events contracts.Recorder

	// Now and NewID are swappable for tests.
	Now   func() time.Time
	NewID func() string
}

func NewEngine(store storage.Store, dispatcher notify.Dispatcher, m *metrics.CoreMetrics) *Engine {
	return &Engine{
		Store:      store,
		Dispatcher: dispatcher,
		Metrics:    m,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

func validate(in Input) error {
	if in.UserID == "" {
		return errors.New("user id is required")
	}
	if len(in.Items) == 0 {
		return errors.New("order must contain at least one item")
	}
	for _, it := range in.Items {
		if it.ProductID == "" {
			return errors.New("each item must reference a product")
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("quantity for product %s must be positive", it.ProductID)
		}
		if it.Price < 0 {
			return fmt.Errorf("price for product %s must not be negative", it.ProductID)
		}
	}
	if in.ShippingCost < 0 || in.DiscountAmount < 0 {
		return errors.New("shipping cost and discount must not be negative")
	}
	return nil
}

// PlaceOrder creates exactly one order and decrements stock for every item,
// or creates nothing and changes no stock. The order id is generated before
// the transaction so payment correlation can reference it immediately.
func (e *Engine) PlaceOrder(ctx context.Context, in Input) (*domain.Order, error) {
	start := e.Now()
	if err := validate(in); err != nil {
		e.countRejection("invalid_input")
		return nil, err
	}

	initialPayment := in.InitialPaymentStatus
	if initialPayment == "" {
		initialPayment = domain.PaymentStatusUnpaid
	}

	var subtotal int64
	for _, it := range in.Items {
		subtotal += it.Price * it.Quantity
	}

	order := &domain.Order{
		ID:              domain.OrderID(e.NewID()),
		UserID:          in.UserID,
		Subtotal:        subtotal,
		Shipping:        in.ShippingCost,
		Discount:        in.DiscountAmount,
		Total:           subtotal + in.ShippingCost - in.DiscountAmount,
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   initialPayment,
		Status:          domain.OrderStatusProcessing,
		ShippingAddress: in.ShippingAddress,
		Date:            start,
	}

	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Read phase: one snapshot per distinct product. The same product
		// may appear on several lines (variants), so demand is summed.
		demand := make(map[domain.ProductID]int64)
		for _, it := range in.Items {
			demand[it.ProductID] += it.Quantity
		}
		snapshots := make(map[domain.ProductID]*inventory.Product, len(demand))
		for _, it := range in.Items {
			if _, seen := snapshots[it.ProductID]; seen {
				continue
			}
			p, err := tx.GetProduct(ctx, it.ProductID)
			if err != nil {
				return fmt.Errorf("product %s: %w", it.ProductID, err)
			}
			snapshots[it.ProductID] = p
		}

		// Validate phase: any failing item aborts the whole transaction.
		for id, need := range demand {
			p := snapshots[id]
			if p.StockQuantity < need {
				return &domain.InsufficientStockError{ProductName: p.Name, Remaining: p.StockQuantity}
			}
		}

		// Write phase: stock, history, then the order itself.
		order.Items = order.Items[:0]
		for _, it := range in.Items {
			p := snapshots[it.ProductID]
			order.Items = append(order.Items, domain.OrderItem{
				ProductID:       it.ProductID,
				Name:            p.Name,
				Price:           it.Price,
				Quantity:        it.Quantity,
				Image:           p.Image,
				SelectedVariant: it.SelectedVariant,
			})
		}
		for id, need := range demand {
			p := snapshots[id]
			newStock := p.StockQuantity - need
			if err := tx.PutProductStock(ctx, id, newStock); err != nil {
				return err
			}
		}
		for _, it := range in.Items {
			p := snapshots[it.ProductID]
			prev := p.StockQuantity
			next := prev - it.Quantity
			p.StockQuantity = next // keep running snapshot for repeated products
			if err := tx.AppendHistory(ctx, inventory.HistoryRecord{
				ProductID:     it.ProductID,
				ProductName:   p.Name,
				PreviousStock: prev,
				NewStock:      next,
				Change:        -it.Quantity,
				UpdatedBy:     inventory.ActorOrder,
				UpdatedAt:     start,
				OrderID:       order.ID,
			}); err != nil {
				return err
			}
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		e.classifyFailure(err)
		return nil, err
	}

	placed, err := e.Store.GetOrder(ctx, order.ID)
	if err != nil {
		// The commit succeeded; fall back to the local copy.
		placed = order
	}

	if e.Metrics != nil {
		e.Metrics.OrdersPlaced.Inc()
	}
	logging.Log(logging.Fields{
		Service:    service,
		OrderID:    string(placed.ID),
		UserID:     string(placed.UserID),
		Step:       "place_order",
		Status:     "committed",
		DurationMS: time.Since(start).Milliseconds(),
	})

	if e.Events != nil {
		evt := contracts.Event{
			EventID:   uuid.NewString(),
			OrderID:   string(placed.ID),
			UserID:    string(placed.UserID),
			CreatedAt: start,
			Type:      contracts.EventOrderPlaced,
			Payload:   map[string]any{"total": placed.Total, "items": len(placed.Items)},
		}
		if err := e.Events.RecordEvent(ctx, evt); err != nil {
			logging.Log(logging.Fields{Service: service, OrderID: string(placed.ID), EventID: evt.EventID, Step: "event", Status: "record_failed", Message: err.Error()})
		}
	}

	e.announce(ctx, placed)
	return placed, nil
}

// announce runs post-commit and is best-effort: a broken dispatcher must
// never invalidate the committed order.
func (e *Engine) announce(ctx context.Context, o *domain.Order) {
	now := e.Now()
	notify.BestEffort(ctx, e.Dispatcher, service, notify.Notification{
		UserID:  o.UserID,
		Message: fmt.Sprintf("Your order %s has been placed and is being processed.", o.ID),
		Date:    now,
		Type:    notify.TypeOrder,
	})
	admins, err := e.Store.ListAdminUserIDs(ctx)
	if err != nil {
		logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), Step: "notify_admins", Status: "list_failed", Message: err.Error()})
		return
	}
	for _, admin := range admins {
		notify.BestEffort(ctx, e.Dispatcher, service, notify.Notification{
			UserID:  admin,
			Message: fmt.Sprintf("New order %s placed for KES %d.", o.ID, o.Total),
			Date:    now,
			Type:    notify.TypeOrder,
		})
	}
}

func (e *Engine) classifyFailure(err error) {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		e.countRejection("insufficient_stock")
	case errors.Is(err, domain.ErrProductNotFound):
		e.countRejection("product_not_found")
	case errors.Is(err, domain.ErrRetriesExhausted):
		e.countRejection("conflict")
	default:
		e.countRejection("other")
	}
}

func (e *Engine) countRejection(reason string) {
	if e.Metrics != nil {
		e.Metrics.PlacementsRejected.WithLabelValues(reason).Inc()
	}
}
