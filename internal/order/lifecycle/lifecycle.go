// Package lifecycle drives an order through its state machine:
//
//	Processing -> Shipped -> Delivered        (forward only)
//	Processing/Shipped -> Cancelled           (compensating restock)
//	Delivered: return Requested -> Approved | Rejected
//
// Every transition carries its own side effects; side-effect failures after
// commit are logged, never unwound.
package lifecycle

import (
	"context"
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

type Manager struct {
	Store      storage.Store
	Dispatcher notify.Dispatcher
	Metrics    *metrics.CoreMetrics

	// Events, when set, receives one contract event per committed
	// transition. Recording is best-effort like notifications.
	Events contracts.Recorder

	Now func() time.Time
}

func NewManager(store storage.Store, dispatcher notify.Dispatcher, m *metrics.CoreMetrics) *Manager {
	return &Manager{
		Store:      store,
		Dispatcher: dispatcher,
		Metrics:    m,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ship moves Processing -> Shipped and persists the tracking record.
func (m *Manager) Ship(ctx context.Context, id domain.OrderID, expectedVersion int64, carrier, trackingNumber string) (*domain.Order, error) {
	if carrier == "" || trackingNumber == "" {
		return nil, fmt.Errorf("carrier and tracking number are required to dispatch")
	}
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusProcessing {
			return &domain.InvalidTransitionError{From: o.Status, Action: "ship"}
		}
		o.Status = domain.OrderStatusShipped
		o.Tracking = &domain.Tracking{Carrier: carrier, TrackingNumber: trackingNumber}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "ship", "shipped")
	m.recordEvent(ctx, o, contracts.EventOrderShipped, map[string]any{"carrier": carrier, "trackingNumber": trackingNumber})
	notify.BestEffort(ctx, m.Dispatcher, service, notify.Notification{
		UserID:  o.UserID,
		Message: fmt.Sprintf("Your order %s has shipped via %s (tracking %s).", o.ID, carrier, trackingNumber),
		Date:    m.Now(),
		Type:    notify.TypeOrder,
	})
	return o, nil
}

// ConfirmDelivery moves Shipped -> Delivered and credits loyalty points,
// exactly once per order. The LoyaltyAwarded flag is checked and set inside
// the same write, so a re-delivery (an order overridden back to Shipped and
// confirmed again) cannot repeat the accrual.
func (m *Manager) ConfirmDelivery(ctx context.Context, id domain.OrderID, expectedVersion int64) (*domain.Order, error) {
	var alreadyAwarded bool
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusShipped {
			return &domain.InvalidTransitionError{From: o.Status, Action: "confirm delivery of"}
		}
		o.Status = domain.OrderStatusDelivered
		alreadyAwarded = o.LoyaltyAwarded
		o.LoyaltyAwarded = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "deliver", "delivered")
	m.recordEvent(ctx, o, contracts.EventOrderDelivered, nil)

	points := o.LoyaltyPoints()
	if alreadyAwarded {
		points = 0
		logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), UserID: string(o.UserID), Step: "loyalty", Status: "already_awarded"})
	}
	if points > 0 {
		if _, err := m.Store.AdjustLoyaltyPoints(ctx, o.UserID, points); err != nil {
			// Accrual is a side effect; the delivery stays committed.
			logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), UserID: string(o.UserID), Step: "loyalty", Status: "accrual_failed", Message: err.Error()})
			points = 0
		} else {
			if m.Metrics != nil {
				m.Metrics.LoyaltyAwarded.Add(float64(points))
			}
			m.recordEvent(ctx, o, contracts.EventLoyaltyAccrued, map[string]any{"points": points})
		}
	}
	notify.BestEffort(ctx, m.Dispatcher, service, notify.Notification{
		UserID:  o.UserID,
		Message: fmt.Sprintf("Order %s delivered. You earned %d loyalty points.", o.ID, points),
		Date:    m.Now(),
		Type:    notify.TypeOrder,
	})
	return o, nil
}

// Cancel moves Processing/Shipped -> Cancelled and restocks every line item
// in the same transaction. Cancelling an already-cancelled order is a no-op,
// so stock can never be restored twice.
func (m *Manager) Cancel(ctx context.Context, id domain.OrderID, expectedVersion int64) (*domain.Order, error) {
	now := m.Now()
	var result *domain.Order
	var alreadyCancelled bool
	var restocked int

	err := m.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		alreadyCancelled = false
		restocked = 0

		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && o.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		if o.Status == domain.OrderStatusCancelled {
			alreadyCancelled = true
			result = o
			return nil
		}
		if o.Status == domain.OrderStatusDelivered {
			return &domain.InvalidTransitionError{From: o.Status, Action: "cancel"}
		}

		for _, it := range o.Items {
			p, err := tx.GetProduct(ctx, it.ProductID)
			if err != nil {
				// The product may have been retired since the order was
				// placed; restock what still exists rather than failing
				// the cancellation.
				logging.Log(logging.Fields{Service: service, OrderID: string(id), ProductID: string(it.ProductID), Step: "restock", Status: "product_missing"})
				continue
			}
			prev := p.StockQuantity
			next := prev + it.Quantity
			if err := tx.PutProductStock(ctx, it.ProductID, next); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, inventory.HistoryRecord{
				ProductID:     it.ProductID,
				ProductName:   p.Name,
				PreviousStock: prev,
				NewStock:      next,
				Change:        it.Quantity,
				UpdatedBy:     inventory.ActorCancellation,
				UpdatedAt:     now,
				OrderID:       id,
			}); err != nil {
				return err
			}
			restocked++
		}

		o.Status = domain.OrderStatusCancelled
		result = o
		return tx.PutOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	if alreadyCancelled {
		return result, nil
	}

	if m.Metrics != nil {
		m.Metrics.Restocks.Add(float64(restocked))
	}
	m.logStep(result, "cancel", "cancelled")
	m.recordEvent(ctx, result, contracts.EventOrderCancelled, map[string]any{"restockedItems": restocked})
	notify.BestEffort(ctx, m.Dispatcher, service, notify.Notification{
		UserID:  result.UserID,
		Message: fmt.Sprintf("Your order %s has been cancelled.", result.ID),
		Date:    now,
		Type:    notify.TypeOrder,
	})
	return m.Store.GetOrder(ctx, id)
}

// RequestReturn opens the return sub-flow on a delivered order and alerts
// every admin. The return itself moves no stock and no loyalty points.
func (m *Manager) RequestReturn(ctx context.Context, id domain.OrderID, expectedVersion int64, reason string) (*domain.Order, error) {
	if reason == "" {
		return nil, fmt.Errorf("a return reason is required")
	}
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusDelivered {
			return &domain.InvalidTransitionError{From: o.Status, Action: "request a return for"}
		}
		if o.ReturnStatus != "" {
			return fmt.Errorf("return already %s", o.ReturnStatus)
		}
		o.ReturnStatus = domain.ReturnStatusRequested
		o.ReturnReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "return_request", string(o.ReturnStatus))
	m.recordEvent(ctx, o, contracts.EventReturnRequested, map[string]any{"reason": reason})

	admins, err := m.Store.ListAdminUserIDs(ctx)
	if err != nil {
		logging.Log(logging.Fields{Service: service, OrderID: string(id), Step: "return_request", Status: "admin_list_failed", Message: err.Error()})
		return o, nil
	}
	for _, admin := range admins {
		notify.BestEffort(ctx, m.Dispatcher, service, notify.Notification{
			UserID:  admin,
			Message: fmt.Sprintf("Return requested on order %s: %s", o.ID, reason),
			Date:    m.Now(),
			Type:    notify.TypeOrder,
		})
	}
	return o, nil
}

// ResolveReturn records the admin decision on a requested return.
func (m *Manager) ResolveReturn(ctx context.Context, id domain.OrderID, expectedVersion int64, approve bool) (*domain.Order, error) {
	decision := domain.ReturnStatusRejected
	if approve {
		decision = domain.ReturnStatusApproved
	}
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		if o.ReturnStatus != domain.ReturnStatusRequested {
			return fmt.Errorf("no pending return on order %s", o.ID)
		}
		o.ReturnStatus = decision
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "return_resolve", string(decision))
	m.recordEvent(ctx, o, contracts.EventReturnResolved, map[string]any{"decision": string(decision)})
	notify.BestEffort(ctx, m.Dispatcher, service, notify.Notification{
		UserID:  o.UserID,
		Message: fmt.Sprintf("Your return for order %s was %s.", o.ID, decision),
		Date:    m.Now(),
		Type:    notify.TypeOrder,
	})
	return o, nil
}

// RecordManualPayment settles an order offline (cash, paybill code checked
// by hand). It flips payment status to Paid without the gateway, waking any
// pending push-payment wait on the order.
func (m *Manager) RecordManualPayment(ctx context.Context, id domain.OrderID, expectedVersion int64, p domain.ManualPayment) (*domain.Order, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive")
	}
	if p.Date.IsZero() {
		p.Date = m.Now()
	}
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		o.Manual = &p
		o.PaymentStatus = domain.PaymentStatusPaid
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "record_payment", "paid")
	m.recordEvent(ctx, o, contracts.EventPaymentRecorded, map[string]any{"amount": p.Amount, "method": p.Method, "reference": p.Reference})
	return o, nil
}

// AddNote appends to the order's internal history. Notes are admin-facing
// and never shown to the purchaser.
func (m *Manager) AddNote(ctx context.Context, id domain.OrderID, author, note string) (*domain.Order, error) {
	return m.Store.UpdateOrder(ctx, id, 0, func(o *domain.Order) error {
		o.InternalHistory = append(o.InternalHistory, domain.InternalNote{Author: author, Date: m.Now(), Note: note})
		return nil
	})
}

// Override is the privileged direct status set used for manual correction.
// It skips the side-effect table on purpose, with one exception: moves into
// or out of Cancelled are refused, because only Cancel keeps stock honest.
// Every override is recorded in the internal history.
func (m *Manager) Override(ctx context.Context, id domain.OrderID, expectedVersion int64, status domain.OrderStatus, author string) (*domain.Order, error) {
	switch status {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
	case domain.OrderStatusCancelled:
		return nil, fmt.Errorf("cancel the order instead of overriding to %q", status)
	default:
		return nil, fmt.Errorf("unknown order status %q", status)
	}
	o, err := m.Store.UpdateOrder(ctx, id, expectedVersion, func(o *domain.Order) error {
		if o.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("order %s is cancelled; overrides are not permitted", o.ID)
		}
		o.InternalHistory = append(o.InternalHistory, domain.InternalNote{
			Author: author,
			Date:   m.Now(),
			Note:   fmt.Sprintf("status override %s -> %s", o.Status, status),
		})
		o.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logStep(o, "override", string(status))
	return o, nil
}

func (m *Manager) recordEvent(ctx context.Context, o *domain.Order, typ string, payload map[string]any) {
	if m.Events == nil {
		return
	}
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(o.ID),
		UserID:    string(o.UserID),
		CreatedAt: m.Now(),
		Type:      typ,
		Payload:   payload,
	}
	if err := m.Events.RecordEvent(ctx, evt); err != nil {
		logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), EventID: evt.EventID, Step: "event", Status: "record_failed", Message: err.Error()})
	}
}

func (m *Manager) logStep(o *domain.Order, step, status string) {
	logging.Log(logging.Fields{
		Service: service,
		OrderID: string(o.ID),
		UserID:  string(o.UserID),
		Step:    step,
		Status:  status,
	})
}
