package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

const service = "order-core"

// DefaultWait bounds the push-confirmation wait. Confirmation arrives from
// a third party on its own schedule; after this window the order is left
// pending for manual reconciliation rather than blocked or auto-cancelled.
const DefaultWait = 120 * time.Second

// ErrAwaitActive rejects a second push initiation while a wait is already
// outstanding on the same order.
var ErrAwaitActive = errors.New("a payment is already awaiting confirmation for this order")

type OutcomeState string

const (
	OutcomePaid     OutcomeState = "paid"
	OutcomeFailed   OutcomeState = "failed"
	OutcomeTimedOut OutcomeState = "timed_out"
)

type Outcome struct {
	State  OutcomeState
	Reason string
}

type Reconciler struct {
	Store   storage.Store
	Gateway Gateway
	Wait    time.Duration
	Metrics *metrics.CoreMetrics
	Events  contracts.Recorder

	mu     sync.Mutex
	active map[domain.OrderID]struct{}
}

func NewReconciler(store storage.Store, gw Gateway, m *metrics.CoreMetrics) *Reconciler {
	return &Reconciler{
		Store:   store,
		Gateway: gw,
		Wait:    DefaultWait,
		Metrics: m,
		active:  make(map[domain.OrderID]struct{}),
	}
}

func (r *Reconciler) acquire(id domain.OrderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return ErrAwaitActive
	}
	r.active[id] = struct{}{}
	return nil
}

func (r *Reconciler) release(id domain.OrderID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// InitiateAndAwait sends the push prompt for the order's total and waits,
// bounded, for the asynchronous confirmation. On initiation failure no
// correlation state is committed and the order stays unpaid, so the user
// can retry payment without re-placing the order.
func (r *Reconciler) InitiateAndAwait(ctx context.Context, id domain.OrderID, phoneNumber string) (Outcome, error) {
	if r.Gateway == nil {
		return Outcome{}, &domain.PaymentInitiationError{Reason: "push payments are not configured"}
	}
	if err := r.acquire(id); err != nil {
		return Outcome{}, err
	}
	defer r.release(id)

	o, err := r.Store.GetOrder(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if o.PaymentStatus == domain.PaymentStatusPaid {
		return Outcome{}, fmt.Errorf("order %s is already paid", id)
	}
	// A Failed status left over from an earlier attempt must not be read
	// back as the outcome of this one. Clearing it before the gateway call
	// keeps a confirmation landing mid-initiation from being overwritten.
	if o.PaymentStatus == domain.PaymentStatusFailed {
		if err := r.Store.SetPaymentStatus(ctx, id, domain.PaymentStatusUnpaid, ""); err != nil {
			return Outcome{}, err
		}
	}

	resp, err := r.Gateway.InitiatePush(ctx, PushRequest{PhoneNumber: phoneNumber, Amount: o.Total})
	if err != nil {
		return Outcome{}, &domain.PaymentInitiationError{Reason: err.Error()}
	}
	if !resp.Success {
		return Outcome{}, &domain.PaymentInitiationError{Reason: resp.Message}
	}

	if _, err := r.Store.UpdateOrder(ctx, id, 0, func(o *domain.Order) error {
		o.CheckoutRequestID = resp.CheckoutRequestID
		return nil
	}); err != nil {
		return Outcome{}, err
	}
	logging.Log(logging.Fields{Service: service, OrderID: string(id), Channel: string(MethodPush), Step: "push_initiate", Status: "sent"})

	return r.await(ctx, id)
}

// await registers the single payment-status watch for the order and
// guarantees exactly one unregistration on every exit path.
func (r *Reconciler) await(ctx context.Context, id domain.OrderID) (Outcome, error) {
	ch, stop, err := r.Store.WatchPaymentStatus(id)
	if err != nil {
		return Outcome{}, err
	}
	defer stop()

	// The confirmation may have landed between initiation and watch
	// registration; check once after subscribing. Both terminal statuses
	// count; a rejection must not leave the user waiting out the clock.
	if o, err := r.Store.GetOrder(ctx, id); err == nil {
		switch o.PaymentStatus {
		case domain.PaymentStatusPaid:
			return r.finish(id, Outcome{State: OutcomePaid}), nil
		case domain.PaymentStatusFailed:
			return r.finish(id, Outcome{State: OutcomeFailed, Reason: o.PaymentFailureReason}), nil
		}
	}

	wait := r.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case change := <-ch:
			switch change.Status {
			case domain.PaymentStatusPaid:
				return r.finish(id, Outcome{State: OutcomePaid}), nil
			case domain.PaymentStatusFailed:
				return r.finish(id, Outcome{State: OutcomeFailed, Reason: change.Reason}), nil
			default:
				// Intermediate statuses keep the wait open.
			}
		case <-timer.C:
			return r.finish(id, Outcome{State: OutcomeTimedOut}), nil
		}
	}
}

func (r *Reconciler) finish(id domain.OrderID, out Outcome) Outcome {
	if r.Metrics != nil {
		r.Metrics.PaymentOutcomes.WithLabelValues(string(out.State)).Inc()
	}
	logging.Log(logging.Fields{
		Service: service,
		OrderID: string(id),
		Channel: string(MethodPush),
		Step:    "push_await",
		Status:  string(out.State),
		Message: out.Reason,
	})
	return out
}

// Callback is the gateway's asynchronous confirmation event.
type Callback struct {
	CheckoutRequestID string `json:"checkoutRequestID"`
	ResultCode        string `json:"resultCode"`
	ResultDesc        string `json:"resultDesc,omitempty"`
}

// ApplyCallback matches a confirmation to its order by correlation id and
// writes the terminal payment status, waking the pending wait. Unknown
// correlation ids are logged and dropped; the gateway retries on its own.
func (r *Reconciler) ApplyCallback(ctx context.Context, cb Callback) error {
	o, err := r.Store.GetOrderByCorrelation(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNoCorrelation) {
			logging.Log(logging.Fields{Service: service, Channel: string(MethodPush), Step: "callback", Status: "unmatched", Message: cb.CheckoutRequestID})
			return nil
		}
		return err
	}
	if cb.ResultCode == "0" {
		if err := r.Store.SetPaymentStatus(ctx, o.ID, domain.PaymentStatusPaid, ""); err != nil {
			return err
		}
		r.recordEvent(ctx, o, contracts.EventPaymentConfirmed, map[string]any{"checkoutRequestId": cb.CheckoutRequestID})
		return nil
	}
	reason := ReasonFor(cb.ResultCode, cb.ResultDesc)
	if err := r.Store.SetPaymentStatus(ctx, o.ID, domain.PaymentStatusFailed, reason); err != nil {
		return err
	}
	r.recordEvent(ctx, o, contracts.EventPaymentFailed, map[string]any{"resultCode": cb.ResultCode, "reason": reason})
	return nil
}

func (r *Reconciler) recordEvent(ctx context.Context, o *domain.Order, typ string, payload map[string]any) {
	if r.Events == nil {
		return
	}
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(o.ID),
		UserID:    string(o.UserID),
		CreatedAt: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
	if err := r.Events.RecordEvent(ctx, evt); err != nil {
		logging.Log(logging.Fields{Service: service, OrderID: string(o.ID), Step: "event", Status: "record_failed", Message: err.Error()})
	}
}
