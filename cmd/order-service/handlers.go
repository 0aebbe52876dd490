package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/lifecycle"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/payment"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/placement"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/idempotency"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

type api struct {
	store      coreStore
	engine     *placement.Engine
	manager    *lifecycle.Manager
	reconciler *payment.Reconciler
	metrics    *metrics.ServerMetrics
	cardURL    string
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /checkout", a.instrument("checkout", a.checkout))
	mux.HandleFunc("GET /orders/{id}", a.instrument("get_order", a.getOrder))
	mux.HandleFunc("POST /orders/{id}/ship", a.instrument("ship", a.ship))
	mux.HandleFunc("POST /orders/{id}/deliver", a.instrument("deliver", a.deliver))
	mux.HandleFunc("POST /orders/{id}/cancel", a.instrument("cancel", a.cancel))
	mux.HandleFunc("POST /orders/{id}/return", a.instrument("return_request", a.requestReturn))
	mux.HandleFunc("POST /orders/{id}/return/resolve", a.instrument("return_resolve", a.resolveReturn))
	mux.HandleFunc("POST /orders/{id}/notes", a.instrument("add_note", a.addNote))
	mux.HandleFunc("POST /orders/{id}/status", a.instrument("override", a.override))
	mux.HandleFunc("POST /payments/push", a.instrument("push_payment", a.pushPayment))
	mux.HandleFunc("POST /payments/callback", a.instrument("payment_callback", a.paymentCallback))
	mux.HandleFunc("POST /payments/record", a.instrument("record_payment", a.recordPayment))
	return mux
}

// instrument counts and times a handler, labeled by the status it wrote.
func (a *api) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		a.metrics.Requests.WithLabelValues(name, strconv.Itoa(sw.status)).Inc()
		a.metrics.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
	}
}

// statusWriter remembers the status code written so instrument can label
// the request count with it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type checkoutItem struct {
	ID              string `json:"id"`
	Quantity        int64  `json:"quantity"`
	Price           int64  `json:"price"`
	SelectedVariant string `json:"selectedVariant,omitempty"`
}

type checkoutRequest struct {
	UserID          string                 `json:"userId"`
	Items           []checkoutItem         `json:"items"`
	ShippingCost    int64                  `json:"shippingCost"`
	DiscountAmount  int64                  `json:"discountAmount"`
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	PhoneNumber     string                 `json:"phoneNumber,omitempty"`
}

type checkoutResponse struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Payment       string `json:"payment,omitempty"` // paid | failed | pending
	PaymentReason string `json:"paymentReason,omitempty"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
}

func (a *api) checkout(w http.ResponseWriter, r *http.Request) {

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	spec, err := payment.Lookup(req.PaymentMethod)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// Replays of the same checkout return the previously placed order.
	idemKey := idempotency.Key(r)
	if idemKey != "" {
		if existing, err := a.store.LookupIdempotentOrder(r.Context(), idemKey); err == nil && existing != "" {
			if o, err := a.store.GetOrder(r.Context(), existing); err == nil {
				writeJSON(w, http.StatusOK, checkoutResponse{
					OrderID:       string(o.ID),
					Status:        idempotency.StatusReplay,
					PaymentStatus: string(o.PaymentStatus),
				})
				return
			}
		}
	}

	in := placement.Input{
		UserID:               domain.UserID(req.UserID),
		ShippingCost:         req.ShippingCost,
		DiscountAmount:       req.DiscountAmount,
		ShippingAddress:      req.ShippingAddress,
		PaymentMethod:        req.PaymentMethod,
		InitialPaymentStatus: spec.InitialStatus,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, placement.ItemInput{
			ProductID:       domain.ProductID(it.ID),
			Quantity:        it.Quantity,
			Price:           it.Price,
			SelectedVariant: it.SelectedVariant,
		})
	}

	order, err := a.engine.PlaceOrder(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	if idemKey != "" {
		if err := a.store.RememberIdempotentOrder(r.Context(), idemKey, order.ID); err != nil {
			// The order is committed; a lost idempotency record only costs
			// replay protection.
			writeJSON(w, http.StatusOK, checkoutResponse{OrderID: string(order.ID), Status: string(order.Status), PaymentStatus: string(order.PaymentStatus)})
			return
		}
	}

	resp := checkoutResponse{
		OrderID:       string(order.ID),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
	}

	switch spec.Kind {
	case payment.KindRedirect:
		resp.RedirectURL = a.cardURL + "?order=" + string(order.ID)
	case payment.KindPush:
		outcome, err := a.reconciler.InitiateAndAwait(r.Context(), order.ID, req.PhoneNumber)
		if err != nil {
			// The order stands; surface the initiation failure so the user
			// can retry payment without re-placing.
			resp.Payment = "failed"
			resp.PaymentReason = err.Error()
			writeJSON(w, http.StatusOK, resp)
			return
		}
		applyOutcome(&resp, outcome)
		if current, err := a.store.GetOrder(r.Context(), order.ID); err == nil {
			resp.PaymentStatus = string(current.PaymentStatus)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func applyOutcome(resp *checkoutResponse, outcome payment.Outcome) {
	switch outcome.State {
	case payment.OutcomePaid:
		resp.Payment = "paid"
	case payment.OutcomeFailed:
		resp.Payment = "failed"
		resp.PaymentReason = outcome.Reason
	case payment.OutcomeTimedOut:
		resp.Payment = "pending"
		resp.PaymentReason = "Confirmation is still pending. Check your order status shortly."
	}
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.store.GetOrder(r.Context(), domain.OrderID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type actionRequest struct {
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
	Carrier         string `json:"carrier,omitempty"`
	TrackingNumber  string `json:"trackingNumber,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Approve         bool   `json:"approve,omitempty"`
	Author          string `json:"author,omitempty"`
	Note            string `json:"note,omitempty"`
	Status          string `json:"status,omitempty"`
}

func decodeAction(r *http.Request) (actionRequest, error) {
	var req actionRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func (a *api) ship(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.Ship(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion, req.Carrier, req.TrackingNumber)
	a.respond(w, o, err)
}

func (a *api) deliver(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.ConfirmDelivery(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion)
	a.respond(w, o, err)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.Cancel(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion)
	a.respond(w, o, err)
}

func (a *api) requestReturn(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.RequestReturn(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion, req.Reason)
	a.respond(w, o, err)
}

func (a *api) resolveReturn(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.ResolveReturn(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion, req.Approve)
	a.respond(w, o, err)
}

func (a *api) addNote(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil || req.Note == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "note is required"})
		return
	}
	o, err := a.manager.AddNote(r.Context(), domain.OrderID(r.PathValue("id")), req.Author, req.Note)
	a.respond(w, o, err)
}

func (a *api) override(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.Override(r.Context(), domain.OrderID(r.PathValue("id")), req.ExpectedVersion, domain.OrderStatus(req.Status), req.Author)
	a.respond(w, o, err)
}

type pushRequest struct {
	OrderID     string `json:"orderId"`
	PhoneNumber string `json:"phoneNumber"`
}

// pushPayment retries the push channel on an existing unpaid order.
func (a *api) pushPayment(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	outcome, err := a.reconciler.InitiateAndAwait(r.Context(), domain.OrderID(req.OrderID), req.PhoneNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := checkoutResponse{OrderID: req.OrderID}
	applyOutcome(&resp, outcome)
	if o, err := a.store.GetOrder(r.Context(), domain.OrderID(req.OrderID)); err == nil {
		resp.Status = string(o.Status)
		resp.PaymentStatus = string(o.PaymentStatus)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) paymentCallback(w http.ResponseWriter, r *http.Request) {
	var cb payment.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if err := a.reconciler.ApplyCallback(r.Context(), cb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type recordPaymentRequest struct {
	OrderID         string    `json:"orderId"`
	ExpectedVersion int64     `json:"expectedVersion,omitempty"`
	Amount          int64     `json:"amount"`
	Method          string    `json:"method"`
	Reference       string    `json:"reference"`
	Date            time.Time `json:"date,omitempty"`
}

func (a *api) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	o, err := a.manager.RecordManualPayment(r.Context(), domain.OrderID(req.OrderID), req.ExpectedVersion, domain.ManualPayment{
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Date:      req.Date,
	})
	a.respond(w, o, err)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *api) respond(w http.ResponseWriter, o *domain.Order, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func writeError(w http.ResponseWriter, err error) {
	var stockErr *domain.InsufficientStockError
	var transitionErr *domain.InvalidTransitionError
	var initErr *domain.PaymentInitiationError

	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     stockErr.Error(),
			"product":   stockErr.ProductName,
			"remaining": stockErr.Remaining,
		})
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrVersionConflict), errors.As(err, &transitionErr), errors.Is(err, payment.ErrAwaitActive):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrRetriesExhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	case errors.As(err, &initErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": initErr.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
