package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/lifecycle"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/payment"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/placement"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/memory"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

type stubGateway struct {
	resp payment.PushResponse
	err  error
}

func (g *stubGateway) InitiatePush(_ context.Context, _ payment.PushRequest) (payment.PushResponse, error) {
	return g.resp, g.err
}

func newTestAPI(t *testing.T, gw payment.Gateway) (*api, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.SeedAdmins("admin-1")
	store.SeedProduct(inventory.Product{ID: "dap-fertilizer-50kg", Name: "DAP Fertilizer 50kg", Price: 7500, StockQuantity: 5})
	store.SeedProduct(inventory.Product{ID: "knapsack-sprayer", Name: "Knapsack Sprayer 20L", Price: 3500, StockQuantity: 2})

	dispatcher := &notify.SinkDispatcher{Sink: store}
	reconciler := payment.NewReconciler(store, gw, nil)
	reconciler.Wait = 200 * time.Millisecond

	return &api{
		store:      store,
		engine:     placement.NewEngine(store, dispatcher, nil),
		manager:    lifecycle.NewManager(store, dispatcher, nil),
		reconciler: reconciler,
		metrics:    metrics.NewServerMetrics("order_service", prometheus.NewRegistry()),
		cardURL:    "https://pay.melagro.example/checkout",
	}, store
}

func do(t *testing.T, a *api, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func checkoutBody(method string) map[string]any {
	return map[string]any{
		"userId": "customer-1",
		"items": []map[string]any{
			{"id": "dap-fertilizer-50kg", "quantity": 2, "price": 7500},
		},
		"shippingCost":    400,
		"shippingAddress": map[string]any{"county": "Nakuru", "details": "Njoro", "method": "courier"},
		"paymentMethod":   method,
	}
}

func TestCheckoutCashOnDelivery(t *testing.T) {
	a, store := newTestAPI(t, nil)

	rec, out := do(t, a, http.MethodPost, "/checkout", checkoutBody("cod"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Processing", out["status"])
	assert.Equal(t, "Unpaid", out["paymentStatus"])
	require.NotEmpty(t, out["orderId"])

	p, _ := store.Product("dap-fertilizer-50kg")
	assert.Equal(t, int64(3), p.StockQuantity)
}

func TestCheckoutUnknownMethodRejected(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	rec, _ := do(t, a, http.MethodPost, "/checkout", checkoutBody("barter"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutInsufficientStock(t *testing.T) {
	a, store := newTestAPI(t, nil)

	body := checkoutBody("cod")
	body["items"] = []map[string]any{{"id": "knapsack-sprayer", "quantity": 3, "price": 3500}}
	rec, out := do(t, a, http.MethodPost, "/checkout", body, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Knapsack Sprayer 20L", out["product"])
	assert.Equal(t, float64(2), out["remaining"])

	p, _ := store.Product("knapsack-sprayer")
	assert.Equal(t, int64(2), p.StockQuantity, "no partial decrement")
}

func TestCheckoutIdempotencyReplay(t *testing.T) {
	a, store := newTestAPI(t, nil)
	h := http.Header{"Idempotency-Key": []string{"key-123"}}

	rec, first := do(t, a, http.MethodPost, "/checkout", checkoutBody("cod"), h)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, second := do(t, a, http.MethodPost, "/checkout", checkoutBody("cod"), h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["orderId"], second["orderId"])
	assert.Equal(t, "IDEMPOTENT_REPLAY", second["status"])

	p, _ := store.Product("dap-fertilizer-50kg")
	assert.Equal(t, int64(3), p.StockQuantity, "the replay decrements nothing")
}

func TestCheckoutCardReturnsRedirect(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	rec, out := do(t, a, http.MethodPost, "/checkout", checkoutBody("card"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out["redirectUrl"], "https://pay.melagro.example/checkout?order=")
}

func TestCheckoutPushTimesOutPending(t *testing.T) {
	gw := &stubGateway{resp: payment.PushResponse{Success: true, CheckoutRequestID: "ws_CO_test"}}
	a, _ := newTestAPI(t, gw)

	body := checkoutBody("mpesa")
	body["phoneNumber"] = "254712345678"
	rec, out := do(t, a, http.MethodPost, "/checkout", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", out["payment"])
	assert.Equal(t, "Unpaid", out["paymentStatus"])
}

func TestCheckoutPushInitiationFailureKeepsOrder(t *testing.T) {
	gw := &stubGateway{resp: payment.PushResponse{Success: false, Message: "invalid phone number"}}
	a, store := newTestAPI(t, gw)

	body := checkoutBody("mpesa")
	body["phoneNumber"] = "0712"
	rec, out := do(t, a, http.MethodPost, "/checkout", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", out["payment"])
	require.NotEmpty(t, out["orderId"])

	o, err := store.GetOrder(context.Background(), domain.OrderID(out["orderId"].(string)))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, o.PaymentStatus)
}

func placeOrder(t *testing.T, a *api) string {
	t.Helper()
	rec, out := do(t, a, http.MethodPost, "/checkout", checkoutBody("cod"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return out["orderId"].(string)
}

func TestLifecycleOverWire(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)

	rec, _ := do(t, a, http.MethodPost, "/orders/"+id+"/ship", map[string]any{"carrier": "G4S", "trackingNumber": "TRK-9"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out := do(t, a, http.MethodPost, "/orders/"+id+"/deliver", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Delivered", out["status"])

	// Delivered orders cannot be cancelled.
	rec, _ = do(t, a, http.MethodPost, "/orders/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out = do(t, a, http.MethodPost, "/orders/"+id+"/return", map[string]any{"reason": "wrong item"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Requested", out["returnStatus"])

	rec, out = do(t, a, http.MethodPost, "/orders/"+id+"/return/resolve", map[string]any{"approve": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Approved", out["returnStatus"])
}

func TestShipWithoutTrackingRejected(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)
	rec, _ := do(t, a, http.MethodPost, "/orders/"+id+"/ship", map[string]any{"carrier": "G4S"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderNotFound(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	rec, _ := do(t, a, http.MethodGet, "/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaleVersionConflictOverWire(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)

	rec, _ := do(t, a, http.MethodPost, "/orders/"+id+"/notes", map[string]any{"author": "admin-1", "note": "called customer"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, a, http.MethodPost, "/orders/"+id+"/ship", map[string]any{"expectedVersion": 1, "carrier": "G4S", "trackingNumber": "TRK-9"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOverrideToCancelledRefused(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)
	rec, _ := do(t, a, http.MethodPost, "/orders/"+id+"/status", map[string]any{"status": "Cancelled", "author": "admin-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordManualPayment(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)

	rec, out := do(t, a, http.MethodPost, "/payments/record", map[string]any{
		"orderId":   id,
		"amount":    15400,
		"method":    "paybill",
		"reference": "QWE123",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Paid", out["paymentStatus"])
}

func TestPushWithoutGatewayReturnsBadGateway(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)

	rec, out := do(t, a, http.MethodPost, "/payments/push", map[string]any{
		"orderId":     id,
		"phoneNumber": "254712345678",
	}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, out["error"], "not configured")
}

func TestRequestsCountedByStatus(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	id := placeOrder(t, a)

	rec, _ := do(t, a, http.MethodGet, "/orders/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, a, http.MethodGet, "/orders/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.Requests.WithLabelValues("checkout", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.Requests.WithLabelValues("get_order", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.Requests.WithLabelValues("get_order", "404")))
}

func TestCallbackUnknownCorrelationAccepted(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	rec, out := do(t, a, http.MethodPost, "/payments/callback", map[string]any{
		"checkoutRequestID": "ws_CO_unknown",
		"resultCode":        "0",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}
