package placement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/memory"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.SeedAdmins("admin-1", "admin-2")
	store.SeedProduct(inventory.Product{ID: "dap-50kg", Name: "DAP Fertilizer 50kg", Price: 7500, StockQuantity: 10})
	store.SeedProduct(inventory.Product{ID: "maize-10kg", Name: "Hybrid Maize Seed 10kg", Price: 4200, StockQuantity: 3})
	engine := NewEngine(store, &notify.SinkDispatcher{Sink: store}, nil)
	return engine, store
}

func basicInput(items ...ItemInput) Input {
	return Input{
		UserID:          "customer-1",
		Items:           items,
		ShippingCost:    300,
		DiscountAmount:  100,
		ShippingAddress: domain.ShippingAddress{County: "Nakuru", Details: "Pipeline", Method: "boda"},
		PaymentMethod:   "cod",
	}
}

func TestPlaceOrderCommitsEverything(t *testing.T) {
	engine, store := newTestEngine(t)

	in := basicInput(
		ItemInput{ProductID: "dap-50kg", Quantity: 2, Price: 7500},
		ItemInput{ProductID: "maize-10kg", Quantity: 1, Price: 4000}, // price at add, not catalog price
	)
	order, err := engine.PlaceOrder(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
	assert.Equal(t, int64(2*7500+4000), order.Subtotal)
	assert.Equal(t, order.Subtotal+300-100, order.Total)
	assert.Equal(t, order.Total, order.ComputedTotal())

	// Snapshots carry the catalog name but the price at add time.
	require.Len(t, order.Items, 2)
	assert.Equal(t, "DAP Fertilizer 50kg", order.Items[0].Name)
	assert.Equal(t, int64(4000), order.Items[1].Price)

	dap, _ := store.Product("dap-50kg")
	maize, _ := store.Product("maize-10kg")
	assert.Equal(t, int64(8), dap.StockQuantity)
	assert.Equal(t, int64(2), maize.StockQuantity)
	assert.True(t, maize.InStock)

	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, inventory.ActorOrder, history[0].UpdatedBy)
	assert.Equal(t, int64(-2), history[0].Change)
	assert.Equal(t, order.ID, history[0].OrderID)
	assert.Equal(t, int64(10), history[0].PreviousStock)
	assert.Equal(t, int64(8), history[0].NewStock)

	// Purchaser plus both admins were notified.
	assert.Len(t, store.Notifications(), 3)
}

func TestPlaceOrderRecordsPlacedEvent(t *testing.T) {
	engine, store := newTestEngine(t)
	engine.Events = store

	order, err := engine.PlaceOrder(context.Background(), basicInput(
		ItemInput{ProductID: "dap-50kg", Quantity: 1, Price: 7500},
	))
	require.NoError(t, err)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventOrderPlaced, events[0].Type)
	assert.Equal(t, string(order.ID), events[0].OrderID)
	assert.Equal(t, order.Total, events[0].Payload["total"])
}

func TestPlaceOrderUnknownProductAbortsAll(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.PlaceOrder(context.Background(), basicInput(
		ItemInput{ProductID: "dap-50kg", Quantity: 2, Price: 7500},
		ItemInput{ProductID: "ghost", Quantity: 1, Price: 100},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	// Nothing persisted: no stock change, no history, no notifications.
	dap, _ := store.Product("dap-50kg")
	assert.Equal(t, int64(10), dap.StockQuantity)
	assert.Empty(t, store.History())
	assert.Empty(t, store.Notifications())
}

func TestPlaceOrderInsufficientStockAbortsAll(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.PlaceOrder(context.Background(), basicInput(
		ItemInput{ProductID: "dap-50kg", Quantity: 1, Price: 7500},
		ItemInput{ProductID: "maize-10kg", Quantity: 4, Price: 4200},
	))
	require.Error(t, err)

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "Hybrid Maize Seed 10kg", stockErr.ProductName)
	assert.Equal(t, int64(3), stockErr.Remaining)

	dap, _ := store.Product("dap-50kg")
	assert.Equal(t, int64(10), dap.StockQuantity, "the passing item must not be decremented")
	assert.Empty(t, store.History())
}

func TestPlaceOrderAggregatesRepeatedProduct(t *testing.T) {
	engine, store := newTestEngine(t)

	// Two variant lines of the same product: demand is summed for the
	// stock check and the decrement.
	order, err := engine.PlaceOrder(context.Background(), basicInput(
		ItemInput{ProductID: "maize-10kg", Quantity: 2, Price: 4200, SelectedVariant: "early"},
		ItemInput{ProductID: "maize-10kg", Quantity: 1, Price: 4200, SelectedVariant: "late"},
	))
	require.NoError(t, err)
	require.Len(t, order.Items, 2)

	maize, _ := store.Product("maize-10kg")
	assert.Equal(t, int64(0), maize.StockQuantity)
	assert.False(t, maize.InStock)

	// One history record per line, with a consistent running snapshot.
	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].PreviousStock)
	assert.Equal(t, int64(1), history[0].NewStock)
	assert.Equal(t, int64(1), history[1].PreviousStock)
	assert.Equal(t, int64(0), history[1].NewStock)

	_, err = engine.PlaceOrder(context.Background(), basicInput(
		ItemInput{ProductID: "maize-10kg", Quantity: 2, Price: 4200, SelectedVariant: "early"},
		ItemInput{ProductID: "maize-10kg", Quantity: 2, Price: 4200, SelectedVariant: "late"},
	))
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
}

func TestPlaceOrderValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   Input
	}{
		{"no user", Input{Items: []ItemInput{{ProductID: "dap-50kg", Quantity: 1, Price: 1}}}},
		{"no items", Input{UserID: "u"}},
		{"zero quantity", basicInput(ItemInput{ProductID: "dap-50kg", Quantity: 0, Price: 1})},
		{"negative price", basicInput(ItemInput{ProductID: "dap-50kg", Quantity: 1, Price: -5})},
		{
			"negative shipping",
			Input{UserID: "u", Items: []ItemInput{{ProductID: "dap-50kg", Quantity: 1, Price: 1}}, ShippingCost: -1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.PlaceOrder(ctx, tc.in)
			assert.Error(t, err)
		})
	}
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	engine, store := newTestEngine(t)

	// Stock 3, two concurrent orders of 2: exactly one succeeds.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.PlaceOrder(context.Background(), basicInput(
				ItemInput{ProductID: "maize-10kg", Quantity: 2, Price: 4200},
			))
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		var stockErr *domain.InsufficientStockError
		require.True(t, errors.As(err, &stockErr))
		assert.Equal(t, "Hybrid Maize Seed 10kg", stockErr.ProductName)
		assert.Equal(t, int64(1), stockErr.Remaining)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	maize, _ := store.Product("maize-10kg")
	assert.Equal(t, int64(1), maize.StockQuantity)
	assert.GreaterOrEqual(t, maize.StockQuantity, int64(0))
}

func TestManyConcurrentOrdersDrainExactly(t *testing.T) {
	engine, store := newTestEngine(t)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var committed int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.PlaceOrder(context.Background(), basicInput(
				ItemInput{ProductID: "dap-50kg", Quantity: 1, Price: 7500},
			))
			if err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	dap, _ := store.Product("dap-50kg")
	assert.Equal(t, int64(10), committed, "stock 10, 20 one-unit orders: exactly 10 commit")
	assert.Equal(t, int64(0), dap.StockQuantity)
	assert.False(t, dap.InStock)
}
