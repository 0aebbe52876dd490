package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/placement"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/memory"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
)

type fixture struct {
	store   *memory.Store
	manager *Manager
	order   *domain.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.SeedAdmins("admin-1")
	store.SeedProduct(inventory.Product{ID: "dap-50kg", Name: "DAP Fertilizer 50kg", Price: 7500, StockQuantity: 10})
	store.SeedProduct(inventory.Product{ID: "maize-10kg", Name: "Hybrid Maize Seed 10kg", Price: 4200, StockQuantity: 5})

	dispatcher := &notify.SinkDispatcher{Sink: store}
	engine := placement.NewEngine(store, dispatcher, nil)
	order, err := engine.PlaceOrder(context.Background(), placement.Input{
		UserID: "customer-1",
		Items: []placement.ItemInput{
			{ProductID: "dap-50kg", Quantity: 1, Price: 7500},
			{ProductID: "maize-10kg", Quantity: 2, Price: 4200},
		},
		ShippingCost:    400,
		DiscountAmount:  300,
		ShippingAddress: domain.ShippingAddress{County: "Kiambu", Details: "Limuru town", Method: "courier"},
		PaymentMethod:   "cod",
	})
	require.NoError(t, err)

	return &fixture{store: store, manager: NewManager(store, dispatcher, nil), order: order}
}

func (f *fixture) ship(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.manager.Ship(context.Background(), f.order.ID, 0, "G4S", "TRK-001")
	require.NoError(t, err)
	return o
}

func (f *fixture) deliver(t *testing.T) *domain.Order {
	t.Helper()
	f.ship(t)
	o, err := f.manager.ConfirmDelivery(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	return o
}

func TestShipPersistsTracking(t *testing.T) {
	f := newFixture(t)
	o := f.ship(t)

	assert.Equal(t, domain.OrderStatusShipped, o.Status)
	require.NotNil(t, o.Tracking)
	assert.Equal(t, "G4S", o.Tracking.Carrier)
	assert.Equal(t, "TRK-001", o.Tracking.TrackingNumber)
}

func TestShipRequiresCarrierAndTracking(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Ship(context.Background(), f.order.ID, 0, "", "TRK-001")
	assert.Error(t, err)
	_, err = f.manager.Ship(context.Background(), f.order.ID, 0, "G4S", "")
	assert.Error(t, err)

	o, _ := f.store.GetOrder(context.Background(), f.order.ID)
	assert.Equal(t, domain.OrderStatusProcessing, o.Status)
}

func TestShipOnlyFromProcessing(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	_, err := f.manager.Ship(context.Background(), f.order.ID, 0, "G4S", "TRK-002")
	var transitionErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.OrderStatusDelivered, transitionErr.From)
}

func TestDeliveryAwardsLoyaltyOnce(t *testing.T) {
	f := newFixture(t)
	o := f.deliver(t)

	assert.Equal(t, domain.OrderStatusDelivered, o.Status)
	assert.True(t, o.LoyaltyAwarded)

	// total = 7500 + 2*4200 + 400 - 300 = 16000 -> 160 points.
	assert.Equal(t, o.Total/100, f.store.LoyaltyBalance("customer-1"))
	assert.Equal(t, int64(160), f.store.LoyaltyBalance("customer-1"))

	// Confirming again is an invalid transition: no second accrual.
	_, err := f.manager.ConfirmDelivery(context.Background(), f.order.ID, 0)
	assert.Error(t, err)
	assert.Equal(t, int64(160), f.store.LoyaltyBalance("customer-1"))
}

func TestRedeliveryAfterOverrideDoesNotReaccrue(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	require.Equal(t, int64(160), f.store.LoyaltyBalance("customer-1"))

	// An admin rolls the order back to Shipped to fix a mis-scan, then the
	// courier confirms delivery a second time.
	_, err := f.manager.Override(context.Background(), f.order.ID, 0, domain.OrderStatusShipped, "admin-1")
	require.NoError(t, err)
	o, err := f.manager.ConfirmDelivery(context.Background(), f.order.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusDelivered, o.Status)
	assert.True(t, o.LoyaltyAwarded)
	assert.Equal(t, int64(160), f.store.LoyaltyBalance("customer-1"), "points accrue once per order")
}

func TestTotalInvariantSurvivesTransitions(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)

	o, err := f.store.GetOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, f.order.Total, o.Total)
	assert.Equal(t, o.ComputedTotal(), o.Total)
}

func TestCancelRestocksExactly(t *testing.T) {
	f := newFixture(t)

	o, err := f.manager.Cancel(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	dap, _ := f.store.Product("dap-50kg")
	maize, _ := f.store.Product("maize-10kg")
	assert.Equal(t, int64(10), dap.StockQuantity)
	assert.Equal(t, int64(5), maize.StockQuantity)
	assert.True(t, maize.InStock)

	// Two placement records plus two compensating records.
	history := f.store.History()
	require.Len(t, history, 4)
	for _, rec := range history[2:] {
		assert.Equal(t, inventory.ActorCancellation, rec.UpdatedBy)
		assert.Positive(t, rec.Change)
		assert.Equal(t, f.order.ID, rec.OrderID)
	}
}

func TestCancelTwiceDoesNotDoubleRestock(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Cancel(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	o, err := f.manager.Cancel(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	dap, _ := f.store.Product("dap-50kg")
	maize, _ := f.store.Product("maize-10kg")
	assert.Equal(t, int64(10), dap.StockQuantity)
	assert.Equal(t, int64(5), maize.StockQuantity)
	assert.Len(t, f.store.History(), 4, "no extra history from the second cancel")
}

func TestCancelFromShippedStillRestocks(t *testing.T) {
	f := newFixture(t)
	f.ship(t)

	_, err := f.manager.Cancel(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	maize, _ := f.store.Product("maize-10kg")
	assert.Equal(t, int64(5), maize.StockQuantity)
}

func TestCancelDeliveredRejected(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)

	_, err := f.manager.Cancel(context.Background(), f.order.ID, 0)
	var transitionErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)

	maize, _ := f.store.Product("maize-10kg")
	assert.Equal(t, int64(3), maize.StockQuantity, "no restock on a rejected cancel")
}

func TestReturnFlow(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	balanceBefore := f.store.LoyaltyBalance("customer-1")
	maizeBefore, _ := f.store.Product("maize-10kg")

	o, err := f.manager.RequestReturn(context.Background(), f.order.ID, 0, "wrong item")
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnStatusRequested, o.ReturnStatus)
	assert.Equal(t, "wrong item", o.ReturnReason)

	o, err = f.manager.ResolveReturn(context.Background(), f.order.ID, 0, true)
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnStatusApproved, o.ReturnStatus)

	// The return itself moves no stock and no loyalty points.
	maizeAfter, _ := f.store.Product("maize-10kg")
	assert.Equal(t, maizeBefore.StockQuantity, maizeAfter.StockQuantity)
	assert.Equal(t, balanceBefore, f.store.LoyaltyBalance("customer-1"))
}

func TestReturnRequiresDelivered(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.RequestReturn(context.Background(), f.order.ID, 0, "changed my mind")
	var transitionErr *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &transitionErr)
}

func TestReturnCannotBeRequestedTwice(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	_, err := f.manager.RequestReturn(context.Background(), f.order.ID, 0, "wrong item")
	require.NoError(t, err)
	_, err = f.manager.RequestReturn(context.Background(), f.order.ID, 0, "still wrong")
	assert.Error(t, err)
}

func TestResolveReturnRequiresPending(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	_, err := f.manager.ResolveReturn(context.Background(), f.order.ID, 0, true)
	assert.Error(t, err)
}

func TestStaleVersionRejected(t *testing.T) {
	f := newFixture(t)

	current, err := f.store.GetOrder(context.Background(), f.order.ID)
	require.NoError(t, err)

	// A concurrent admin note bumps the version under the first writer.
	_, err = f.manager.AddNote(context.Background(), f.order.ID, "admin-1", "called customer")
	require.NoError(t, err)

	_, err = f.manager.Ship(context.Background(), f.order.ID, current.Version, "G4S", "TRK-001")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// Cancel honors the same token.
	_, err = f.manager.Cancel(context.Background(), f.order.ID, current.Version)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// With the fresh version the write goes through.
	fresh, err := f.store.GetOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	_, err = f.manager.Ship(context.Background(), f.order.ID, fresh.Version, "G4S", "TRK-001")
	assert.NoError(t, err)
}

func TestRecordManualPayment(t *testing.T) {
	f := newFixture(t)

	o, err := f.manager.RecordManualPayment(context.Background(), f.order.ID, 0, domain.ManualPayment{
		Amount:    f.order.Total,
		Method:    "paybill",
		Reference: "QWE123",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, o.PaymentStatus)
	require.NotNil(t, o.Manual)
	assert.Equal(t, "QWE123", o.Manual.Reference)
	assert.False(t, o.Manual.Date.IsZero())

	_, err = f.manager.RecordManualPayment(context.Background(), f.order.ID, 0, domain.ManualPayment{Amount: 0})
	assert.Error(t, err)
}

func TestOverrideSkipsSideEffects(t *testing.T) {
	f := newFixture(t)

	// Jumping straight to Delivered is allowed for manual correction and
	// deliberately skips the loyalty accrual.
	o, err := f.manager.Override(context.Background(), f.order.ID, 0, domain.OrderStatusDelivered, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, o.Status)
	assert.Equal(t, int64(0), f.store.LoyaltyBalance("customer-1"))
	require.NotEmpty(t, o.InternalHistory)
	assert.Contains(t, o.InternalHistory[len(o.InternalHistory)-1].Note, "override")
}

func TestOverrideCannotTouchCancelled(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Override(context.Background(), f.order.ID, 0, domain.OrderStatusCancelled, "admin-1")
	assert.Error(t, err, "overriding into Cancelled would skip the restock")

	_, err = f.manager.Cancel(context.Background(), f.order.ID, 0)
	require.NoError(t, err)
	_, err = f.manager.Override(context.Background(), f.order.ID, 0, domain.OrderStatusProcessing, "admin-1")
	assert.Error(t, err, "a cancelled order stays cancelled")
}

func TestOverrideUnknownStatusRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Override(context.Background(), f.order.ID, 0, domain.OrderStatus("Archived"), "admin-1")
	assert.Error(t, err)
}

func TestTransitionsRecordEvents(t *testing.T) {
	f := newFixture(t)
	f.manager.Events = f.store

	f.ship(t)
	_, err := f.manager.ConfirmDelivery(context.Background(), f.order.ID, 0)
	require.NoError(t, err)

	var types []string
	for _, evt := range f.store.Events() {
		assert.Equal(t, string(f.order.ID), evt.OrderID)
		assert.NotEmpty(t, evt.EventID)
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{
		contracts.EventOrderShipped,
		contracts.EventOrderDelivered,
		contracts.EventLoyaltyAccrued,
	}, types)
}

func TestAddNoteAppendsHistory(t *testing.T) {
	f := newFixture(t)
	o, err := f.manager.AddNote(context.Background(), f.order.ID, "admin-1", "customer prefers morning delivery")
	require.NoError(t, err)
	require.Len(t, o.InternalHistory, 1)
	assert.Equal(t, "admin-1", o.InternalHistory[0].Author)
}
