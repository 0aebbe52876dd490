package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound: no order with the given id exists.
	ErrOrderNotFound = errors.New("order not found")

	// ErrProductNotFound: a line item references a product that has no
	// backing record; the whole placement aborts.
	ErrProductNotFound = errors.New("product not found")

	// ErrVersionConflict: a write carried a stale order version; the
	// second writer must re-read and retry.
	ErrVersionConflict = errors.New("order version conflict")

	// ErrRetriesExhausted: the storage layer gave up retrying a
	// conflicting transaction.
	ErrRetriesExhausted = errors.New("checkout conflict, please retry")
)

// InsufficientStockError aborts a placement when a line item asks for more
// units than the product has. Remaining is the stock seen by the failing
// transaction, so the caller can tell the user how many are left.
type InsufficientStockError struct {
	ProductName string
	Remaining   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %d remaining", e.ProductName, e.Remaining)
}

// InvalidTransitionError rejects a lifecycle action not permitted from the
// order's current state.
type InvalidTransitionError struct {
	From   OrderStatus
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s an order in status %q", e.Action, e.From)
}

// PaymentInitiationError: the gateway rejected the initiate call. The order
// exists and stays unpaid; the user may retry payment without re-placing.
type PaymentInitiationError struct {
	Reason string
}

func (e *PaymentInitiationError) Error() string {
	return fmt.Sprintf("payment initiation failed: %s", e.Reason)
}
