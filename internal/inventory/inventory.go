package inventory

import (
	"time"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
)

// Actor values recorded on history entries written by the order core.
const (
	ActorOrder        = "system: order"
	ActorCancellation = "system: cancellation"
)

// Product is the slice of the catalog record the order core touches. The
// catalog subsystem owns everything else; stock is only read, checked and
// written inside a storage transaction.
type Product struct {
	ID            domain.ProductID `json:"id"`
	Name          string           `json:"name"`
	Price         int64            `json:"price"`
	Image         string           `json:"image,omitempty"`
	StockQuantity int64            `json:"stockQuantity"`
	InStock       bool             `json:"inStock"`
}

// ApplyStock sets the quantity and recomputes the derived in-stock flag.
func (p *Product) ApplyStock(quantity int64) {
	p.StockQuantity = quantity
	p.InStock = quantity > 0
}

// HistoryRecord is an append-only audit entry for a stock change. Never
// mutated after creation.
type HistoryRecord struct {
	ProductID     domain.ProductID `json:"productId"`
	ProductName   string           `json:"productName"`
	PreviousStock int64            `json:"previousStock"`
	NewStock      int64            `json:"newStock"`
	Change        int64            `json:"change"`
	UpdatedBy     string           `json:"updatedBy"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	OrderID       domain.OrderID   `json:"orderId,omitempty"`
}
