package domain

import "time"

type OrderID string
type UserID string
type ProductID string

type OrderStatus string

// Wire values match the persisted order document.
const (
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid          PaymentStatus = "Unpaid"
	PaymentStatusPaid            PaymentStatus = "Paid"
	PaymentStatusPendingVerify   PaymentStatus = "Pending Verification"
	PaymentStatusPendingWhatsApp PaymentStatus = "Pending WhatsApp"
	PaymentStatusFailed          PaymentStatus = "Failed"
)

type ReturnStatus string

const (
	ReturnStatusRequested ReturnStatus = "Requested"
	ReturnStatusApproved  ReturnStatus = "Approved"
	ReturnStatusRejected  ReturnStatus = "Rejected"
)

// OrderItem is an immutable snapshot taken at order time. Later catalog
// price or name changes must not alter historical orders.
type OrderItem struct {
	ProductID       ProductID `json:"id"`
	Name            string    `json:"name"`
	Price           int64     `json:"price"`
	Quantity        int64     `json:"quantity"`
	Image           string    `json:"image,omitempty"`
	SelectedVariant string    `json:"selectedVariant,omitempty"`
}

type ShippingAddress struct {
	County  string   `json:"county"`
	Details string   `json:"details"`
	Method  string   `json:"method"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type Tracking struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

type InternalNote struct {
	Author string    `json:"author"`
	Date   time.Time `json:"date"`
	Note   string    `json:"note"`
}

// ManualPayment records an offline settlement entered by an admin.
type ManualPayment struct {
	Amount    int64     `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference"`
	Date      time.Time `json:"date"`
}

// Order is the central aggregate. Created exactly once by the placement
// transaction, mutated only through the lifecycle manager and the payment
// reconciler, never deleted. Amounts are whole shillings.
type Order struct {
	ID       OrderID     `json:"id"`
	UserID   UserID      `json:"userId"`
	Items    []OrderItem `json:"items"`
	Subtotal int64       `json:"subtotal"`
	Shipping int64       `json:"shippingCost"`
	Discount int64       `json:"discountAmount"`
	Total    int64       `json:"total"`

	PaymentMethod string        `json:"paymentMethod"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`

	// PaymentFailureReason carries the gateway's message for a Failed
	// payment; cleared when a new attempt is initiated.
	PaymentFailureReason string      `json:"paymentFailureReason,omitempty"`
	Status               OrderStatus `json:"status"`

	ShippingAddress ShippingAddress `json:"shippingAddress"`
	Date            time.Time       `json:"date"`

	Tracking     *Tracking      `json:"tracking,omitempty"`
	ReturnStatus ReturnStatus   `json:"returnStatus,omitempty"`
	ReturnReason string         `json:"returnReason,omitempty"`
	Manual       *ManualPayment `json:"manualPayment,omitempty"`

	// Correlation id of an initiated push payment, used to match the
	// asynchronous gateway confirmation back to this order.
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`

	InternalHistory []InternalNote `json:"internalHistory,omitempty"`

	// LoyaltyAwarded guards the delivery accrual so it happens once.
	LoyaltyAwarded bool `json:"loyaltyAwarded,omitempty"`

	// Version is an optimistic concurrency token; every committed write
	// increments it, and writers carrying a stale version are rejected.
	Version int64 `json:"version"`
}

// ComputedTotal recomputes the invariant total from stored components.
func (o *Order) ComputedTotal() int64 {
	return o.Subtotal + o.Shipping - o.Discount
}

// LoyaltyPoints is the accrual credited on delivery confirmation.
func (o *Order) LoyaltyPoints() int64 {
	return o.Total / 100
}

// Terminal reports whether no guarded transition can leave the state.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}
