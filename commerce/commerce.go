// Package commerce defines the business records that job handlers read
// and mutate: orders with line items, products with stock counts,
// customers, generated reports, and the order status audit trail. The
// Store interface is the boundary to the persistence layer; handlers
// never touch storage directly.
package commerce

import (
	"encoding/json"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
)

// OrderStatus is the lifecycle state of a business order. It is distinct
// from job status: one order may be touched by many jobs over its life.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// OrderItem is one line of an order. Prices are integer cents.
type OrderItem struct {
	ProductID      id.ProductID `json:"product_id"`
	ProductName    string       `json:"product_name"`
	Quantity       int          `json:"quantity"`
	UnitPriceCents int64        `json:"unit_price_cents"`
}

// Subtotal returns the line total in cents.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// Order is a customer order. TotalCents is denormalized at creation time
// from the line items.
type Order struct {
	conveyor.Entity

	ID         id.OrderID    `json:"id"`
	CustomerID id.CustomerID `json:"customer_id"`
	Status     OrderStatus   `json:"status"`
	Items      []OrderItem   `json:"items"`
	TotalCents int64         `json:"total_cents"`

	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Total sums the line items in cents.
func (o *Order) Total() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.Subtotal()
	}
	return total
}

// StatusChange is one row of an order's audit trail.
type StatusChange struct {
	OrderID   id.OrderID  `json:"order_id"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	Note      string      `json:"note,omitempty"`
	ChangedAt time.Time   `json:"changed_at"`
}

// Product is a sellable item with a live stock count. Stock is only ever
// decremented through Store.ReserveStock, never by read-modify-write.
type Product struct {
	conveyor.Entity

	ID         id.ProductID `json:"id"`
	Name       string       `json:"name"`
	SKU        string       `json:"sku"`
	PriceCents int64        `json:"price_cents"`
	Stock      int          `json:"stock"`
	SalesCount int          `json:"sales_count"`
	Active     bool         `json:"active"`
}

// Customer is the minimal customer record the report handlers need.
type Customer struct {
	conveyor.Entity

	ID    id.CustomerID `json:"id"`
	Email string        `json:"email"`
	Name  string        `json:"name"`
}

// Report is the persisted record of a generated report. The tabular
// artifact itself lives in the artifact store; ArtifactRef points at it.
type Report struct {
	conveyor.Entity

	ID          id.ReportID     `json:"id"`
	Type        string          `json:"type"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	ArtifactRef string          `json:"artifact_ref,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	RowCount    int             `json:"row_count"`
	Processed   bool            `json:"processed"`
	GeneratedAt time.Time       `json:"generated_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}
