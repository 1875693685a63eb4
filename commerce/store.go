package commerce

import (
	"context"
	"time"

	"github.com/storekit/conveyor/id"
)

// OrderFilter narrows ListOrders. Zero-value fields are ignored.
type OrderFilter struct {
	Status        OrderStatus
	CustomerID    id.CustomerID
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// Store is the persistence boundary for business records. Handlers go
// through it exclusively; every mutation that must survive concurrent
// jobs (stock, order status) is an atomic conditional operation here
// rather than a read-modify-write in the handler.
type Store interface {
	// ──────────────────────────────────────────────────
	// Orders
	// ──────────────────────────────────────────────────

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID id.OrderID) (*Order, error)

	// UpdateOrderStatus transitions an order from one status to another
	// with compare-and-set semantics: the write happens only if the
	// current status equals from. Returns false (no error) when the
	// guard fails. Shipped and delivered transitions also stamp the
	// matching timestamp.
	UpdateOrderStatus(ctx context.Context, orderID id.OrderID, from, to OrderStatus) (bool, error)

	// AppendOrderHistory adds an audit-trail row for the order.
	AppendOrderHistory(ctx context.Context, change StatusChange) error

	// OrderHistory returns the audit trail oldest-first.
	OrderHistory(ctx context.Context, orderID id.OrderID) ([]StatusChange, error)

	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)

	// ListStaleOrders returns pending orders created before the cutoff.
	ListStaleOrders(ctx context.Context, cutoff time.Time) ([]*Order, error)

	// ──────────────────────────────────────────────────
	// Products
	// ──────────────────────────────────────────────────

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, productID id.ProductID) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)

	// ReserveStock atomically decrements stock for every line item, all
	// or nothing: if any product has insufficient stock the whole call
	// fails with conveyor.ErrInsufficientStock and no counts change.
	// Successful reservation also increments each product's sales count.
	ReserveStock(ctx context.Context, items []OrderItem) error

	// ──────────────────────────────────────────────────
	// Customers
	// ──────────────────────────────────────────────────

	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, customerID id.CustomerID) (*Customer, error)
	ListCustomers(ctx context.Context) ([]*Customer, error)

	// ──────────────────────────────────────────────────
	// Reports
	// ──────────────────────────────────────────────────

	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, reportID id.ReportID) (*Report, error)
	UpdateReport(ctx context.Context, r *Report) error
	ListReports(ctx context.Context) ([]*Report, error)

	// DeleteExpiredReports removes report rows whose ExpiresAt is before
	// now and returns the removed rows so the caller can also delete
	// their artifacts.
	DeleteExpiredReports(ctx context.Context, now time.Time) ([]*Report, error)
}
