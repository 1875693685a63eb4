// Package memory provides an in-process commerce.Store used by tests and
// the runnable example. All operations are guarded by a single mutex, so
// the atomicity contracts (ReserveStock, UpdateOrderStatus) hold under
// concurrent jobs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/commerce"
	"github.com/storekit/conveyor/id"
)

// Store is an in-memory commerce.Store.
type Store struct {
	mu        sync.RWMutex
	orders    map[id.OrderID]*commerce.Order
	history   map[id.OrderID][]commerce.StatusChange
	products  map[id.ProductID]*commerce.Product
	customers map[id.CustomerID]*commerce.Customer
	reports   map[id.ReportID]*commerce.Report
}

var _ commerce.Store = (*Store)(nil)

// New creates an empty in-memory commerce store.
func New() *Store {
	return &Store{
		orders:    make(map[id.OrderID]*commerce.Order),
		history:   make(map[id.OrderID][]commerce.StatusChange),
		products:  make(map[id.ProductID]*commerce.Product),
		customers: make(map[id.CustomerID]*commerce.Customer),
		reports:   make(map[id.ReportID]*commerce.Report),
	}
}

// ──────────────────────────────────────────────────
// Orders
// ──────────────────────────────────────────────────

func (s *Store) CreateOrder(_ context.Context, o *commerce.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.Entity = conveyor.NewEntity()
	}
	if o.TotalCents == 0 {
		o.TotalCents = o.Total()
	}
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID id.OrderID) (*commerce.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, conveyor.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID id.OrderID, from, to commerce.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return false, conveyor.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case commerce.OrderShipped:
		o.ShippedAt = &now
	case commerce.OrderDelivered:
		o.DeliveredAt = &now
	case commerce.OrderCancelled:
		o.CancelledAt = &now
	}
	return true, nil
}

func (s *Store) AppendOrderHistory(_ context.Context, change commerce.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[change.OrderID]; !ok {
		return conveyor.ErrOrderNotFound
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}
	s.history[change.OrderID] = append(s.history[change.OrderID], change)
	return nil
}

func (s *Store) OrderHistory(_ context.Context, orderID id.OrderID) ([]commerce.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[orderID]
	out := make([]commerce.StatusChange, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) ListOrders(_ context.Context, filter commerce.OrderFilter) ([]*commerce.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*commerce.Order
	for _, o := range s.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if !filter.CustomerID.IsNil() && o.CustomerID != filter.CustomerID {
			continue
		}
		if filter.CreatedAfter != nil && o.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !o.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, copyOrder(o))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListStaleOrders(_ context.Context, cutoff time.Time) ([]*commerce.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*commerce.Order
	for _, o := range s.orders {
		if o.Status == commerce.OrderPending && o.CreatedAt.Before(cutoff) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Products
// ──────────────────────────────────────────────────

func (s *Store) CreateProduct(_ context.Context, p *commerce.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.Entity = conveyor.NewEntity()
	}
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *Store) GetProduct(_ context.Context, productID id.ProductID) (*commerce.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, conveyor.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProducts(_ context.Context) ([]*commerce.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*commerce.Product, 0, len(s.products))
	for _, p := range s.products {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) ReserveStock(_ context.Context, items []commerce.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line before touching any count: all or nothing.
	for _, it := range items {
		p, ok := s.products[it.ProductID]
		if !ok {
			return fmt.Errorf("product %s: %w", it.ProductID, conveyor.ErrProductNotFound)
		}
		if p.Stock < it.Quantity {
			return fmt.Errorf("product %s has %d in stock, need %d: %w",
				p.Name, p.Stock, it.Quantity, conveyor.ErrInsufficientStock)
		}
	}

	now := time.Now().UTC()
	for _, it := range items {
		p := s.products[it.ProductID]
		p.Stock -= it.Quantity
		p.SalesCount += it.Quantity
		p.UpdatedAt = now
	}
	return nil
}

// ──────────────────────────────────────────────────
// Customers
// ──────────────────────────────────────────────────

func (s *Store) CreateCustomer(_ context.Context, c *commerce.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[c.ID]; ok {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.Entity = conveyor.NewEntity()
	}
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *Store) GetCustomer(_ context.Context, customerID id.CustomerID) (*commerce.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, conveyor.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]*commerce.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*commerce.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Reports
// ──────────────────────────────────────────────────

func (s *Store) CreateReport(_ context.Context, r *commerce.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.Entity = conveyor.NewEntity()
	}
	s.reports[r.ID] = copyReport(r)
	return nil
}

func (s *Store) GetReport(_ context.Context, reportID id.ReportID) (*commerce.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, conveyor.ErrReportNotFound
	}
	return copyReport(r), nil
}

func (s *Store) UpdateReport(_ context.Context, r *commerce.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[r.ID]; !ok {
		return conveyor.ErrReportNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	s.reports[r.ID] = copyReport(r)
	return nil
}

func (s *Store) ListReports(_ context.Context) ([]*commerce.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*commerce.Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, copyReport(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.Before(out[j].GeneratedAt)
	})
	return out, nil
}

func (s *Store) DeleteExpiredReports(_ context.Context, now time.Time) ([]*commerce.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*commerce.Report
	for rid, r := range s.reports {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			removed = append(removed, copyReport(r))
			delete(s.reports, rid)
		}
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

func copyOrder(o *commerce.Order) *commerce.Order {
	cp := *o
	cp.Items = make([]commerce.OrderItem, len(o.Items))
	copy(cp.Items, o.Items)
	if o.ShippedAt != nil {
		t := *o.ShippedAt
		cp.ShippedAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func copyReport(r *commerce.Report) *commerce.Report {
	cp := *r
	if r.Summary != nil {
		cp.Summary = append([]byte(nil), r.Summary...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
