package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/chain"
	"github.com/storekit/conveyor/commerce"
	commercemem "github.com/storekit/conveyor/commerce/memory"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/tasks"
)

// recordingEnqueuer backs a chain orchestrator in tests.
type recordingEnqueuer struct {
	types []string
}

func (r *recordingEnqueuer) enqueue(_ context.Context, jobType string, payload []byte, _ ...job.Option) (*job.Job, error) {
	r.types = append(r.types, jobType)
	return &job.Job{
		ID:      id.NewJobID(),
		Type:    jobType,
		Payload: payload,
		Status:  job.StatusPending,
	}, nil
}

func setupOrders(t *testing.T) (*tasks.Orders, *commercemem.Store, *recordingEnqueuer) {
	t.Helper()
	s := commercemem.New()
	enq := &recordingEnqueuer{}
	chains := chain.NewOrchestrator(enq.enqueue, slog.Default())
	return tasks.NewOrders(s, chains, slog.Default()), s, enq
}

func seedProduct(t *testing.T, s *commercemem.Store, name string, stock int, priceCents int64) *commerce.Product {
	t.Helper()
	p := &commerce.Product{
		ID:         id.NewProductID(),
		Name:       name,
		SKU:        "SKU-" + name,
		PriceCents: priceCents,
		Stock:      stock,
		Active:     true,
	}
	if err := s.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return p
}

func seedOrder(t *testing.T, s *commercemem.Store, items ...commerce.OrderItem) *commerce.Order {
	t.Helper()
	c := &commerce.Customer{ID: id.NewCustomerID(), Email: "buyer@example.com", Name: "Buyer"}
	if err := s.CreateCustomer(context.Background(), c); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	o := &commerce.Order{
		ID:         id.NewOrderID(),
		CustomerID: c.ID,
		Status:     commerce.OrderPending,
		Items:      items,
	}
	if err := s.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestProcessOrder_HappyPath(t *testing.T) {
	orders, s, enq := setupOrders(t)
	p := seedProduct(t, s, "widget", 10, 1999)
	o := seedOrder(t, s, commerce.OrderItem{ProductID: p.ID, ProductName: p.Name, Quantity: 2, UnitPriceCents: p.PriceCents})

	res, err := orders.ProcessOrder(context.Background(), tasks.OrderPayload{OrderID: o.ID})
	if err != nil {
		t.Fatalf("process error: %v", err)
	}

	var summary struct {
		OrderID    string `json:"order_id"`
		TotalCents int64  `json:"total_cents"`
		Items      int    `json:"items"`
	}
	if err := json.Unmarshal(res.Summary, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.TotalCents != 3998 || summary.Items != 1 {
		t.Errorf("summary = %+v", summary)
	}

	got, _ := s.GetOrder(context.Background(), o.ID)
	if got.Status != commerce.OrderProcessing {
		t.Errorf("order status = %q, want processing", got.Status)
	}
	gotP, _ := s.GetProduct(context.Background(), p.ID)
	if gotP.Stock != 8 {
		t.Errorf("stock = %d, want 8", gotP.Stock)
	}

	history, _ := s.OrderHistory(context.Background(), o.ID)
	if len(history) != 1 || history[0].To != commerce.OrderProcessing {
		t.Errorf("history = %+v", history)
	}

	// Downstream notifications: only the first chain link is enqueued.
	if len(enq.types) != 1 || enq.types[0] != tasks.TypeSendOrderConfirmation {
		t.Errorf("enqueued = %v, want [send_order_confirmation]", enq.types)
	}
}

func TestProcessOrder_IdempotentRerun(t *testing.T) {
	orders, s, _ := setupOrders(t)
	p := seedProduct(t, s, "widget", 10, 500)
	o := seedOrder(t, s, commerce.OrderItem{ProductID: p.ID, Quantity: 3, UnitPriceCents: 500})

	if _, err := orders.ProcessOrder(context.Background(), tasks.OrderPayload{OrderID: o.ID}); err != nil {
		t.Fatalf("first run error: %v", err)
	}

	res, err := orders.ProcessOrder(context.Background(), tasks.OrderPayload{OrderID: o.ID})
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	var summary struct {
		Skipped bool `json:"skipped"`
	}
	if err := json.Unmarshal(res.Summary, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if !summary.Skipped {
		t.Error("second run was not skipped")
	}

	// Stock decremented exactly once.
	gotP, _ := s.GetProduct(context.Background(), p.ID)
	if gotP.Stock != 7 {
		t.Errorf("stock = %d, want 7", gotP.Stock)
	}
}

func TestProcessOrder_InsufficientStockFailsWholeOrder(t *testing.T) {
	orders, s, enq := setupOrders(t)
	plenty := seedProduct(t, s, "plenty", 100, 100)
	scarce := seedProduct(t, s, "scarce", 1, 100)
	o := seedOrder(t, s,
		commerce.OrderItem{ProductID: plenty.ID, Quantity: 5, UnitPriceCents: 100},
		commerce.OrderItem{ProductID: scarce.ID, Quantity: 3, UnitPriceCents: 100},
	)

	_, err := orders.ProcessOrder(context.Background(), tasks.OrderPayload{OrderID: o.ID})
	var ce *conveyor.Error
	if !errors.As(err, &ce) || ce.Kind != conveyor.KindInsufficientResource {
		t.Fatalf("error = %v, want insufficient_resource", err)
	}

	// No partial fulfillment: neither line was decremented, the order is
	// back to pending, no notifications went out.
	gotPlenty, _ := s.GetProduct(context.Background(), plenty.ID)
	if gotPlenty.Stock != 100 {
		t.Errorf("plenty stock = %d, want 100", gotPlenty.Stock)
	}
	got, _ := s.GetOrder(context.Background(), o.ID)
	if got.Status != commerce.OrderPending {
		t.Errorf("order status = %q, want pending", got.Status)
	}
	if len(enq.types) != 0 {
		t.Errorf("notifications enqueued despite failure: %v", enq.types)
	}
}

func TestProcessOrder_UnknownOrderIsValidationError(t *testing.T) {
	orders, _, _ := setupOrders(t)

	_, err := orders.ProcessOrder(context.Background(), tasks.OrderPayload{OrderID: id.NewOrderID()})
	var ce *conveyor.Error
	if !errors.As(err, &ce) || ce.Kind != conveyor.KindValidation {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestSendConfirmation_ReportsRecipient(t *testing.T) {
	orders, s, _ := setupOrders(t)
	o := seedOrder(t, s)

	res, err := orders.SendConfirmation(context.Background(), tasks.OrderPayload{OrderID: o.ID})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	var summary struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(res.Summary, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Email != "buyer@example.com" {
		t.Errorf("email = %q", summary.Email)
	}
}

func TestUpdateStatus_GuardedTransition(t *testing.T) {
	orders, s, _ := setupOrders(t)
	o := seedOrder(t, s)

	_, err := orders.UpdateStatus(context.Background(), tasks.UpdateOrderStatusPayload{
		OrderID: o.ID,
		From:    commerce.OrderPending,
		To:      commerce.OrderProcessing,
		Note:    "manual",
	})
	if err != nil {
		t.Fatalf("update error: %v", err)
	}

	// Stale transition is terminal, not retried.
	_, err = orders.UpdateStatus(context.Background(), tasks.UpdateOrderStatusPayload{
		OrderID: o.ID,
		From:    commerce.OrderPending,
		To:      commerce.OrderCancelled,
	})
	var ce *conveyor.Error
	if !errors.As(err, &ce) || ce.Kind != conveyor.KindValidation {
		t.Fatalf("stale transition error = %v, want validation", err)
	}

	history, _ := s.OrderHistory(context.Background(), o.ID)
	if len(history) != 1 || history[0].Note != "manual" {
		t.Errorf("history = %+v", history)
	}
}

func TestCancelStale_SweepsOldPendingOrders(t *testing.T) {
	orders, s, _ := setupOrders(t)

	// Fresh pending order stays.
	fresh := seedOrder(t, s)

	old := time.Now().UTC().Add(-48 * time.Hour)
	stale := &commerce.Order{
		ID:         id.NewOrderID(),
		CustomerID: id.NewCustomerID(),
		Status:     commerce.OrderPending,
	}
	stale.CreatedAt = old
	stale.UpdatedAt = old
	if err := s.CreateOrder(context.Background(), stale); err != nil {
		t.Fatalf("seed stale order: %v", err)
	}

	res, err := orders.CancelStale(context.Background(), tasks.CancelStaleOrdersPayload{})
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	var summary struct {
		Cancelled int `json:"cancelled"`
	}
	if err := json.Unmarshal(res.Summary, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", summary.Cancelled)
	}

	got, _ := s.GetOrder(context.Background(), stale.ID)
	if got.Status != commerce.OrderCancelled {
		t.Errorf("stale order status = %q, want cancelled", got.Status)
	}
	got, _ = s.GetOrder(context.Background(), fresh.ID)
	if got.Status != commerce.OrderPending {
		t.Errorf("fresh order status = %q, want pending", got.Status)
	}
}

func TestOrders_RegisterInstallsRetryBudgets(t *testing.T) {
	orders, _, _ := setupOrders(t)
	reg := job.NewRegistry()
	orders.Register(reg)

	opts, ok := reg.Options(tasks.TypeSendOrderConfirmation)
	if !ok || opts.MaxRetries != 5 {
		t.Errorf("send_order_confirmation max retries = %d, want 5", opts.MaxRetries)
	}
	opts, ok = reg.Options(tasks.TypeNotifyWarehouse)
	if !ok || opts.MaxRetries != 0 {
		t.Errorf("notify_warehouse max retries = %d, want 0", opts.MaxRetries)
	}
	if _, ok := reg.Get(tasks.TypeCancelStaleOrders); !ok {
		t.Error("cancel_stale_orders not registered")
	}
}
