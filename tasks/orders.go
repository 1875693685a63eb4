package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/chain"
	"github.com/storekit/conveyor/commerce"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// Job types of the order family.
const (
	TypeProcessOrder          = "process_order"
	TypeSendOrderConfirmation = "send_order_confirmation"
	TypeNotifyWarehouse       = "notify_warehouse"
	TypeUpdateOrderStatus     = "update_order_status"
	TypeCancelStaleOrders     = "cancel_stale_orders"
)

// DefaultStaleAge is how old a pending order must be before
// cancel_stale_orders gives up on it.
const DefaultStaleAge = 24 * time.Hour

// OrderPayload identifies the order a job operates on.
type OrderPayload struct {
	OrderID id.OrderID `json:"order_id"`
}

// UpdateOrderStatusPayload describes a guarded status transition.
type UpdateOrderStatusPayload struct {
	OrderID id.OrderID           `json:"order_id"`
	From    commerce.OrderStatus `json:"from"`
	To      commerce.OrderStatus `json:"to"`
	Note    string               `json:"note,omitempty"`
}

// CancelStaleOrdersPayload configures the stale-order sweep. A zero
// MaxAge means DefaultStaleAge.
type CancelStaleOrdersPayload struct {
	MaxAge time.Duration `json:"max_age,omitempty"`
}

// Orders is the order-fulfillment handler family.
type Orders struct {
	store  commerce.Store
	chains *chain.Orchestrator
	logger *slog.Logger
}

// NewOrders creates the order handler family.
func NewOrders(store commerce.Store, chains *chain.Orchestrator, logger *slog.Logger) *Orders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orders{store: store, chains: chains, logger: logger}
}

// Register installs the order definitions on the registry.
func (o *Orders) Register(reg *job.Registry) {
	job.RegisterDefinition(reg, job.NewDefinition(TypeProcessOrder, o.ProcessOrder))
	job.RegisterDefinition(reg, job.NewDefinition(TypeSendOrderConfirmation, o.SendConfirmation,
		job.WithMaxRetries(5),
	))
	job.RegisterDefinition(reg, job.NewDefinition(TypeNotifyWarehouse, o.NotifyWarehouse,
		job.WithMaxRetries(0),
	))
	job.RegisterDefinition(reg, job.NewDefinition(TypeUpdateOrderStatus, o.UpdateStatus))
	job.RegisterDefinition(reg, job.NewDefinition(TypeCancelStaleOrders, o.CancelStale))
}

// ProcessOrder fulfils a pending order: it claims the order via a
// compare-and-set status transition, reserves stock for every line item
// (all or nothing), records the audit row, and chains the confirmation
// and warehouse notifications. Re-running for an order that is no longer
// pending is a no-op.
func (o *Orders) ProcessOrder(ctx context.Context, p OrderPayload) (*job.Result, error) {
	if p.OrderID.IsNil() {
		return nil, conveyor.ValidationError("process_order: missing order_id")
	}

	if err := job.Progress(ctx, 10, "loading order"); err != nil {
		return nil, err
	}
	order, err := o.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, conveyor.ErrOrderNotFound) {
			return nil, conveyor.ValidationError("process_order: order %s not found", p.OrderID)
		}
		return nil, conveyor.TransientError(err, "process_order: load order %s", p.OrderID)
	}

	if err := job.Progress(ctx, 30, "claiming order"); err != nil {
		return nil, err
	}
	claimed, err := o.store.UpdateOrderStatus(ctx, order.ID, commerce.OrderPending, commerce.OrderProcessing)
	if err != nil {
		return nil, conveyor.TransientError(err, "process_order: claim order %s", order.ID)
	}
	if !claimed {
		// Already processed (or cancelled). Idempotent skip: no stock is
		// touched a second time.
		o.logger.Info("order already processed, skipping",
			slog.String("order_id", order.ID.String()),
			slog.String("status", string(order.Status)),
		)
		return job.NewResult(map[string]any{
			"order_id": order.ID.String(),
			"skipped":  true,
		})
	}

	if err := job.Progress(ctx, 50, "reserving stock"); err != nil {
		return nil, err
	}
	if err := o.store.ReserveStock(ctx, order.Items); err != nil {
		// Release the claim so the order is visible as unfulfilled.
		if _, revertErr := o.store.UpdateOrderStatus(ctx, order.ID, commerce.OrderProcessing, commerce.OrderPending); revertErr != nil {
			o.logger.Error("failed to release order claim after stock shortfall",
				slog.String("order_id", order.ID.String()),
				slog.String("error", revertErr.Error()),
			)
		}
		if errors.Is(err, conveyor.ErrInsufficientStock) {
			return nil, conveyor.InsufficientResourceError(err, "process_order: order %s", order.ID)
		}
		return nil, conveyor.TransientError(err, "process_order: reserve stock for order %s", order.ID)
	}

	if err := job.Progress(ctx, 70, "recording history"); err != nil {
		return nil, err
	}
	if err := o.store.AppendOrderHistory(ctx, commerce.StatusChange{
		OrderID: order.ID,
		From:    commerce.OrderPending,
		To:      commerce.OrderProcessing,
		Note:    "order processing started",
	}); err != nil {
		return nil, conveyor.TransientError(err, "process_order: append history for order %s", order.ID)
	}

	if err := job.Progress(ctx, 90, "scheduling notifications"); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(OrderPayload{OrderID: order.ID})
	if err != nil {
		return nil, fmt.Errorf("process_order: marshal notification payload: %w", err)
	}
	if o.chains != nil {
		if _, err := o.chains.Chain(ctx,
			chain.Spec{Type: TypeSendOrderConfirmation, Payload: payload},
			chain.Spec{Type: TypeNotifyWarehouse, Payload: payload},
		); err != nil {
			return nil, conveyor.TransientError(err, "process_order: chain notifications for order %s", order.ID)
		}
	}

	return job.NewResult(map[string]any{
		"order_id":    order.ID.String(),
		"total_cents": order.TotalCents,
		"items":       len(order.Items),
	})
}

// SendConfirmation emails the customer that the order is being
// processed. The mail dependency is flaky, hence the generous retry
// budget on registration.
func (o *Orders) SendConfirmation(ctx context.Context, p OrderPayload) (*job.Result, error) {
	order, err := o.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, conveyor.TransientError(err, "send_order_confirmation: load order %s", p.OrderID)
	}
	customer, err := o.store.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return nil, conveyor.TransientError(err, "send_order_confirmation: load customer %s", order.CustomerID)
	}

	if err := job.Progress(ctx, 50, "sending confirmation email"); err != nil {
		return nil, err
	}
	o.logger.Info("order confirmation sent",
		slog.String("order_id", order.ID.String()),
		slog.String("email", customer.Email),
		slog.Int64("total_cents", order.TotalCents),
	)

	return job.NewResult(map[string]any{
		"order_id": order.ID.String(),
		"email":    customer.Email,
	})
}

// NotifyWarehouse pushes the pick list to the warehouse system. Never
// retried automatically: a duplicate pick list is worse than a missing
// one, which operations follow up on manually.
func (o *Orders) NotifyWarehouse(ctx context.Context, p OrderPayload) (*job.Result, error) {
	order, err := o.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, conveyor.TransientError(err, "notify_warehouse: load order %s", p.OrderID)
	}

	if err := job.Progress(ctx, 50, "notifying warehouse"); err != nil {
		return nil, err
	}
	o.logger.Info("warehouse notified",
		slog.String("order_id", order.ID.String()),
		slog.Int("items", len(order.Items)),
	)

	return job.NewResult(map[string]any{
		"order_id": order.ID.String(),
		"items":    len(order.Items),
	})
}

// UpdateStatus applies a guarded order status transition with an audit
// row. A failed guard is terminal: retrying cannot make a stale
// transition valid.
func (o *Orders) UpdateStatus(ctx context.Context, p UpdateOrderStatusPayload) (*job.Result, error) {
	if p.OrderID.IsNil() || p.From == "" || p.To == "" {
		return nil, conveyor.ValidationError("update_order_status: order_id, from, and to are required")
	}

	ok, err := o.store.UpdateOrderStatus(ctx, p.OrderID, p.From, p.To)
	if err != nil {
		if errors.Is(err, conveyor.ErrOrderNotFound) {
			return nil, conveyor.ValidationError("update_order_status: order %s not found", p.OrderID)
		}
		return nil, conveyor.TransientError(err, "update_order_status: order %s", p.OrderID)
	}
	if !ok {
		return nil, conveyor.ValidationError("update_order_status: order %s is not in status %q", p.OrderID, p.From)
	}

	if err := o.store.AppendOrderHistory(ctx, commerce.StatusChange{
		OrderID: p.OrderID,
		From:    p.From,
		To:      p.To,
		Note:    p.Note,
	}); err != nil {
		return nil, conveyor.TransientError(err, "update_order_status: append history for order %s", p.OrderID)
	}

	return job.NewResult(map[string]any{
		"order_id": p.OrderID.String(),
		"from":     p.From,
		"to":       p.To,
	})
}

// CancelStale cancels pending orders older than the configured age.
// Each cancellation is an individual compare-and-set, so orders claimed
// mid-sweep are left alone.
func (o *Orders) CancelStale(ctx context.Context, p CancelStaleOrdersPayload) (*job.Result, error) {
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	if err := job.Progress(ctx, 10, "listing stale orders"); err != nil {
		return nil, err
	}
	stale, err := o.store.ListStaleOrders(ctx, cutoff)
	if err != nil {
		return nil, conveyor.TransientError(err, "cancel_stale_orders: list stale orders")
	}

	cancelled := 0
	for i, order := range stale {
		pct := 10 + (80*(i+1))/len(stale)
		if err := job.Progress(ctx, pct, fmt.Sprintf("cancelling order %s", order.ID)); err != nil {
			return nil, err
		}

		ok, err := o.store.UpdateOrderStatus(ctx, order.ID, commerce.OrderPending, commerce.OrderCancelled)
		if err != nil {
			return nil, conveyor.TransientError(err, "cancel_stale_orders: cancel order %s", order.ID)
		}
		if !ok {
			continue
		}
		if err := o.store.AppendOrderHistory(ctx, commerce.StatusChange{
			OrderID: order.ID,
			From:    commerce.OrderPending,
			To:      commerce.OrderCancelled,
			Note:    fmt.Sprintf("auto-cancelled after %s without payment", maxAge),
		}); err != nil {
			return nil, conveyor.TransientError(err, "cancel_stale_orders: append history for order %s", order.ID)
		}
		cancelled++
	}

	o.logger.Info("stale order sweep finished",
		slog.Int("examined", len(stale)),
		slog.Int("cancelled", cancelled),
	)
	return job.NewResult(map[string]any{
		"examined":  len(stale),
		"cancelled": cancelled,
	})
}
