package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/artifact"
	"github.com/storekit/conveyor/chain"
	"github.com/storekit/conveyor/commerce"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// Job types of the report family.
const (
	TypeGenerateReport         = "generate_report"
	TypePostProcessReport      = "post_process_report"
	TypeSendReportNotification = "send_report_notification"
	TypeCleanupExpiredReports  = "cleanup_expired_reports"
)

// Report variants accepted by generate_report.
const (
	ReportSales     = "sales"
	ReportInventory = "inventory"
	ReportOrders    = "orders"
	ReportCustomers = "customers"
	ReportAnalytics = "analytics"
)

// ReportRetention is how long generated artifacts and report rows are
// kept before the cleanup job reclaims them.
const ReportRetention = 30 * 24 * time.Hour

// GenerateReportPayload selects a report variant and period. A zero
// period defaults to the 30 days ending now.
type GenerateReportPayload struct {
	Type  string    `json:"type"`
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// ReportPayload identifies the report a follow-up job operates on.
type ReportPayload struct {
	ReportID id.ReportID `json:"report_id"`
}

// Reports is the report-generation handler family.
type Reports struct {
	store     commerce.Store
	artifacts artifact.Store
	chains    *chain.Orchestrator
	logger    *slog.Logger
}

// NewReports creates the report handler family.
func NewReports(store commerce.Store, artifacts artifact.Store, chains *chain.Orchestrator, logger *slog.Logger) *Reports {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reports{store: store, artifacts: artifacts, chains: chains, logger: logger}
}

// Register installs the report definitions on the registry. Report
// generation over a month of data can be slow, hence the wide timeout.
func (r *Reports) Register(reg *job.Registry) {
	job.RegisterDefinition(reg, job.NewDefinition(TypeGenerateReport, r.Generate,
		job.WithTimeout(10*time.Minute),
		job.WithResultTTL(ReportRetention),
	))
	job.RegisterDefinition(reg, job.NewDefinition(TypePostProcessReport, r.PostProcess))
	job.RegisterDefinition(reg, job.NewDefinition(TypeSendReportNotification, r.SendNotification,
		job.WithMaxRetries(5),
	))
	job.RegisterDefinition(reg, job.NewDefinition(TypeCleanupExpiredReports, r.CleanupExpired))
}

// tabular is the rendered form of one report variant: a CSV table plus
// its summary figures.
type tabular struct {
	header  []string
	rows    [][]string
	summary map[string]any
}

// Generate builds the requested report variant: queries the aggregates,
// renders the CSV artifact, persists the report row with a retention
// expiry, and chains post-processing and notification.
func (r *Reports) Generate(ctx context.Context, p GenerateReportPayload) (*job.Result, error) {
	if err := job.Progress(ctx, 10, "validating parameters"); err != nil {
		return nil, err
	}
	start, end := p.Start, p.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}
	if !start.Before(end) {
		return nil, conveyor.ValidationError("generate_report: start %s is not before end %s", start, end)
	}

	if err := job.Progress(ctx, 30, "querying data"); err != nil {
		return nil, err
	}
	var (
		tab *tabular
		err error
	)
	switch p.Type {
	case ReportSales:
		tab, err = r.salesReport(ctx, start, end)
	case ReportInventory:
		tab, err = r.inventoryReport(ctx)
	case ReportOrders:
		tab, err = r.ordersReport(ctx, start, end)
	case ReportCustomers:
		tab, err = r.customersReport(ctx)
	case ReportAnalytics:
		tab, err = r.analyticsReport(ctx, start, end)
	default:
		return nil, conveyor.ValidationError("generate_report: unknown report type %q", p.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := job.Progress(ctx, 50, "rendering artifact"); err != nil {
		return nil, err
	}
	data, err := renderCSV(tab)
	if err != nil {
		return nil, fmt.Errorf("generate_report: render %s report: %w", p.Type, err)
	}

	if err := job.Progress(ctx, 70, "storing artifact"); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_report_%s.csv", p.Type, end.Format("2006-01-02"))
	ref, err := r.artifacts.Put(ctx, name, data)
	if err != nil {
		return nil, conveyor.TransientError(err, "generate_report: store %s artifact", p.Type)
	}

	if err := job.Progress(ctx, 90, "saving report record"); err != nil {
		return nil, err
	}
	summaryJSON, err := json.Marshal(tab.summary)
	if err != nil {
		return nil, fmt.Errorf("generate_report: marshal summary: %w", err)
	}
	now := time.Now().UTC()
	expires := now.Add(ReportRetention)
	report := &commerce.Report{
		ID:          id.NewReportID(),
		Type:        p.Type,
		PeriodStart: start,
		PeriodEnd:   end,
		ArtifactRef: ref,
		Summary:     summaryJSON,
		RowCount:    len(tab.rows),
		GeneratedAt: now,
		ExpiresAt:   &expires,
	}
	if err := r.store.CreateReport(ctx, report); err != nil {
		return nil, conveyor.TransientError(err, "generate_report: persist %s report", p.Type)
	}

	if r.chains != nil {
		payload, err := json.Marshal(ReportPayload{ReportID: report.ID})
		if err != nil {
			return nil, fmt.Errorf("generate_report: marshal follow-up payload: %w", err)
		}
		if _, err := r.chains.Chain(ctx,
			chain.Spec{Type: TypePostProcessReport, Payload: payload},
			chain.Spec{Type: TypeSendReportNotification, Payload: payload},
		); err != nil {
			return nil, conveyor.TransientError(err, "generate_report: chain follow-ups for report %s", report.ID)
		}
	}

	return &job.Result{
		Summary:     summaryJSON,
		ArtifactRef: ref,
		ExpiresAt:   &expires,
	}, nil
}

// PostProcess verifies the stored artifact is readable and marks the
// report processed.
func (r *Reports) PostProcess(ctx context.Context, p ReportPayload) (*job.Result, error) {
	report, err := r.store.GetReport(ctx, p.ReportID)
	if err != nil {
		if errors.Is(err, conveyor.ErrReportNotFound) {
			return nil, conveyor.ValidationError("post_process_report: report %s not found", p.ReportID)
		}
		return nil, conveyor.TransientError(err, "post_process_report: load report %s", p.ReportID)
	}

	if err := job.Progress(ctx, 50, "verifying artifact"); err != nil {
		return nil, err
	}
	data, err := r.artifacts.Get(ctx, report.ArtifactRef)
	if err != nil {
		return nil, conveyor.TransientError(err, "post_process_report: read artifact %s", report.ArtifactRef)
	}

	report.Processed = true
	if err := r.store.UpdateReport(ctx, report); err != nil {
		return nil, conveyor.TransientError(err, "post_process_report: update report %s", report.ID)
	}

	return job.NewResult(map[string]any{
		"report_id":      report.ID.String(),
		"artifact_bytes": len(data),
	})
}

// SendNotification announces the finished report to subscribers.
func (r *Reports) SendNotification(ctx context.Context, p ReportPayload) (*job.Result, error) {
	report, err := r.store.GetReport(ctx, p.ReportID)
	if err != nil {
		return nil, conveyor.TransientError(err, "send_report_notification: load report %s", p.ReportID)
	}

	if err := job.Progress(ctx, 50, "sending notification"); err != nil {
		return nil, err
	}
	r.logger.Info("report ready",
		slog.String("report_id", report.ID.String()),
		slog.String("type", report.Type),
		slog.Int("rows", report.RowCount),
		slog.String("artifact_ref", report.ArtifactRef),
	)

	return job.NewResult(map[string]any{
		"report_id": report.ID.String(),
		"type":      report.Type,
	})
}

// CleanupExpired removes report rows past their retention window and
// deletes their artifacts.
func (r *Reports) CleanupExpired(ctx context.Context, _ struct{}) (*job.Result, error) {
	if err := job.Progress(ctx, 10, "purging expired reports"); err != nil {
		return nil, err
	}
	removed, err := r.store.DeleteExpiredReports(ctx, time.Now().UTC())
	if err != nil {
		return nil, conveyor.TransientError(err, "cleanup_expired_reports: purge rows")
	}

	deleted := 0
	for i, report := range removed {
		pct := 10 + (80*(i+1))/len(removed)
		if err := job.Progress(ctx, pct, fmt.Sprintf("deleting artifact for report %s", report.ID)); err != nil {
			return nil, err
		}
		if report.ArtifactRef == "" {
			continue
		}
		if err := r.artifacts.Delete(ctx, report.ArtifactRef); err != nil {
			r.logger.Warn("failed to delete report artifact",
				slog.String("report_id", report.ID.String()),
				slog.String("artifact_ref", report.ArtifactRef),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	return job.NewResult(map[string]any{
		"reports_removed":   len(removed),
		"artifacts_deleted": deleted,
	})
}

// ──────────────────────────────────────────────────
// Report variants
// ──────────────────────────────────────────────────

// salesReport lists every non-cancelled order in the period, one row per
// order, with revenue totals in the summary.
func (r *Reports) salesReport(ctx context.Context, start, end time.Time) (*tabular, error) {
	orders, err := r.ordersInPeriod(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var revenue int64
	rows := make([][]string, 0, len(orders))
	for _, o := range orders {
		revenue += o.TotalCents
		rows = append(rows, []string{
			o.ID.String(),
			o.CustomerID.String(),
			string(o.Status),
			cents(o.TotalCents),
			o.CreatedAt.Format(time.RFC3339),
		})
	}

	avg := int64(0)
	if len(orders) > 0 {
		avg = revenue / int64(len(orders))
	}
	return &tabular{
		header: []string{"order_id", "customer_id", "status", "total", "created_at"},
		rows:   rows,
		summary: map[string]any{
			"total_orders":        len(orders),
			"total_revenue":       revenue,
			"average_order_value": avg,
		},
	}, nil
}

// inventoryReport snapshots every product's stock and sales counts.
func (r *Reports) inventoryReport(ctx context.Context) (*tabular, error) {
	products, err := r.store.ListProducts(ctx)
	if err != nil {
		return nil, conveyor.TransientError(err, "generate_report: list products")
	}

	var stockUnits, outOfStock int
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		stockUnits += p.Stock
		if p.Stock == 0 {
			outOfStock++
		}
		rows = append(rows, []string{
			p.ID.String(),
			p.Name,
			p.SKU,
			cents(p.PriceCents),
			strconv.Itoa(p.Stock),
			strconv.Itoa(p.SalesCount),
		})
	}

	return &tabular{
		header: []string{"product_id", "name", "sku", "price", "stock", "sales_count"},
		rows:   rows,
		summary: map[string]any{
			"total_products":    len(products),
			"total_stock_units": stockUnits,
			"out_of_stock":      outOfStock,
		},
	}, nil
}

// ordersReport lists orders in the period with a per-status breakdown.
func (r *Reports) ordersReport(ctx context.Context, start, end time.Time) (*tabular, error) {
	orders, err := r.ordersInPeriod(ctx, start, end)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[string]int)
	rows := make([][]string, 0, len(orders))
	for _, o := range orders {
		byStatus[string(o.Status)]++
		rows = append(rows, []string{
			o.ID.String(),
			string(o.Status),
			strconv.Itoa(len(o.Items)),
			cents(o.TotalCents),
			o.CreatedAt.Format(time.RFC3339),
		})
	}

	return &tabular{
		header: []string{"order_id", "status", "items", "total", "created_at"},
		rows:   rows,
		summary: map[string]any{
			"total_orders": len(orders),
			"by_status":    byStatus,
		},
	}, nil
}

// customersReport lists customers with their lifetime order counts and
// spend.
func (r *Reports) customersReport(ctx context.Context) (*tabular, error) {
	customers, err := r.store.ListCustomers(ctx)
	if err != nil {
		return nil, conveyor.TransientError(err, "generate_report: list customers")
	}

	active := 0
	rows := make([][]string, 0, len(customers))
	for _, c := range customers {
		orders, err := r.store.ListOrders(ctx, commerce.OrderFilter{CustomerID: c.ID})
		if err != nil {
			return nil, conveyor.TransientError(err, "generate_report: list orders for customer %s", c.ID)
		}
		var spent int64
		for _, o := range orders {
			if o.Status != commerce.OrderCancelled {
				spent += o.TotalCents
			}
		}
		if len(orders) > 0 {
			active++
		}
		rows = append(rows, []string{
			c.ID.String(),
			c.Email,
			c.Name,
			strconv.Itoa(len(orders)),
			cents(spent),
		})
	}

	return &tabular{
		header: []string{"customer_id", "email", "name", "orders", "total_spent"},
		rows:   rows,
		summary: map[string]any{
			"total_customers":  len(customers),
			"active_customers": active,
		},
	}, nil
}

// analyticsReport gathers the sales, inventory, and customer sections
// concurrently and renders one metric per row.
func (r *Reports) analyticsReport(ctx context.Context, start, end time.Time) (*tabular, error) {
	var sales, inventory, customers *tabular

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = r.salesReport(gctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		inventory, err = r.inventoryReport(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		customers, err = r.customersReport(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := make(map[string]any)
	var rows [][]string
	for _, section := range []struct {
		name string
		tab  *tabular
	}{
		{"sales", sales},
		{"inventory", inventory},
		{"customers", customers},
	} {
		for _, key := range sortedKeys(section.tab.summary) {
			metric := section.name + "." + key
			value := section.tab.summary[key]
			summary[metric] = value
			rows = append(rows, []string{metric, fmt.Sprint(value)})
		}
	}

	return &tabular{
		header:  []string{"metric", "value"},
		rows:    rows,
		summary: summary,
	}, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (r *Reports) ordersInPeriod(ctx context.Context, start, end time.Time) ([]*commerce.Order, error) {
	orders, err := r.store.ListOrders(ctx, commerce.OrderFilter{
		CreatedAfter:  &start,
		CreatedBefore: &end,
	})
	if err != nil {
		return nil, conveyor.TransientError(err, "generate_report: list orders")
	}
	kept := orders[:0]
	for _, o := range orders {
		if o.Status != commerce.OrderCancelled {
			kept = append(kept, o)
		}
	}
	return kept, nil
}

func renderCSV(tab *tabular) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(tab.header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(tab.rows); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cents formats integer cents as a decimal amount. The sign is handled
// separately so negative amounts do not put a minus on both parts.
func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
