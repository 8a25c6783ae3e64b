/*
Package reconcile owns the daily reconciliation ledger: one DailyOperation
row per product and day, the closing-stock derivation and the variance that
flags unexplained loss.

Saving a day commits all rows in one transaction and then pushes every row's
counted closing stock to the product's shelf stock. Propagation failures are
reported per product; committed rows are never rolled back.
*/
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/stock"
	"stokraf-backend/internal/store"
)

// ShelfSetter drives a product's shelf stock to a target value.
type ShelfSetter interface {
	SetShelfStock(ctx context.Context, actor models.User, productID string, target int) (stock.Status, error)
}

// Recorder receives audit events. It must not block.
type Recorder interface {
	Record(ev models.AuditEvent)
}

type Config struct {
	Timeout     time.Duration
	Concurrency int
}

// Row is a ledger row as shown to an editor.
type Row struct {
	models.DailyOperation
	ProductName string `json:"product_name"`
	Variance    int    `json:"variance"`
}

func newRow(op models.DailyOperation, name string) Row {
	return Row{DailyOperation: op, ProductName: name, Variance: op.Variance()}
}

type SaveResult struct {
	SavedCount       int      `json:"saved_count"`
	FailedProductIDs []string `json:"failed_product_ids"`
}

type Engine struct {
	products store.ProductStore
	daily    store.DailyOperationStore
	verifier *auth.Verifier
	shelf    ShelfSetter
	audit    Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
}

func NewEngine(products store.ProductStore, daily store.DailyOperationStore, verifier *auth.Verifier,
	shelf ShelfSetter, rec Recorder, m *metrics.Metrics, log *slog.Logger, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Engine{
		products: products,
		daily:    daily,
		verifier: verifier,
		shelf:    shelf,
		audit:    rec,
		metrics:  m,
		log:      log,
		cfg:      cfg,
	}
}

// =============================================================================
// LOAD
// =============================================================================

// LoadDay returns the stored rows for day plus a virtual row for every
// tracked product that has none yet, ordered by product name.
func (e *Engine) LoadDay(ctx context.Context, day string) ([]Row, error) {
	day, err := parseDay(day)
	if err != nil {
		return nil, err
	}

	products, err := e.listProducts(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := e.listDay(ctx, day)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	rows := make([]Row, 0, len(products))
	seen := make(map[string]bool, len(stored))
	for _, op := range stored {
		seen[op.ProductID] = true
		name, ok := names[op.ProductID]
		if !ok {
			name = e.productName(ctx, op.ProductID)
		}
		rows = append(rows, newRow(op, name))
	}
	for _, p := range products {
		if !seen[p.ID] {
			rows = append(rows, newRow(models.NewVirtualDailyOperation(p, day), p.Name))
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ProductName == rows[j].ProductName {
			return rows[i].ProductID < rows[j].ProductID
		}
		return rows[i].ProductName < rows[j].ProductName
	})
	return rows, nil
}

// productName looks up an archived or inactive product that still has a
// stored row. Falls back to the id.
func (e *Engine) productName(ctx context.Context, id string) string {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	p, err := e.products.GetProduct(ctx, id)
	if err != nil {
		return id
	}
	return p.Name
}

// =============================================================================
// SAVE
// =============================================================================

// SaveDay validates, derives and commits rows for day, then propagates the
// counted closing stock of every row to the product shelf.
func (e *Engine) SaveDay(ctx context.Context, p auth.Principal, day string, rows []models.DailyOperation) (res SaveResult, err error) {
	defer func() {
		if e.metrics != nil {
			e.metrics.DaySaves.WithLabelValues(metrics.Result(err)).Inc()
		}
	}()

	day, err = parseDay(day)
	if err != nil {
		return SaveResult{}, err
	}
	if len(rows) == 0 {
		return SaveResult{FailedProductIDs: []string{}}, nil
	}
	rows = append([]models.DailyOperation(nil), rows...)
	seen := make(map[string]bool, len(rows))
	for i := range rows {
		if rows[i].Day == "" {
			rows[i].Day = day
		}
		if err := Validate(rows[i], day); err != nil {
			return SaveResult{}, err
		}
		if seen[rows[i].ProductID] {
			return SaveResult{}, errs.Validation("product_id", rows[i].ProductID, "appears more than once")
		}
		seen[rows[i].ProductID] = true
	}

	user, err := e.verifier.RequireOperator(ctx, p)
	if err != nil {
		return SaveResult{}, err
	}

	stored, err := e.listDay(ctx, day)
	if err != nil {
		return SaveResult{}, err
	}
	existing := make(map[string]models.DailyOperation, len(stored))
	for _, op := range stored {
		existing[op.ProductID] = op
	}

	var inserts, upserts []models.DailyOperation
	for _, row := range rows {
		if prev, ok := existing[row.ProductID]; ok {
			upserts = append(upserts, Rederive(prev, row))
			continue
		}
		row = Rederive(syntheticDefaults(row), row)
		row.CreatedBy = user.ID
		inserts = append(inserts, row)
	}

	saveCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	err = e.daily.SaveDailyOperations(saveCtx, inserts, upserts)
	cancel()
	if err != nil {
		return SaveResult{}, errs.Persistence("save daily operations", err)
	}

	for _, row := range inserts {
		e.recordDiff(models.AuditActionCreate, user.ID, syntheticDefaults(row), row)
	}
	for _, row := range upserts {
		e.recordDiff(models.AuditActionUpdate, user.ID, existing[row.ProductID], row)
	}

	saved := append(append([]models.DailyOperation(nil), inserts...), upserts...)
	failed := e.propagate(ctx, user, saved)
	e.log.Info("daily operations saved",
		"day", day, "actor_id", user.ID,
		"inserted", len(inserts), "updated", len(upserts), "propagation_failures", len(failed))

	return SaveResult{SavedCount: len(saved), FailedProductIDs: failed}, nil
}

// EditField applies a single-field edit to the current row of a product and
// saves it.
func (e *Engine) EditField(ctx context.Context, p auth.Principal, day, productID, field string, value int) (Row, SaveResult, error) {
	rows, err := e.LoadDay(ctx, day)
	if err != nil {
		return Row{}, SaveResult{}, err
	}
	var current *Row
	for i := range rows {
		if rows[i].ProductID == productID {
			current = &rows[i]
			break
		}
	}
	if current == nil {
		return Row{}, SaveResult{}, errs.NotFound("daily operation", productID+"@"+day)
	}

	edited, err := ApplyEdit(current.DailyOperation, field, value)
	if err != nil {
		return Row{}, SaveResult{}, err
	}
	res, err := e.SaveDay(ctx, p, day, []models.DailyOperation{edited})
	if err != nil {
		return Row{}, SaveResult{}, err
	}
	edited = Rederive(current.DailyOperation, edited)
	edited.Virtual = false
	return newRow(edited, current.ProductName), res, nil
}

// propagate runs SetShelfStock for every row with bounded concurrency and
// returns the sorted ids that failed.
func (e *Engine) propagate(ctx context.Context, actor models.User, rows []models.DailyOperation) []string {
	var (
		mu     sync.Mutex
		failed = []string{}
		g      errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			_, err := e.shelf.SetShelfStock(ctx, actor, row.ProductID, row.ActualClosingStock)
			if e.metrics != nil {
				e.metrics.PropagationResults.WithLabelValues(metrics.Result(err)).Inc()
			}
			if err != nil {
				e.log.Warn("shelf stock propagation failed",
					"product_id", row.ProductID, "day", row.Day,
					"target", row.ActualClosingStock, "error", err)
				mu.Lock()
				failed = append(failed, row.ProductID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return failed
}

func (e *Engine) recordDiff(action models.AuditAction, actorID string, before, after models.DailyOperation) {
	if e.audit == nil {
		return
	}
	for _, c := range Diff(before, after) {
		e.audit.Record(models.AuditEvent{
			Action:       action,
			ResourceType: models.ResourceDailyOperation,
			ResourceID:   after.Key(),
			Field:        c.Field,
			OldValue:     c.OldValue(),
			NewValue:     c.NewValue(),
			ActorID:      actorID,
			Severity:     fieldSeverity(c.Field),
		})
	}
}

// syntheticDefaults is the virtual row an insert started from.
func syntheticDefaults(row models.DailyOperation) models.DailyOperation {
	return models.DailyOperation{
		ProductID:             row.ProductID,
		Day:                   row.Day,
		OpeningStock:          row.OpeningStock,
		ActualClosingStock:    row.OpeningStock,
		EstimatedClosingStock: row.OpeningStock,
	}
}

func fieldSeverity(field string) models.AuditSeverity {
	switch field {
	case FieldStolen, FieldActual:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func (e *Engine) listProducts(ctx context.Context) ([]models.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	products, err := e.products.ListTrackedProducts(ctx)
	if err != nil {
		return nil, errs.Persistence("list products", err)
	}
	return products, nil
}

func (e *Engine) listDay(ctx context.Context, day string) ([]models.DailyOperation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	rows, err := e.daily.ListDailyOperations(ctx, day)
	if err != nil {
		return nil, errs.Persistence("list daily operations", err)
	}
	return rows, nil
}

// IsPartial reports whether a save committed but some shelves were not updated.
func (r SaveResult) IsPartial() bool {
	return len(r.FailedProductIDs) > 0
}

func parseDay(day string) (string, error) {
	parsed, err := models.ParseDay(day)
	if err != nil {
		return "", errs.Validation("day", day, "must be YYYY-MM-DD")
	}
	return parsed, nil
}
