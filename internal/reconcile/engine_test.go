package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/stock"
	"stokraf-backend/internal/store/memory"
)

const day = "2026-03-10"

type recorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *recorder) Record(ev models.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) byField() map[string]models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.AuditEvent)
	for _, ev := range r.events {
		out[ev.ResourceID+"/"+ev.Field] = ev
	}
	return out
}

// flakyShelf fails propagation for the listed products.
type flakyShelf struct {
	next   ShelfSetter
	failOn map[string]bool
}

func (f flakyShelf) SetShelfStock(ctx context.Context, actor models.User, id string, target int) (stock.Status, error) {
	if f.failOn[id] {
		return stock.Status{}, errors.New("product locked")
	}
	return f.next.SetShelfStock(ctx, actor, id, target)
}

type fixture struct {
	store   *memory.Store
	engine  *Engine
	rec     *recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, failOn ...string) *fixture {
	t.Helper()
	s := memory.New()
	s.PutUser(models.User{ID: "admin", Name: "Ada", Role: models.RoleAdmin, Active: true})
	s.PutUser(models.User{ID: "staff", Name: "Sam", Role: models.RoleStaff, Active: true})
	s.PutProduct(models.Product{ID: "milk", Name: "Milk", WarehouseStock: 40, ShelfStock: 10})
	s.PutProduct(models.Product{ID: "bread", Name: "Bread", WarehouseStock: 0, ShelfStock: 6})
	s.PutProduct(models.Product{ID: "eggs", Name: "Eggs", ShelfStock: 12})
	s.PutProduct(models.Product{ID: "old", Name: "Archived", ShelfStock: 3, IsArchived: true})

	log := logging.Discard()
	m := metrics.New()
	verifier := auth.NewVerifier(s, time.Second)
	shelf := stock.NewService(s, verifier, nil, m, log, stock.Config{LowStockThreshold: 5})
	fail := map[string]bool{}
	for _, id := range failOn {
		fail[id] = true
	}
	rec := &recorder{}
	e := NewEngine(s, s, verifier, flakyShelf{next: shelf, failOn: fail}, rec, m, log, Config{Timeout: time.Second, Concurrency: 2})
	return &fixture{store: s, engine: e, rec: rec, metrics: m}
}

func TestLoadDaySynthesizesVirtualRows(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveDailyOperations(context.Background(), []models.DailyOperation{
		{ProductID: "eggs", Day: day, OpeningStock: 12, Sales: 2, EstimatedClosingStock: 10, ActualClosingStock: 9},
	}, nil))

	rows, err := f.engine.LoadDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"Bread", "Eggs", "Milk"}, []string{rows[0].ProductName, rows[1].ProductName, rows[2].ProductName})
	assert.True(t, rows[0].Virtual)
	assert.Equal(t, 6, rows[0].OpeningStock)
	assert.Equal(t, 6, rows[0].ActualClosingStock)
	assert.False(t, rows[1].Virtual)
	assert.Equal(t, 1, rows[1].Variance)

	_, err = f.engine.LoadDay(context.Background(), "10/03/2026")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSaveDayInsertsAuditsAndPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows, err := f.engine.LoadDay(ctx, day)
	require.NoError(t, err)

	milk := rows[2].DailyOperation
	require.Equal(t, "milk", milk.ProductID)
	milk, err = ApplyEdit(milk, FieldAdditional, 5)
	require.NoError(t, err)
	milk, err = ApplyEdit(milk, FieldSales, 3)
	require.NoError(t, err)
	milk, err = ApplyEdit(milk, FieldWastage, 1)
	require.NoError(t, err)

	res, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{milk})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)
	assert.Empty(t, res.FailedProductIDs)

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 11, stored[0].EstimatedClosingStock)
	assert.Equal(t, "staff", stored[0].CreatedBy)

	p, err := f.store.GetProduct(ctx, "milk")
	require.NoError(t, err)
	assert.Equal(t, 11, p.ShelfStock, "closing count becomes the shelf stock")
	assert.Equal(t, 40, p.WarehouseStock)

	events := f.rec.byField()
	assert.Contains(t, events, "milk@"+day+"/additional_stock")
	assert.Contains(t, events, "milk@"+day+"/actual_closing_stock")
	assert.Equal(t, models.AuditActionCreate, events["milk@"+day+"/sales"].Action)
	assert.Equal(t, "3", events["milk@"+day+"/sales"].NewValue)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DaySaves.WithLabelValues("ok")))
}

func TestSaveDayDerivesRawRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// inputs filled in without the local derivation: the count still equals
	// the opening estimate
	milk := models.DailyOperation{
		ProductID: "milk", Day: day,
		OpeningStock: 10, AdditionalStock: 5, Sales: 3, WastageStock: 1,
		ActualClosingStock: 10, EstimatedClosingStock: 10,
	}
	_, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{milk})
	require.NoError(t, err)

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 11, stored[0].EstimatedClosingStock)
	assert.Equal(t, 11, stored[0].ActualClosingStock)
	assert.Equal(t, 0, stored[0].Variance())

	p, err := f.store.GetProduct(ctx, "milk")
	require.NoError(t, err)
	assert.Equal(t, 11, p.ShelfStock)

	// same again on the stored row: the count keeps following the estimate
	milk = stored[0]
	milk.Sales = 5
	_, err = f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{milk})
	require.NoError(t, err)
	stored, err = f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 9, stored[0].EstimatedClosingStock)
	assert.Equal(t, 9, stored[0].ActualClosingStock)
}

func TestSaveDayKeepsCountedOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	milk := models.DailyOperation{
		ProductID: "milk", Day: day,
		OpeningStock: 10, AdditionalStock: 5, Sales: 3, WastageStock: 1,
		ActualClosingStock: 8, EstimatedClosingStock: 10,
	}
	_, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{milk})
	require.NoError(t, err)

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 11, stored[0].EstimatedClosingStock)
	assert.Equal(t, 8, stored[0].ActualClosingStock)
	assert.Equal(t, 3, stored[0].Variance())

	// once overridden, later input edits leave the count alone
	milk = stored[0]
	milk.Sales = 4
	_, err = f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{milk})
	require.NoError(t, err)
	stored, err = f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 10, stored[0].EstimatedClosingStock)
	assert.Equal(t, 8, stored[0].ActualClosingStock)

	p, err := f.store.GetProduct(ctx, "milk")
	require.NoError(t, err)
	assert.Equal(t, 8, p.ShelfStock)
}

func TestSaveDayUpsertsRowMaterializedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows, err := f.engine.LoadDay(ctx, day)
	require.NoError(t, err)
	bread := rows[0].DailyOperation

	// another editor saves first
	_, err = f.engine.SaveDay(ctx, auth.Principal{UserID: "admin"}, day, []models.DailyOperation{bread})
	require.NoError(t, err)

	bread, err = ApplyEdit(bread, FieldSales, 2)
	require.NoError(t, err)
	res, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "staff"}, day, []models.DailyOperation{bread})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "admin", stored[0].CreatedBy)
	assert.Equal(t, 4, stored[0].ActualClosingStock)
}

func TestSaveDayReportsPartialPropagation(t *testing.T) {
	f := newFixture(t, "eggs", "bread")
	ctx := context.Background()
	rows, err := f.engine.LoadDay(ctx, day)
	require.NoError(t, err)

	var ops []models.DailyOperation
	for _, r := range rows {
		op, err := ApplyEdit(r.DailyOperation, FieldSales, 1)
		require.NoError(t, err)
		ops = append(ops, op)
	}

	res, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "admin"}, day, ops)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SavedCount)
	assert.Equal(t, []string{"bread", "eggs"}, res.FailedProductIDs)
	assert.True(t, res.IsPartial())

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	assert.Len(t, stored, 3, "ledger rows stay committed")

	p, err := f.store.GetProduct(ctx, "milk")
	require.NoError(t, err)
	assert.Equal(t, 9, p.ShelfStock)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PropagationResults.WithLabelValues("error")))
}

func TestSaveDayValidatesBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := models.DailyOperation{ProductID: "milk", Day: day, OpeningStock: 10}
	bad := models.DailyOperation{ProductID: "bread", Day: day, WastageStock: -1}

	_, err := f.engine.SaveDay(ctx, auth.Principal{UserID: "admin"}, day, []models.DailyOperation{good, bad})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.engine.SaveDay(ctx, auth.Principal{UserID: "admin"}, day, []models.DailyOperation{good, good})
	assert.ErrorIs(t, err, errs.ErrValidation)

	wrongDay := good
	wrongDay.Day = "2026-03-11"
	_, err = f.engine.SaveDay(ctx, auth.Principal{UserID: "admin"}, day, []models.DailyOperation{wrongDay})
	assert.ErrorIs(t, err, errs.ErrValidation)

	stored, err := f.store.ListDailyOperations(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSaveDayRequiresOperator(t *testing.T) {
	f := newFixture(t)
	row := models.DailyOperation{ProductID: "milk", Day: day, OpeningStock: 10}

	_, err := f.engine.SaveDay(context.Background(), auth.Anonymous, day, []models.DailyOperation{row})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.engine.SaveDay(context.Background(), auth.Principal{UserID: "intruder"}, day, []models.DailyOperation{row})
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestSaveDayStoreFailureAbortsWholeSave(t *testing.T) {
	f := newFixture(t)
	f.store.SetHook(func(_ context.Context, op string) error {
		if op == memory.OpSaveDaily {
			return errors.New("connection reset")
		}
		return nil
	})
	row := models.DailyOperation{ProductID: "milk", Day: day, OpeningStock: 10, ActualClosingStock: 4}

	_, err := f.engine.SaveDay(context.Background(), auth.Principal{UserID: "admin"}, day, []models.DailyOperation{row})
	assert.ErrorIs(t, err, errs.ErrPersistence)

	p, err := f.store.GetProduct(context.Background(), "milk")
	require.NoError(t, err)
	assert.Equal(t, 10, p.ShelfStock, "nothing propagates from a failed save")
	assert.Empty(t, f.rec.byField())
}

func TestEditField(t *testing.T) {
	f := newFixture(t)
	row, res, err := f.engine.EditField(context.Background(), auth.Principal{UserID: "staff"}, day, "eggs", FieldWastage, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)
	assert.Equal(t, 2, row.WastageStock)
	assert.Equal(t, 10, row.EstimatedClosingStock)
	assert.Equal(t, 10, row.ActualClosingStock)
	assert.False(t, row.Virtual)

	_, _, err = f.engine.EditField(context.Background(), auth.Principal{UserID: "staff"}, day, "ghost", FieldWastage, 2)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
