package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/feed"
	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

func TestUpdateStockGuardsNegativeResult(t *testing.T) {
	s := New()
	s.PutProduct(models.Product{ID: "p1", Name: "Milk", WarehouseStock: 50, ShelfStock: 5})
	ctx := context.Background()

	p, err := s.UpdateStock(ctx, "p1", store.StockChange{WarehouseDelta: -20, ShelfDelta: 20})
	require.NoError(t, err)
	assert.Equal(t, 30, p.WarehouseStock)
	assert.Equal(t, 25, p.ShelfStock)

	p, err = s.UpdateStock(ctx, "p1", store.StockChange{WarehouseDelta: -40, ShelfDelta: 40})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
	assert.Equal(t, 30, p.WarehouseStock)

	_, err = s.UpdateStock(ctx, "nope", store.StockChange{ShelfDelta: 1})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateStockCompareAndSwap(t *testing.T) {
	s := New()
	s.PutProduct(models.Product{ID: "p1", Name: "Milk", ShelfStock: 7})
	stale := 6

	_, err := s.UpdateStock(context.Background(), "p1", store.StockChange{ShelfDelta: 3, ExpectShelf: &stale})
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	current := 7
	p, err := s.UpdateStock(context.Background(), "p1", store.StockChange{ShelfDelta: 3, ExpectShelf: &current})
	require.NoError(t, err)
	assert.Equal(t, 10, p.ShelfStock)
}

func TestListTrackedProductsSkipsArchivedAndInactive(t *testing.T) {
	s := New()
	s.PutProduct(models.Product{ID: "b", Name: "Bread"})
	s.PutProduct(models.Product{ID: "a", Name: "Apples"})
	s.PutProduct(models.Product{ID: "c", Name: "Cheese", IsArchived: true})
	s.PutProduct(models.Product{ID: "d", Name: "Dates", Status: models.ProductInactive})

	got, err := s.ListTrackedProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Apples", got[0].Name)
	assert.Equal(t, "Bread", got[1].Name)
}

func TestSaveDailyOperationsPublishesChanges(t *testing.T) {
	broker := feed.NewBroker(logging.Discard())
	s := New().WithFeed(broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, store.ChangeFilter{Day: "2026-03-10"})
	require.NoError(t, err)

	row := models.DailyOperation{ProductID: "p1", Day: "2026-03-10", OpeningStock: 10, Virtual: true}
	require.NoError(t, s.SaveDailyOperations(ctx, []models.DailyOperation{row}, nil))

	row.WastageStock = 2
	require.NoError(t, s.SaveDailyOperations(ctx, nil, []models.DailyOperation{row}))

	insert := <-ch
	assert.Equal(t, models.ChangeInsert, insert.EventType)
	assert.False(t, insert.HasBefore())

	update := <-ch
	assert.Equal(t, models.ChangeUpdate, update.EventType)
	assert.True(t, update.HasBefore())

	rows, err := s.ListDailyOperations(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].WastageStock)
	assert.False(t, rows[0].Virtual)
}

func TestSaveDailyOperationsRejectsDuplicateInsert(t *testing.T) {
	s := New()
	row := models.DailyOperation{ProductID: "p1", Day: "2026-03-10"}
	require.NoError(t, s.SaveDailyOperations(context.Background(), []models.DailyOperation{row}, nil))

	other := models.DailyOperation{ProductID: "p2", Day: "2026-03-10"}
	err := s.SaveDailyOperations(context.Background(), []models.DailyOperation{other, row}, nil)
	require.Error(t, err)

	rows, _ := s.ListDailyOperations(context.Background(), "2026-03-10")
	assert.Len(t, rows, 1, "failed save must not leave partial rows")
}

func TestInsertAuditEventsIsIdempotent(t *testing.T) {
	s := New()
	ev := models.AuditEvent{EventID: "e1", ResourceID: "p1", Timestamp: time.Now()}

	require.NoError(t, s.InsertAuditEvents(context.Background(), []models.AuditEvent{ev}))
	require.NoError(t, s.InsertAuditEvents(context.Background(), []models.AuditEvent{ev}))
	assert.Len(t, s.AuditEvents(), 1)
}

func TestHookInjectsFailure(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.SetHook(func(_ context.Context, op string) error {
		if op == OpInsertAudit {
			return boom
		}
		return nil
	})

	err := s.InsertAuditEvents(context.Background(), []models.AuditEvent{{EventID: "e1"}})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.AuditEvents())
}
