package gormstore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stokraf-backend/internal/database"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/feed"
	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.DriverSQLite, "file:"+name+"?mode=memory&cache=shared", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func seedProduct(t *testing.T, db *gorm.DB, p models.Product) {
	t.Helper()
	if p.Status == "" {
		p.Status = models.ProductActive
	}
	require.NoError(t, db.Create(&p).Error)
}

func TestUpdateStockConditional(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	seedProduct(t, db, models.Product{ID: "p1", Name: "Milk", WarehouseStock: 50, ShelfStock: 5})

	p, err := s.UpdateStock(ctx, "p1", store.StockChange{WarehouseDelta: -20, ShelfDelta: 20})
	require.NoError(t, err)
	assert.Equal(t, 30, p.WarehouseStock)
	assert.Equal(t, 25, p.ShelfStock)

	p, err = s.UpdateStock(ctx, "p1", store.StockChange{WarehouseDelta: -40, ShelfDelta: 40})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
	assert.Equal(t, 30, p.WarehouseStock, "failed write reports the observed row")

	stale := 24
	_, err = s.UpdateStock(ctx, "p1", store.StockChange{ShelfDelta: 1, ExpectShelf: &stale})
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	_, err = s.UpdateStock(ctx, "missing", store.StockChange{ShelfDelta: 1})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConcurrentTransfersNeverOversell(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	seedProduct(t, db, models.Product{ID: "p1", Name: "Milk", WarehouseStock: 10})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateStock(context.Background(), "p1", store.StockChange{WarehouseDelta: -3, ShelfDelta: 3})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	p, err := s.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, p.WarehouseStock)
	assert.Equal(t, 9, p.ShelfStock)
}

func TestListTrackedProducts(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	seedProduct(t, db, models.Product{ID: "b", Name: "Bread"})
	seedProduct(t, db, models.Product{ID: "a", Name: "Apples"})
	seedProduct(t, db, models.Product{ID: "c", Name: "Cheese", IsArchived: true})
	seedProduct(t, db, models.Product{ID: "d", Name: "Dates", Status: models.ProductInactive})

	got, err := s.ListTrackedProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestSaveDailyOperationsInsertThenUpsert(t *testing.T) {
	db := openTestDB(t)
	broker := feed.NewBroker(logging.Discard())
	s := New(db).WithFeed(broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, store.ChangeFilter{Day: "2026-03-10"})
	require.NoError(t, err)

	row := models.DailyOperation{ProductID: "p1", Day: "2026-03-10", OpeningStock: 10, ActualClosingStock: 10, EstimatedClosingStock: 10, CreatedBy: "u1", Virtual: true}
	require.NoError(t, s.SaveDailyOperations(ctx, []models.DailyOperation{row}, nil))

	row.WastageStock = 2
	row.CreatedBy = "u2"
	require.NoError(t, s.SaveDailyOperations(ctx, nil, []models.DailyOperation{row}))

	rows, err := s.ListDailyOperations(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].WastageStock)
	assert.Equal(t, "u1", rows[0].CreatedBy, "upsert keeps the creator")

	insert := <-ch
	assert.Equal(t, models.ChangeInsert, insert.EventType)
	update := <-ch
	assert.Equal(t, models.ChangeUpdate, update.EventType)
	assert.True(t, update.HasBefore())
}

func TestSaveDailyOperationsRollsBackOnDuplicateInsert(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	row := models.DailyOperation{ProductID: "p1", Day: "2026-03-10"}
	require.NoError(t, s.SaveDailyOperations(ctx, []models.DailyOperation{row}, nil))

	other := models.DailyOperation{ProductID: "p2", Day: "2026-03-10"}
	err := s.SaveDailyOperations(ctx, []models.DailyOperation{other, row}, nil)
	require.Error(t, err)

	rows, err := s.ListDailyOperations(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAuditEventsIdempotentAndFiltered(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	events := []models.AuditEvent{
		{EventID: "e1", Action: models.AuditActionRestock, ResourceType: models.ResourceProduct, ResourceID: "p1", ActorID: "u1", Severity: models.SeverityLow},
		{EventID: "e2", Action: models.AuditActionUpdate, ResourceType: models.ResourceDailyOperation, ResourceID: "p1@2026-03-10", ActorID: "u2", Severity: models.SeverityLow},
	}
	require.NoError(t, s.InsertAuditEvents(ctx, events))
	require.NoError(t, s.InsertAuditEvents(ctx, events[:1]))

	all, err := s.ListAuditEvents(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e2", all[0].EventID, "newest first")

	byActor, err := s.ListAuditEvents(ctx, store.AuditFilter{ActorID: "u1"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "e1", byActor[0].EventID)
}

func TestGetUser(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	require.NoError(t, db.Create(&models.User{ID: "u1", Name: "Ada", Role: models.RoleAdmin, Active: true}).Error)

	u, err := s.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)

	_, err = s.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
