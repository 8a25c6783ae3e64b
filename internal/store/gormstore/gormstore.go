// Package gormstore implements store.Gateway on gorm. The same code runs on
// Postgres in production and SQLite locally and in tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// dailyUpdateColumns are overwritten on upsert. created_at and created_by
// keep the values of the first insert.
var dailyUpdateColumns = []string{
	"opening_stock",
	"additional_stock",
	"actual_closing_stock",
	"estimated_closing_stock",
	"stolen_stock",
	"wastage_stock",
	"sales",
	"order_count",
	"updated_at",
}

type Store struct {
	db   *gorm.DB
	feed store.Feed
	now  func() time.Time
}

var _ store.Gateway = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithFeed publishes row changes after each committed save. Only needed when
// the database has no notify trigger (SQLite).
func (s *Store) WithFeed(f store.Feed) *Store {
	s.feed = f
	return s
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, errs.NotFound("product", id)
	}
	if err != nil {
		return p, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListTrackedProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_archived = ?", models.ProductActive, false).
		Order("name ASC, id ASC").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("list tracked products: %w", err)
	}
	return products, nil
}

// UpdateStock runs one guarded UPDATE. The guard is part of the WHERE clause,
// so the database evaluates it against the row it locks for the write.
func (s *Store) UpdateStock(ctx context.Context, id string, change store.StockChange) (models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Product{}).
			Where("id = ?", id).
			Where("warehouse_stock + ? >= 0 AND shelf_stock + ? >= 0", change.WarehouseDelta, change.ShelfDelta)
		if change.ExpectShelf != nil {
			q = q.Where("shelf_stock = ?", *change.ExpectShelf)
		}
		res := q.Updates(map[string]any{
			"warehouse_stock": gorm.Expr("warehouse_stock + ?", change.WarehouseDelta),
			"shelf_stock":     gorm.Expr("shelf_stock + ?", change.ShelfDelta),
			"updated_at":      s.now(),
		})
		if res.Error != nil {
			return res.Error
		}

		if err := tx.Where("id = ?", id).First(&p).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return store.ErrConditionFailed
		}
		return nil
	})
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, store.ErrConditionFailed):
		return p, err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.Product{}, errs.NotFound("product", id)
	default:
		return models.Product{}, fmt.Errorf("update stock %s: %w", id, err)
	}
}

// =============================================================================
// DAILY OPERATIONS
// =============================================================================

func (s *Store) ListDailyOperations(ctx context.Context, day string) ([]models.DailyOperation, error) {
	var rows []models.DailyOperation
	err := s.db.WithContext(ctx).
		Where("day = ?", day).
		Order("product_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list daily operations %s: %w", day, err)
	}
	return rows, nil
}

func (s *Store) SaveDailyOperations(ctx context.Context, inserts, upserts []models.DailyOperation) error {
	if len(inserts) == 0 && len(upserts) == 0 {
		return nil
	}
	now := s.now()
	prev := make(map[string]models.DailyOperation)
	var saved []models.DailyOperation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.feed != nil && len(upserts) > 0 {
			if err := loadExisting(tx, upserts, prev); err != nil {
				return err
			}
		}

		if len(inserts) > 0 {
			rows := stamp(inserts, now)
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert daily operations: %w", err)
			}
			saved = append(saved, rows...)
		}

		if len(upserts) > 0 {
			rows := stamp(upserts, now)
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "product_id"}, {Name: "day"}},
				DoUpdates: clause.AssignmentColumns(dailyUpdateColumns),
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("upsert daily operations: %w", err)
			}
			saved = append(saved, rows...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.feed != nil {
		for i := range saved {
			if old, ok := prev[saved[i].Key()]; ok {
				saved[i].CreatedAt = old.CreatedAt
				saved[i].CreatedBy = old.CreatedBy
			}
		}
		// Rows are committed; a closed feed only means nobody is listening.
		if changes, err := store.RowChanges(prev, saved); err == nil {
			_ = store.PublishAll(ctx, s.feed, changes)
		}
	}
	return nil
}

func loadExisting(tx *gorm.DB, rows []models.DailyOperation, into map[string]models.DailyOperation) error {
	byDay := make(map[string][]string)
	for _, r := range rows {
		byDay[r.Day] = append(byDay[r.Day], r.ProductID)
	}
	for day, ids := range byDay {
		var existing []models.DailyOperation
		if err := tx.Where("day = ? AND product_id IN ?", day, ids).Find(&existing).Error; err != nil {
			return fmt.Errorf("load existing daily operations: %w", err)
		}
		for _, e := range existing {
			into[e.Key()] = e
		}
	}
	return nil
}

func stamp(rows []models.DailyOperation, now time.Time) []models.DailyOperation {
	out := make([]models.DailyOperation, len(rows))
	for i, r := range rows {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		r.Virtual = false
		out[i] = r
	}
	return out
}

// =============================================================================
// AUDIT + USERS
// =============================================================================

func (s *Store) InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]models.AuditEvent, len(events))
	copy(rows, events)
	for i := range rows {
		rows[i].ID = 0
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.AuditEvent{})
	if filter.ResourceType != "" {
		q = q.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		q = q.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var events []models.AuditEvent
	if err := q.Order("id DESC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return u, errs.NotFound("user", id)
	}
	if err != nil {
		return u, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}
