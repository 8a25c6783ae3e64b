/*
Package store defines the persistence gateway used by the core.

Implementations:
  - store/gormstore: gorm over Postgres (production) or SQLite (local, tests)
  - store/memory:    in-process maps, used by unit tests and DATABASE_DRIVER=memory

Stock columns are only ever changed through UpdateStock, a conditional write
that re-checks its precondition inside the single statement that applies it.
Two concurrent transfers on the same product can therefore never both pass the
"enough warehouse stock" check.
*/
package store

import (
	"context"
	"errors"

	"stokraf-backend/internal/models"
)

// ErrConditionFailed is returned by UpdateStock when the row exists but the
// guarded precondition did not hold at write time.
var ErrConditionFailed = errors.New("conditional update precondition failed")

// StockChange describes a guarded change to a product's stock columns.
// The change applies only if both resulting values are non-negative and,
// when ExpectShelf is set, the shelf value still equals it (compare-and-swap).
type StockChange struct {
	WarehouseDelta int
	ShelfDelta     int
	ExpectShelf    *int
}

type ProductStore interface {
	// GetProduct returns errs.ErrNotFound (as *errs.NotFoundError) for unknown ids.
	GetProduct(ctx context.Context, id string) (models.Product, error)
	// ListTrackedProducts returns active, non-archived products ordered by name.
	ListTrackedProducts(ctx context.Context) ([]models.Product, error)
	// UpdateStock applies change atomically. On ErrConditionFailed the
	// returned product holds the values observed by the failed write.
	UpdateStock(ctx context.Context, id string, change StockChange) (models.Product, error)
}

type DailyOperationStore interface {
	ListDailyOperations(ctx context.Context, day string) ([]models.DailyOperation, error)
	// SaveDailyOperations inserts the first set and upserts the second set
	// (keyed on product_id+day) in one transaction.
	SaveDailyOperations(ctx context.Context, inserts, upserts []models.DailyOperation) error
}

type AuditFilter struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	Limit        int
}

type AuditStore interface {
	// InsertAuditEvents is idempotent on EventID.
	InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error)
}

// RoleStore is the trusted source of operator roles.
type RoleStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// Gateway bundles everything the core needs from durable storage.
type Gateway interface {
	ProductStore
	DailyOperationStore
	AuditStore
	RoleStore
}

// ChangeFilter scopes a feed subscription.
type ChangeFilter struct {
	Day string // empty means every day
}

// Matches reports whether n belongs to the subscription.
func (f ChangeFilter) Matches(n models.ChangeNotification) bool {
	return f.Day == "" || n.Day == "" || n.Day == f.Day
}

// Feed is the push-style change notification mechanism.
type Feed interface {
	// Publish broadcasts a notification (used for presence heartbeats and by
	// stores that cannot rely on database triggers).
	Publish(ctx context.Context, n models.ChangeNotification) error
	// Subscribe delivers every matching notification exactly once until ctx
	// is done or the feed shuts down, at which point the channel is closed.
	Subscribe(ctx context.Context, filter ChangeFilter) (<-chan models.ChangeNotification, error)
}
