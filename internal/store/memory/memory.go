// Package memory provides an in-process Gateway for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// Operation names passed to the hook.
const (
	OpGetProduct   = "get_product"
	OpListProducts = "list_products"
	OpUpdateStock  = "update_stock"
	OpListDaily    = "list_daily_operations"
	OpSaveDaily    = "save_daily_operations"
	OpInsertAudit  = "insert_audit_events"
	OpListAudit    = "list_audit_events"
	OpGetUser      = "get_user"
)

// Hook runs before every store operation. A non-nil error fails the
// operation before it touches any data. Tests use it to inject faults and
// latency.
type Hook func(ctx context.Context, op string) error

type Store struct {
	mu       sync.RWMutex
	products map[string]models.Product
	daily    map[string]models.DailyOperation
	audit    []models.AuditEvent
	auditIDs map[string]bool
	users    map[string]models.User

	feed store.Feed
	now  func() time.Time
	hook Hook
}

var _ store.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		products: make(map[string]models.Product),
		daily:    make(map[string]models.DailyOperation),
		auditIDs: make(map[string]bool),
		users:    make(map[string]models.User),
		now:      time.Now,
	}
}

// WithFeed makes saved daily operations publish row changes to f.
func (s *Store) WithFeed(f store.Feed) *Store {
	s.feed = f
	return s
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Store) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = models.ProductActive
	}
	s.products[p.ID] = p
}

func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AuditEvents returns every persisted audit event in insertion order.
func (s *Store) AuditEvents() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditEvent(nil), s.audit...)
}

func (s *Store) before(ctx context.Context, op string) error {
	s.mu.RLock()
	h := s.hook
	s.mu.RUnlock()
	if h != nil {
		if err := h(ctx, op); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	if err := s.before(ctx, OpGetProduct); err != nil {
		return models.Product{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return models.Product{}, errs.NotFound("product", id)
	}
	return p, nil
}

func (s *Store) ListTrackedProducts(ctx context.Context) ([]models.Product, error) {
	if err := s.before(ctx, OpListProducts); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Tracked() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) UpdateStock(ctx context.Context, id string, change store.StockChange) (models.Product, error) {
	if err := s.before(ctx, OpUpdateStock); err != nil {
		return models.Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return models.Product{}, errs.NotFound("product", id)
	}
	if change.ExpectShelf != nil && p.ShelfStock != *change.ExpectShelf {
		return p, store.ErrConditionFailed
	}
	if p.WarehouseStock+change.WarehouseDelta < 0 || p.ShelfStock+change.ShelfDelta < 0 {
		return p, store.ErrConditionFailed
	}
	p.WarehouseStock += change.WarehouseDelta
	p.ShelfStock += change.ShelfDelta
	p.UpdatedAt = s.now()
	s.products[id] = p
	return p, nil
}

// =============================================================================
// DAILY OPERATIONS
// =============================================================================

func (s *Store) ListDailyOperations(ctx context.Context, day string) ([]models.DailyOperation, error) {
	if err := s.before(ctx, OpListDaily); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyOperation
	for _, row := range s.daily {
		if row.Day == day {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) SaveDailyOperations(ctx context.Context, inserts, upserts []models.DailyOperation) error {
	if err := s.before(ctx, OpSaveDaily); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()
	prev := make(map[string]models.DailyOperation)
	for _, row := range inserts {
		if _, exists := s.daily[row.Key()]; exists {
			s.mu.Unlock()
			return fmt.Errorf("insert daily operation %s: duplicate key", row.Key())
		}
	}
	saved := make([]models.DailyOperation, 0, len(inserts)+len(upserts))
	for _, row := range append(append([]models.DailyOperation(nil), inserts...), upserts...) {
		if old, exists := s.daily[row.Key()]; exists {
			prev[row.Key()] = old
			row.CreatedAt = old.CreatedAt
			row.CreatedBy = old.CreatedBy
		} else if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		row.Virtual = false
		s.daily[row.Key()] = row
		saved = append(saved, row)
	}
	s.mu.Unlock()

	// Rows are committed; a closed feed only means nobody is listening.
	if changes, err := store.RowChanges(prev, saved); err == nil {
		_ = store.PublishAll(ctx, s.feed, changes)
	}
	return nil
}

// =============================================================================
// AUDIT + USERS
// =============================================================================

func (s *Store) InsertAuditEvents(ctx context.Context, events []models.AuditEvent) error {
	if err := s.before(ctx, OpInsertAudit); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if s.auditIDs[ev.EventID] {
			continue
		}
		s.auditIDs[ev.EventID] = true
		ev.ID = uint(len(s.audit) + 1)
		ev.CreatedAt = s.now()
		s.audit = append(s.audit, ev)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, error) {
	if err := s.before(ctx, OpListAudit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for i := len(s.audit) - 1; i >= 0; i-- {
		ev := s.audit[i]
		if filter.ResourceType != "" && ev.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && ev.ResourceID != filter.ResourceID {
			continue
		}
		if filter.ActorID != "" && ev.ActorID != filter.ActorID {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := s.before(ctx, OpGetUser); err != nil {
		return models.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, errs.NotFound("user", id)
	}
	return u, nil
}
