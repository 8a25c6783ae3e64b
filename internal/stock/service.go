/*
Package stock is the stock ledger: restocks, warehouse-to-shelf transfers and
shelf corrections over Product.warehouse_stock and Product.shelf_stock.

Every mutation is a single conditional write through store.ProductStore, so a
transfer moves units between the two locations together or not at all, and
no location ever goes negative. The caller's role is re-read from the role
store on every call.
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// ErrContended means SetShelfStock lost every compare-and-swap attempt.
var ErrContended = errors.New("shelf stock kept changing concurrently")

// AdjustSource is the authorization context of a shelf adjustment.
type AdjustSource int

const (
	// SourceAdmin is an administrative correction; any sign, admin only.
	SourceAdmin AdjustSource = iota
	// SourceCheckout is a sale decrement; open to any caller, delta < 0.
	SourceCheckout
)

func (s AdjustSource) String() string {
	switch s {
	case SourceAdmin:
		return "admin"
	case SourceCheckout:
		return "checkout"
	}
	return "unknown"
}

func ParseAdjustSource(s string) (AdjustSource, error) {
	switch s {
	case "", "admin":
		return SourceAdmin, nil
	case "checkout":
		return SourceCheckout, nil
	}
	return 0, errs.Validation("source", s, "must be admin or checkout")
}

// Recorder receives audit events. It must not block.
type Recorder interface {
	Record(ev models.AuditEvent)
}

type Config struct {
	Timeout           time.Duration
	LowStockThreshold int
	CASAttempts       int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CASAttempts <= 0 {
		c.CASAttempts = 3
	}
	return c
}

// Status is the read-only stock snapshot returned by every operation.
type Status struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	WarehouseStock int    `json:"warehouse_stock"`
	ShelfStock     int    `json:"shelf_stock"`
	IsLowStock     bool   `json:"is_low_stock"`
}

type Service struct {
	products store.ProductStore
	verifier *auth.Verifier
	audit    Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
}

func NewService(products store.ProductStore, verifier *auth.Verifier, rec Recorder, m *metrics.Metrics, log *slog.Logger, cfg Config) *Service {
	return &Service{
		products: products,
		verifier: verifier,
		audit:    rec,
		metrics:  m,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

func (s *Service) status(p models.Product) Status {
	return Status{
		ProductID:      p.ID,
		Name:           p.Name,
		WarehouseStock: p.WarehouseStock,
		ShelfStock:     p.ShelfStock,
		IsLowStock:     p.ShelfStock <= s.cfg.LowStockThreshold,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// RestockWarehouse adds received goods to the warehouse.
func (s *Service) RestockWarehouse(ctx context.Context, p auth.Principal, productID string, quantity int) (st Status, err error) {
	defer s.observe("restock_warehouse", &err)
	if err := positive("quantity", quantity); err != nil {
		return Status{}, err
	}
	user, err := s.verifier.RequireAdmin(ctx, p)
	if err != nil {
		return Status{}, err
	}

	prod, err := s.update(ctx, productID, store.StockChange{WarehouseDelta: quantity})
	if err != nil {
		return Status{}, s.classify("restock_warehouse", productID, err)
	}
	s.record(models.AuditActionRestock, models.SeverityLow, user.ID, prod.ID, "warehouse_stock",
		prod.WarehouseStock-quantity, prod.WarehouseStock)
	return s.status(prod), nil
}

// Transfer moves quantity units from the warehouse to the shelf.
func (s *Service) Transfer(ctx context.Context, p auth.Principal, productID string, quantity int) (st Status, err error) {
	defer s.observe("transfer", &err)
	if err := positive("quantity", quantity); err != nil {
		return Status{}, err
	}
	user, err := s.verifier.RequireAdmin(ctx, p)
	if err != nil {
		return Status{}, err
	}

	prod, err := s.update(ctx, productID, store.StockChange{WarehouseDelta: -quantity, ShelfDelta: quantity})
	if errors.Is(err, store.ErrConditionFailed) {
		return s.status(prod), &errs.InsufficientStockError{
			ProductID: productID,
			Location:  "warehouse",
			Available: prod.WarehouseStock,
			Requested: quantity,
		}
	}
	if err != nil {
		return Status{}, s.classify("transfer", productID, err)
	}
	s.record(models.AuditActionTransfer, models.SeverityMedium, user.ID, prod.ID, "warehouse_stock",
		prod.WarehouseStock+quantity, prod.WarehouseStock)
	s.record(models.AuditActionTransfer, models.SeverityMedium, user.ID, prod.ID, "shelf_stock",
		prod.ShelfStock-quantity, prod.ShelfStock)
	return s.status(prod), nil
}

// RestockShelf is Transfer under the name the floor staff use.
func (s *Service) RestockShelf(ctx context.Context, p auth.Principal, productID string, quantity int) (Status, error) {
	return s.Transfer(ctx, p, productID, quantity)
}

// AdjustShelfStock applies delta to the shelf. Checkout adjustments must
// decrease stock and need no role; admin adjustments may go either way.
func (s *Service) AdjustShelfStock(ctx context.Context, p auth.Principal, productID string, delta int, source AdjustSource) (st Status, err error) {
	op := "adjust_" + source.String()
	defer s.observe(op, &err)
	if delta == 0 {
		return Status{}, errs.Validation("delta", delta, "must not be zero")
	}

	var (
		actorID  = p.ActorID()
		action   = models.AuditActionCheckout
		severity = models.SeverityLow
	)
	switch source {
	case SourceCheckout:
		if delta > 0 {
			return Status{}, errs.Validation("delta", delta, "checkout may only decrease shelf stock")
		}
	case SourceAdmin:
		user, err := s.verifier.RequireAdmin(ctx, p)
		if err != nil {
			return Status{}, err
		}
		actorID = user.ID
		action = models.AuditActionAdjust
		severity = models.SeverityHigh
	default:
		return Status{}, errs.Validation("source", source, "unknown adjust source")
	}

	prod, err := s.update(ctx, productID, store.StockChange{ShelfDelta: delta})
	if errors.Is(err, store.ErrConditionFailed) {
		return s.status(prod), &errs.InsufficientStockError{
			ProductID: productID,
			Location:  "shelf",
			Available: prod.ShelfStock,
			Requested: -delta,
		}
	}
	if err != nil {
		return Status{}, s.classify(op, productID, err)
	}
	s.record(action, severity, actorID, prod.ID, "shelf_stock", prod.ShelfStock-delta, prod.ShelfStock)
	return s.status(prod), nil
}

// SetShelfStock drives the shelf to target by compare-and-swap on the value
// it read. actor must already be verified by the caller.
func (s *Service) SetShelfStock(ctx context.Context, actor models.User, productID string, target int) (st Status, err error) {
	defer s.observe("set_shelf", &err)
	if target < 0 {
		return Status{}, errs.Validation("shelf_stock", target, "must not be negative")
	}

	for attempt := 1; attempt <= s.cfg.CASAttempts; attempt++ {
		prod, err := s.get(ctx, productID)
		if err != nil {
			return Status{}, s.classify("set_shelf", productID, err)
		}
		current := prod.ShelfStock
		if current == target {
			return s.status(prod), nil
		}

		prod, err = s.update(ctx, productID, store.StockChange{ShelfDelta: target - current, ExpectShelf: &current})
		if errors.Is(err, store.ErrConditionFailed) {
			s.log.Debug("shelf stock changed during set, retrying",
				"product_id", productID, "attempt", attempt, "observed", prod.ShelfStock)
			continue
		}
		if err != nil {
			return Status{}, s.classify("set_shelf", productID, err)
		}
		s.record(models.AuditActionAdjust, models.SeverityMedium, actor.ID, prod.ID, "shelf_stock", current, target)
		return s.status(prod), nil
	}
	return Status{}, fmt.Errorf("set shelf stock of %s to %d: %w", productID, target, ErrContended)
}

// GetStockStatus returns the current snapshot for one product.
func (s *Service) GetStockStatus(ctx context.Context, p auth.Principal, productID string) (Status, error) {
	if _, err := s.verifier.RequireAdmin(ctx, p); err != nil {
		return Status{}, err
	}
	prod, err := s.get(ctx, productID)
	if err != nil {
		return Status{}, s.classify("get_stock", productID, err)
	}
	return s.status(prod), nil
}

// ListStock returns the snapshot of every tracked product.
func (s *Service) ListStock(ctx context.Context, p auth.Principal) ([]Status, error) {
	if _, err := s.verifier.RequireOperator(ctx, p); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	products, err := s.products.ListTrackedProducts(ctx)
	if err != nil {
		return nil, s.classify("list_stock", "", err)
	}
	out := make([]Status, 0, len(products))
	for _, prod := range products {
		out = append(out, s.status(prod))
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) get(ctx context.Context, id string) (models.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.products.GetProduct(ctx, id)
}

func (s *Service) update(ctx context.Context, id string, change store.StockChange) (models.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.products.UpdateStock(ctx, id, change)
}

// classify turns product store errors into the ledger taxonomy. A timeout
// never tells us whether the write landed. Role checks do not go through
// here: the verifier already reports its own failures as Forbidden or
// Persistence.
func (s *Service) classify(op, productID string, err error) error {
	switch {
	case errs.IsTimeout(err):
		s.log.Warn("stock operation timed out", "op", op, "product_id", productID)
		return &errs.IndeterminateError{Op: op, ProductID: productID, Err: err}
	case errs.IsClientError(err), errors.Is(err, errs.ErrPersistence):
		return err
	default:
		return errs.Persistence(op, err)
	}
}

func (s *Service) observe(op string, err *error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, errs.ErrInsufficientStock):
		result = "insufficient"
	case errors.Is(*err, errs.ErrIndeterminate):
		result = "indeterminate"
	default:
		result = "error"
	}
	s.metrics.StockOps.WithLabelValues(op, result).Inc()
}

func (s *Service) record(action models.AuditAction, sev models.AuditSeverity, actorID, productID, field string, oldValue, newValue int) {
	if s.audit == nil {
		return
	}
	s.audit.Record(models.AuditEvent{
		Action:       action,
		ResourceType: models.ResourceProduct,
		ResourceID:   productID,
		Field:        field,
		OldValue:     strconv.Itoa(oldValue),
		NewValue:     strconv.Itoa(newValue),
		ActorID:      actorID,
		Severity:     sev,
	})
}

func positive(field string, v int) error {
	if v <= 0 {
		return errs.Validation(field, v, "must be greater than zero")
	}
	return nil
}
