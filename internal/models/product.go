package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

// Product stock lives in two places: the back-room warehouse and the sales
// floor shelf. Both columns are only changed through the stock ledger.
type Product struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Name           string          `gorm:"size:100;not null;index" json:"name"`
	Category       string          `gorm:"size:50;index" json:"category"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"unit_price"`
	WarehouseStock int             `gorm:"not null;default:0;check:warehouse_stock >= 0" json:"warehouse_stock"`
	ShelfStock     int             `gorm:"not null;default:0;check:shelf_stock >= 0" json:"shelf_stock"`
	Status         ProductStatus   `gorm:"size:20;not null;default:active;index" json:"status"`
	IsArchived     bool            `gorm:"not null;default:false;index" json:"is_archived"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Tracked reports whether the product takes part in daily reconciliation.
func (p Product) Tracked() bool {
	return p.Status == ProductActive && !p.IsArchived
}

// TotalStock is the conserved quantity for shelf transfers.
func (p Product) TotalStock() int {
	return p.WarehouseStock + p.ShelfStock
}
