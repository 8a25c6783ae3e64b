package models

import (
	"fmt"
	"time"
)

// DayLayout is the calendar-date format used for DailyOperation.Day.
const DayLayout = "2006-01-02"

// DayOf formats t as a calendar day in t's location.
func DayOf(t time.Time) string {
	return t.Format(DayLayout)
}

// ParseDay validates a YYYY-MM-DD day string.
func ParseDay(s string) (string, error) {
	d, err := time.Parse(DayLayout, s)
	if err != nil {
		return "", fmt.Errorf("day must be YYYY-MM-DD: %w", err)
	}
	return d.Format(DayLayout), nil
}

// DailyOperation is one product's reconciliation sheet for one day.
// (ProductID, Day) is the identity; there is at most one row per pair.
//
// Virtual rows are synthesized for products with no sheet yet and are
// inserted the first time they are saved.
type DailyOperation struct {
	ProductID             string    `gorm:"primaryKey;size:36" json:"product_id"`
	Day                   string    `gorm:"primaryKey;size:10" json:"day"`
	OpeningStock          int       `gorm:"not null;default:0" json:"opening_stock"`
	AdditionalStock       int       `gorm:"not null;default:0" json:"additional_stock"`
	ActualClosingStock    int       `gorm:"not null;default:0" json:"actual_closing_stock"`
	EstimatedClosingStock int       `gorm:"not null;default:0" json:"estimated_closing_stock"`
	StolenStock           int       `gorm:"not null;default:0" json:"stolen_stock"`
	WastageStock          int       `gorm:"not null;default:0" json:"wastage_stock"`
	Sales                 int       `gorm:"not null;default:0" json:"sales"`
	OrderCount            int       `gorm:"not null;default:0" json:"order_count"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	CreatedBy             string    `gorm:"size:36" json:"created_by"`

	Virtual bool `gorm:"-" json:"virtual"`
}

// Key identifies the row inside a working set.
func (d DailyOperation) Key() string {
	return d.ProductID + "@" + d.Day
}

// Variance is the unexplained loss: estimated minus counted closing stock.
func (d DailyOperation) Variance() int {
	return d.EstimatedClosingStock - d.ActualClosingStock
}

// NewVirtualDailyOperation synthesizes the sheet a product starts the day with.
func NewVirtualDailyOperation(p Product, day string) DailyOperation {
	return DailyOperation{
		ProductID:             p.ID,
		Day:                   day,
		OpeningStock:          p.ShelfStock,
		ActualClosingStock:    p.ShelfStock,
		EstimatedClosingStock: p.ShelfStock,
		Virtual:               true,
	}
}
