package reconcile

import (
	"strconv"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/models"
)

// Field names, in the order used to report the first changed field.
const (
	FieldOpening    = "opening_stock"
	FieldAdditional = "additional_stock"
	FieldSales      = "sales"
	FieldStolen     = "stolen_stock"
	FieldWastage    = "wastage_stock"
	FieldEstimated  = "estimated_closing_stock"
	FieldActual     = "actual_closing_stock"
	FieldOrderCount = "order_count"
)

// Fields lists every business field of a DailyOperation in comparison order.
var Fields = []string{
	FieldOpening,
	FieldAdditional,
	FieldSales,
	FieldStolen,
	FieldWastage,
	FieldEstimated,
	FieldActual,
	FieldOrderCount,
}

var editable = map[string]bool{
	FieldAdditional: true,
	FieldSales:      true,
	FieldStolen:     true,
	FieldWastage:    true,
	FieldActual:     true,
	FieldOrderCount: true,
}

var contributing = map[string]bool{
	FieldAdditional: true,
	FieldSales:      true,
	FieldStolen:     true,
	FieldWastage:    true,
}

// EstimatedClosing is opening + additional - sales - stolen - wastage with
// every input and the result clamped at zero.
func EstimatedClosing(row models.DailyOperation) int {
	est := nonNeg(row.OpeningStock) +
		nonNeg(row.AdditionalStock) -
		nonNeg(row.Sales) -
		nonNeg(row.StolenStock) -
		nonNeg(row.WastageStock)
	return nonNeg(est)
}

// Derive recomputes the estimated closing stock. The counted closing stock
// follows the estimate only while nobody has overridden it, that is while it
// still equals the previous estimate. Derive is idempotent.
func Derive(row models.DailyOperation) models.DailyOperation {
	return Rederive(row, row)
}

// Rederive derives next as the successor of prev, the row image it replaces.
// The counted closing stock advances to the new estimate when next carries
// prev's count unchanged and that count was never overridden in prev.
// Otherwise next's count is an override and is kept.
func Rederive(prev, next models.DailyOperation) models.DailyOperation {
	est := EstimatedClosing(next)
	if next.ActualClosingStock == prev.ActualClosingStock &&
		prev.ActualClosingStock == prev.EstimatedClosingStock {
		next.ActualClosingStock = est
	}
	next.EstimatedClosingStock = est
	return next
}

// Variance is the unexplained loss of the row.
func Variance(row models.DailyOperation) int {
	return row.Variance()
}

// ApplyEdit sets one editable field and re-derives when the field feeds the
// estimate. Editing actual_closing_stock is a manual override.
func ApplyEdit(row models.DailyOperation, field string, value int) (models.DailyOperation, error) {
	if !editable[field] {
		return row, errs.Validation("field", field, "is not editable")
	}
	if value < 0 {
		return row, errs.Validation(field, value, "must not be negative")
	}
	setField(&row, field, value)
	if contributing[field] {
		row = Derive(row)
	}
	return row, nil
}

// FieldValue returns the named business field.
func FieldValue(row models.DailyOperation, field string) (int, bool) {
	switch field {
	case FieldOpening:
		return row.OpeningStock, true
	case FieldAdditional:
		return row.AdditionalStock, true
	case FieldSales:
		return row.Sales, true
	case FieldStolen:
		return row.StolenStock, true
	case FieldWastage:
		return row.WastageStock, true
	case FieldEstimated:
		return row.EstimatedClosingStock, true
	case FieldActual:
		return row.ActualClosingStock, true
	case FieldOrderCount:
		return row.OrderCount, true
	}
	return 0, false
}

func setField(row *models.DailyOperation, field string, v int) {
	switch field {
	case FieldOpening:
		row.OpeningStock = v
	case FieldAdditional:
		row.AdditionalStock = v
	case FieldSales:
		row.Sales = v
	case FieldStolen:
		row.StolenStock = v
	case FieldWastage:
		row.WastageStock = v
	case FieldEstimated:
		row.EstimatedClosingStock = v
	case FieldActual:
		row.ActualClosingStock = v
	case FieldOrderCount:
		row.OrderCount = v
	}
}

// FieldChange is one differing business field between two row images.
type FieldChange struct {
	Field string
	Old   int
	New   int
}

func (c FieldChange) OldValue() string { return strconv.Itoa(c.Old) }
func (c FieldChange) NewValue() string { return strconv.Itoa(c.New) }

// Diff lists the business fields that differ, in Fields order. Timestamps
// and authorship are ignored.
func Diff(before, after models.DailyOperation) []FieldChange {
	var out []FieldChange
	for _, f := range Fields {
		o, _ := FieldValue(before, f)
		n, _ := FieldValue(after, f)
		if o != n {
			out = append(out, FieldChange{Field: f, Old: o, New: n})
		}
	}
	return out
}

// Validate checks a row for the given day before any side effect.
func Validate(row models.DailyOperation, day string) error {
	if row.ProductID == "" {
		return errs.Validation("product_id", row.ProductID, "is required")
	}
	if row.Day != day {
		return errs.Validation("day", row.Day, "must be "+day)
	}
	for _, f := range Fields {
		if v, _ := FieldValue(row, f); v < 0 {
			return errs.Validation(f, v, "must not be negative")
		}
	}
	return nil
}

func nonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
