package database

import (
	"fmt"

	"stokraf-backend/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DemoUsers are the operators created for local runs (SEED_DEMO=true).
func DemoUsers() []models.User {
	return []models.User{
		{ID: "00000000-0000-0000-0000-000000000001", Name: "Store Admin", Role: models.RoleAdmin, Active: true},
		{ID: "00000000-0000-0000-0000-000000000002", Name: "Floor Staff", Role: models.RoleStaff, Active: true},
	}
}

// DemoProducts is a small catalog with stock on both locations.
func DemoProducts() []models.Product {
	return []models.Product{
		{ID: "10000000-0000-0000-0000-000000000001", Name: "Ayran 200ml", Category: "Drinks", UnitPrice: decimal.RequireFromString("15.00"), WarehouseStock: 120, ShelfStock: 24, Status: models.ProductActive},
		{ID: "10000000-0000-0000-0000-000000000002", Name: "Simit", Category: "Bakery", UnitPrice: decimal.RequireFromString("12.50"), WarehouseStock: 0, ShelfStock: 40, Status: models.ProductActive},
		{ID: "10000000-0000-0000-0000-000000000003", Name: "Beyaz Peynir 500g", Category: "Dairy", UnitPrice: decimal.RequireFromString("189.90"), WarehouseStock: 30, ShelfStock: 6, Status: models.ProductActive},
		{ID: "10000000-0000-0000-0000-000000000004", Name: "Su 0.5L", Category: "Drinks", UnitPrice: decimal.RequireFromString("7.00"), WarehouseStock: 300, ShelfStock: 48, Status: models.ProductActive},
	}
}

// Seed inserts the demo users and products if they do not exist yet.
func Seed(db *gorm.DB) error {
	for _, u := range DemoUsers() {
		u := u
		if err := db.Where("id = ?", u.ID).FirstOrCreate(&u).Error; err != nil {
			return fmt.Errorf("seed user %s: %w", u.Name, err)
		}
	}
	for _, p := range DemoProducts() {
		p := p
		if err := db.Where("id = ?", p.ID).FirstOrCreate(&p).Error; err != nil {
			return fmt.Errorf("seed product %s: %w", p.Name, err)
		}
	}
	return nil
}
