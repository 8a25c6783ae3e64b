package inventory

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"stokraf-backend/internal/audit"
	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/coordinator"
	"stokraf-backend/internal/reconcile"
	"stokraf-backend/internal/stock"
	"stokraf-backend/internal/store"
)

type Deps struct {
	// Context bounds long-lived event streams; defaults to Background.
	Context   context.Context
	Stock     *stock.Service
	Engine    *reconcile.Engine
	Hub       *coordinator.Hub
	Verifier  *auth.Verifier
	Audits    store.AuditStore
	JWTSecret string
	Log       *slog.Logger
}

// Mount registers every /api route on router.
func Mount(router fiber.Router, d Deps) {
	if d.Context == nil {
		d.Context = context.Background()
	}
	api := router.Group("/api")
	api.Use(auth.JWTMiddleware(d.JWTSecret))

	api.Get("/auth/me", auth.MeHandler(d.Verifier))

	// Stock ledger
	api.Get("/products", ListProductsHandler(d.Stock))
	api.Get("/products/:id/stock", GetStockHandler(d.Stock))
	api.Post("/products/:id/transfer", TransferHandler(d.Stock))
	api.Post("/products/:id/restock", RestockHandler(d.Stock))
	api.Post("/products/:id/adjust", AdjustHandler(d.Stock))

	// Daily reconciliation
	daily := DailyHandlers{Engine: d.Engine, Hub: d.Hub, Verifier: d.Verifier}
	api.Get("/daily-operations/:day", daily.Load())
	api.Put("/daily-operations/:day", daily.Save())
	api.Get("/daily-operations/:day/events", EventsHandler(d.Context, d.Hub, d.Verifier, d.Log))
	api.Post("/daily-operations/:day/presence", daily.Presence())
	api.Patch("/daily-operations/:day/:productId", daily.EditField())

	// Audit trail
	api.Get("/audit-logs", auth.RequireAdmin(d.Verifier), audit.ListAuditLogsHandler(d.Audits))
}
