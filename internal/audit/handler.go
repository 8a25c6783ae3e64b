package audit

import (
	"strconv"
	"time"

	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type AuditLogResponse struct {
	ID           uint                 `json:"id"`
	EventID      string               `json:"event_id"`
	Timestamp    string               `json:"timestamp"`
	ActorID      string               `json:"actor_id"`
	ResourceType string               `json:"resource_type"`
	ResourceID   string               `json:"resource_id"`
	Action       models.AuditAction   `json:"action"`
	Field        string               `json:"field"`
	OldValue     string               `json:"old_value"`
	NewValue     string               `json:"new_value"`
	Severity     models.AuditSeverity `json:"severity"`
}

// GET /api/audit-logs?resource_type=product&resource_id=...&actor_id=...&limit=50
//
// The route is mounted behind auth.RequireAdmin.
func ListAuditLogsHandler(audits store.AuditStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := defaultListLimit
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return fiber.NewError(fiber.StatusBadRequest, "limit must be a positive integer")
			}
			limit = min(n, maxListLimit)
		}

		filter := store.AuditFilter{
			ResourceType: c.Query("resource_type"),
			ResourceID:   c.Query("resource_id"),
			ActorID:      c.Query("actor_id"),
			Limit:        limit,
		}

		logs, err := audits.ListAuditEvents(c.UserContext(), filter)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "audit logs could not be listed")
		}

		resp := make([]AuditLogResponse, 0, len(logs))
		for _, log := range logs {
			resp = append(resp, AuditLogResponse{
				ID:           log.ID,
				EventID:      log.EventID,
				Timestamp:    log.Timestamp.UTC().Format(time.RFC3339),
				ActorID:      log.ActorID,
				ResourceType: log.ResourceType,
				ResourceID:   log.ResourceID,
				Action:       log.Action,
				Field:        log.Field,
				OldValue:     log.OldValue,
				NewValue:     log.NewValue,
				Severity:     log.Severity,
			})
		}

		return c.JSON(resp)
	}
}
