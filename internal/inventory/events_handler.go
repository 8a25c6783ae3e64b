package inventory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/coordinator"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/models"
)

const keepAliveInterval = 20 * time.Second

type snapshot struct {
	Rows          []coordinator.SessionRow `json:"rows"`
	State         coordinator.State        `json:"state"`
	PresenceCount int                      `json:"presence_count"`
}

// GET /api/daily-operations/:day/events
//
// Server-sent events: a "snapshot" with the loaded sheet, then one event per
// coordinator event (merged, conflict, warning_expired, presence, state,
// resync). The coordinator lives as long as the connection or until base is
// cancelled.
func EventsHandler(base context.Context, hub *coordinator.Hub, verifier *auth.Verifier, log *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		day := c.Params("day")
		if _, err := models.ParseDay(day); err != nil {
			return errs.Validation("day", day, "must be YYYY-MM-DD")
		}
		p := auth.PrincipalFrom(c)
		if _, err := verifier.RequireOperator(c.UserContext(), p); err != nil {
			return err
		}

		// The stream outlives the handler, so it must not hang off the
		// request context.
		ctx, cancel := context.WithCancel(base)
		co, err := hub.Open(ctx, p, day)
		if err != nil {
			cancel()
			return err
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		log := log.With("day", day, "actor_id", p.ActorID())
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cancel()
			log.Info("event stream opened")
			defer log.Info("event stream closed")

			snap := snapshot{Rows: co.Session().Rows(), State: co.State(), PresenceCount: co.PresenceCount()}
			if err := writeEvent(w, "snapshot", snap); err != nil {
				return
			}

			keepAlive := time.NewTicker(keepAliveInterval)
			defer keepAlive.Stop()
			for {
				select {
				case ev, ok := <-co.Events():
					if !ok {
						return
					}
					if err := writeEvent(w, string(ev.Kind), ev); err != nil {
						return
					}
				case <-keepAlive.C:
					if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		}))
		return nil
	}
}

// writeEvent fails once the client has gone away.
func writeEvent(w *bufio.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}
