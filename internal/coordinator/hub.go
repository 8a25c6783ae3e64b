package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/store"
)

type sessionKey struct {
	actor string
	day   string
}

// Hub owns the coordinators of every connected editor. HTTP handlers use it
// to open event streams and to tell open sessions about saves made through
// plain requests so their echoes are suppressed.
type Hub struct {
	feed    store.Feed
	ledger  Ledger
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	sessions map[sessionKey]map[*Coordinator]struct{}
}

func NewHub(feed store.Feed, ledger Ledger, clk clock.Clock, log *slog.Logger, m *metrics.Metrics, cfg Config) *Hub {
	return &Hub{
		feed:     feed,
		ledger:   ledger,
		clock:    clk,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[sessionKey]map[*Coordinator]struct{}),
	}
}

// Open loads the day for p and starts a coordinator that runs until ctx is
// done. The caller drains Events until the channel closes.
func (h *Hub) Open(ctx context.Context, p auth.Principal, day string) (*Coordinator, error) {
	s := NewSession(h.ledger, p, day, h.clock)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	c := New(h.feed, s, h.clock, h.log, h.metrics, h.cfg)
	key := sessionKey{actor: p.ActorID(), day: day}

	h.mu.Lock()
	set, ok := h.sessions[key]
	if !ok {
		set = make(map[*Coordinator]struct{})
		h.sessions[key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		c.Run(ctx)
		h.mu.Lock()
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, key)
		}
		h.mu.Unlock()
	}()
	return c, nil
}

func (h *Hub) each(p auth.Principal, day string, f func(*Session)) {
	h.mu.Lock()
	var sessions []*Session
	for c := range h.sessions[sessionKey{actor: p.ActorID(), day: day}] {
		sessions = append(sessions, c.session)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		f(s)
	}
}

// NoteSave marks productIDs as just saved by p in every session p has open
// on day.
func (h *Hub) NoteSave(p auth.Principal, day string, productIDs ...string) {
	h.each(p, day, func(s *Session) {
		for _, id := range productIDs {
			s.MarkSaved(id)
		}
	})
}

// Touch records editor activity for presence heartbeats.
func (h *Hub) Touch(p auth.Principal, day, editingResourceID string) {
	h.each(p, day, func(s *Session) { s.Touch(editingResourceID) })
}

// Sessions returns the number of open coordinators.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}
