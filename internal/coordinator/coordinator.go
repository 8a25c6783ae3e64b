/*
Package coordinator keeps one editor's view of a day in sync with everyone
else's.

A Coordinator subscribes to the change feed for its session's day. Remote
row updates are merged into the working set (last write wins) and raise a
short-lived conflict warning; the editor's own writes coming back through
the feed are recognized and ignored. Editors announce themselves with
presence heartbeats while they are active.

	disconnected -> subscribing -> live <-> reconnecting
	                                 |
	                  ctx done -> disconnected
*/
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/reconcile"
	"stokraf-backend/internal/store"
)

type Config struct {
	EchoGuard        time.Duration
	WarningTTL       time.Duration
	RecentLimit      int
	PresenceInterval time.Duration
	ActivityWindow   time.Duration
	MaxBackoff       time.Duration
	EventBuffer      int
}

func (c Config) withDefaults() Config {
	if c.EchoGuard <= 0 {
		c.EchoGuard = 2 * time.Second
	}
	if c.WarningTTL <= 0 {
		c.WarningTTL = 5 * time.Second
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 20
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 15 * time.Second
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 60 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

type presenceEntry struct {
	record   models.PresenceRecord
	received time.Time
}

type Coordinator struct {
	feed    store.Feed
	session *Session
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	state    State
	warnings []Warning
	timers   map[string]clock.Timer
	recent   []RecentUpdate
	presence map[string]presenceEntry
	events   chan Event
	closed   bool
}

func New(feed store.Feed, session *Session, clk clock.Clock, log *slog.Logger, m *metrics.Metrics, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		feed:     feed,
		session:  session,
		clock:    clk,
		log:      log.With("day", session.Day(), "actor_id", session.ActorID()),
		metrics:  m,
		cfg:      cfg,
		state:    StateDisconnected,
		timers:   make(map[string]clock.Timer),
		presence: make(map[string]presenceEntry),
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// Events delivers coordinator events. A consumer that falls behind loses
// the oldest events; it never slows notification handling down.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) Session() *Session { return c.session }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Run subscribes and processes notifications until ctx is done. It
// re-subscribes with a growing delay whenever the feed drops, and reloads
// the working set after every reconnect. The events channel is closed on
// return.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.shutdown()

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx)

	c.setState(StateSubscribing)
	attempt := 0
	for {
		ch, err := c.feed.Subscribe(ctx, store.ChangeFilter{Day: c.session.Day()})
		if err == nil {
			if attempt > 0 {
				c.resync(ctx)
			}
			c.setState(StateLive)
			attempt = 0
			for n := range ch {
				c.HandleNotification(n)
			}
		} else if ctx.Err() == nil {
			c.log.Warn("change feed subscribe failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		c.setState(StateReconnecting)
		delay := backoff(attempt, c.cfg.MaxBackoff)
		c.log.Info("change feed lost, reconnecting", "attempt", attempt, "delay", delay)
		if !c.wait(ctx, delay) {
			return
		}
	}
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(wake) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-wake:
		return true
	}
}

func (c *Coordinator) resync(ctx context.Context) {
	if err := c.session.Load(ctx); err != nil {
		c.log.Warn("working set reload after reconnect failed", "error", err)
		return
	}
	c.mu.Lock()
	c.emitLocked(Event{Kind: EventResync, At: c.clock.Now()})
	c.mu.Unlock()
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.state = s
	c.emitLocked(Event{Kind: EventState, State: s, At: c.clock.Now()})
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// HandleNotification applies one change notification. Malformed payloads
// are logged and skipped.
func (c *Coordinator) HandleNotification(n models.ChangeNotification) {
	if n.Day != "" && n.Day != c.session.Day() {
		return
	}
	var err error
	switch n.EventType {
	case models.ChangePresence:
		err = c.handlePresence(n)
	case models.ChangeInsert:
		err = c.handleInsert(n)
	case models.ChangeUpdate:
		err = c.handleUpdate(n)
	case models.ChangeDelete:
		c.count("ignored")
	default:
		err = fmt.Errorf("unknown event type %q", n.EventType)
	}
	if err != nil {
		c.count("malformed")
		c.log.Warn("skipping malformed change notification", "event_type", n.EventType, "table", n.Table, "error", err)
	}
}

func (c *Coordinator) handleInsert(n models.ChangeNotification) error {
	after, err := decodeRow(n, n.After, "after")
	if err != nil {
		return err
	}
	if c.session.IsEcho(after.ProductID, c.clock.Now(), c.cfg.EchoGuard) {
		c.count("echo")
		return nil
	}
	row := c.session.ApplyRemote(after)
	c.count("merged")

	c.mu.Lock()
	c.emitLocked(Event{Kind: EventMerged, Row: &row.Row, At: c.clock.Now()})
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleUpdate(n models.ChangeNotification) error {
	after, err := decodeRow(n, n.After, "after")
	if err != nil {
		return err
	}
	before, err := decodeRow(n, n.Before, "before")
	if err != nil {
		return err
	}

	changes := reconcile.Diff(before, after)
	if len(changes) == 0 {
		c.count("ignored")
		return nil
	}
	now := c.clock.Now()
	if c.session.IsEcho(after.ProductID, now, c.cfg.EchoGuard) {
		c.count("echo")
		return nil
	}

	name := c.session.ProductName(after.ProductID)
	row := c.session.ApplyRemote(after)
	first := changes[0]
	w := Warning{
		ID:          uuid.NewString(),
		ProductID:   after.ProductID,
		ProductName: name,
		Field:       first.Field,
		OldValue:    first.Old,
		NewValue:    first.New,
		At:          now,
	}
	c.count("conflict")
	if c.metrics != nil {
		c.metrics.Conflicts.Inc()
	}
	c.log.Info("remote edit merged", "product_id", after.ProductID, "field", first.Field, "old", first.Old, "new", first.New)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, RecentUpdate{
		ProductID:   w.ProductID,
		ProductName: w.ProductName,
		Field:       w.Field,
		OldValue:    w.OldValue,
		NewValue:    w.NewValue,
		At:          now,
	})
	if over := len(c.recent) - c.cfg.RecentLimit; over > 0 {
		c.recent = append([]RecentUpdate(nil), c.recent[over:]...)
	}
	c.addWarningLocked(w)
	c.emitLocked(Event{Kind: EventMerged, Row: &row.Row, At: now})
	c.emitLocked(Event{Kind: EventConflict, Row: &row.Row, Warning: &w, At: now})
	return nil
}

func decodeRow(n models.ChangeNotification, raw json.RawMessage, which string) (models.DailyOperation, error) {
	var op models.DailyOperation
	if n.Table != models.TableDailyOperations {
		return op, fmt.Errorf("unexpected table %q", n.Table)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return op, fmt.Errorf("missing %s image", which)
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		return op, fmt.Errorf("decode %s image: %w", which, err)
	}
	if op.ProductID == "" {
		return op, fmt.Errorf("%s image has no product_id", which)
	}
	return op, nil
}

// =============================================================================
// WARNINGS
// =============================================================================

func (c *Coordinator) addWarningLocked(w Warning) {
	c.warnings = append(c.warnings, w)
	if c.closed {
		return
	}
	c.timers[w.ID] = c.clock.AfterFunc(c.cfg.WarningTTL, func() { c.expireWarning(w.ID) })
}

func (c *Coordinator) expireWarning(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
	for i, w := range c.warnings {
		if w.ID == id {
			c.warnings = append(c.warnings[:i:i], c.warnings[i+1:]...)
			c.emitLocked(Event{Kind: EventWarningExpired, Warning: &w, At: c.clock.Now()})
			return
		}
	}
}

// Warnings returns the active conflict warnings, oldest first.
func (c *Coordinator) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.warnings...)
}

// RecentUpdates returns the bounded feed of remote edits, oldest first.
func (c *Coordinator) RecentUpdates() []RecentUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecentUpdate(nil), c.recent...)
}

// =============================================================================
// EVENTS
// =============================================================================

// emitLocked never blocks: when the buffer is full the oldest event goes.
func (c *Coordinator) emitLocked(ev Event) {
	if c.closed {
		return
	}
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
			c.count("event_dropped")
		default:
		}
	}
}

func (c *Coordinator) count(outcome string) {
	if c.metrics != nil {
		c.metrics.FeedNotifications.WithLabelValues(outcome).Inc()
	}
}

func backoff(attempt int, max time.Duration) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > max {
		return max
	}
	return d
}

func errNoRow(productID, day string) error {
	return errs.NotFound("daily operation", productID+"@"+day)
}

func sortPresence(recs []models.PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ActorID < recs[j].ActorID })
}
