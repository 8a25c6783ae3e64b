package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/models"
)

// heartbeatLoop publishes a presence record every PresenceInterval while the
// editor has been active within ActivityWindow, and evicts peers that have
// gone quiet for two intervals.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	var (
		mu    sync.Mutex
		timer clock.Timer
	)
	var arm func()
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		timer = c.clock.AfterFunc(c.cfg.PresenceInterval, func() {
			c.Heartbeat(ctx)
			arm()
		})
	}
	arm()

	<-ctx.Done()
	mu.Lock()
	if timer != nil {
		timer.Stop()
	}
	mu.Unlock()
}

// Heartbeat runs one presence round.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	now := c.clock.Now()
	last, editing := c.session.LastActivity()
	if !last.IsZero() && now.Sub(last) <= c.cfg.ActivityWindow {
		rec := models.PresenceRecord{ActorID: c.session.ActorID(), LastActivity: last, EditingResourceID: editing}
		n, err := models.NewPresenceChange(c.session.Day(), rec)
		if err == nil {
			err = c.feed.Publish(ctx, n)
		}
		if err != nil && ctx.Err() == nil {
			c.log.Warn("presence heartbeat failed", "error", err)
		}
	}
	c.evictPresence()
}

func (c *Coordinator) evictPresence() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := false
	for id, e := range c.presence {
		if c.staleLocked(e, now) {
			delete(c.presence, id)
			if t, ok := c.timers[presenceTimer(id)]; ok {
				t.Stop()
				delete(c.timers, presenceTimer(id))
			}
			evicted = true
		}
	}
	if evicted {
		c.emitPresenceLocked()
	}
}

// A peer is gone once two heartbeat intervals pass without hearing from it.
func (c *Coordinator) staleLocked(e presenceEntry, now time.Time) bool {
	return now.Sub(e.received) >= 2*c.cfg.PresenceInterval
}

func presenceTimer(actorID string) string { return "presence/" + actorID }

func (c *Coordinator) handlePresence(n models.ChangeNotification) error {
	if !n.HasAfter() {
		return fmt.Errorf("presence without record")
	}
	var rec models.PresenceRecord
	if err := json.Unmarshal(n.After, &rec); err != nil {
		return fmt.Errorf("decode presence: %w", err)
	}
	if rec.ActorID == "" {
		return fmt.Errorf("presence without actor_id")
	}
	if rec.ActorID == c.session.ActorID() {
		c.count("echo")
		return nil
	}
	c.count("presence")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[rec.ActorID] = presenceEntry{record: rec, received: c.clock.Now()}
	c.armEvictionLocked(rec.ActorID)
	c.emitPresenceLocked()
	return nil
}

// armEvictionLocked schedules the removal of actorID for when its latest
// heartbeat expires, replacing any earlier deadline.
func (c *Coordinator) armEvictionLocked(actorID string) {
	if c.closed {
		return
	}
	key := presenceTimer(actorID)
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = c.clock.AfterFunc(2*c.cfg.PresenceInterval, c.evictPresence)
}

// presenceLocked leaves out expired peers even before they are evicted.
func (c *Coordinator) presenceLocked() []models.PresenceRecord {
	now := c.clock.Now()
	out := make([]models.PresenceRecord, 0, len(c.presence))
	for _, e := range c.presence {
		if !c.staleLocked(e, now) {
			out = append(out, e.record)
		}
	}
	sortPresence(out)
	return out
}

func (c *Coordinator) emitPresenceLocked() {
	recs := c.presenceLocked()
	c.emitLocked(Event{Kind: EventPresence, Presence: recs, PresenceCount: len(recs) + 1, At: c.clock.Now()})
}

// Presence returns the other editors currently seen on this day.
func (c *Coordinator) Presence() []models.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

// PresenceCount is the number of active editors including this one.
func (c *Coordinator) PresenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.presenceLocked()) + 1
}
