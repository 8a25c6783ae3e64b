/*
Package audit records who changed what.

Events go through a Batcher: rapid edits to the same field collapse into one
event, pending events are written in chunks, failed chunks are retried and
then put back at the front of the queue. Nothing on the Record path blocks
on I/O.
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// Sink persists one chunk of events. Writes must be idempotent on EventID.
type Sink interface {
	Write(ctx context.Context, events []models.AuditEvent) error
}

// StoreSink writes to the audit_logs table.
type StoreSink struct {
	Store store.AuditStore
}

func (s StoreSink) Write(ctx context.Context, events []models.AuditEvent) error {
	return s.Store.InsertAuditEvents(ctx, events)
}

type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	DebounceWindow time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	return c
}

type pendingEvent struct {
	event      models.AuditEvent
	lastUpdate time.Time
}

type Option func(*Batcher)

func WithClock(c clock.Clock) Option { return func(b *Batcher) { b.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(b *Batcher) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Batcher) { b.metrics = m } }

// WithArchive copies every persisted chunk to a secondary sink. Archive
// failures are logged and never requeue the chunk.
func WithArchive(s Sink) Option { return func(b *Batcher) { b.archive = s } }

// WithSleep replaces the wait between retry attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Batcher) { b.sleep = sleep }
}

type Batcher struct {
	sink    Sink
	archive Sink
	cfg     Config
	clock   clock.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []*pendingEvent
	running bool
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	flushMu sync.Mutex
}

func NewBatcher(sink Sink, cfg Config, opts ...Option) *Batcher {
	b := &Batcher{
		sink:  sink,
		cfg:   cfg.withDefaults(),
		clock: clock.Real{},
		sleep: sleepCtx,
		log:   slog.Default(),
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// RECORD
// =============================================================================

// Record queues ev. An event for the same (resource_id, field) as a pending
// event updated within the debounce window is merged into it: the first old
// value is kept and the rest is taken from ev.
func (b *Batcher) Record(ev models.AuditEvent) {
	ev = Sanitize(ev)
	now := b.clock.Now()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	b.mu.Lock()
	merged := false
	for i := len(b.pending) - 1; i >= 0; i-- {
		p := b.pending[i]
		if p.event.ResourceID != ev.ResourceID || p.event.Field != ev.Field {
			continue
		}
		if now.Sub(p.lastUpdate) < b.cfg.DebounceWindow {
			p.event.NewValue = ev.NewValue
			p.event.ActorID = ev.ActorID
			p.event.Timestamp = ev.Timestamp
			p.event.Action = ev.Action
			if severityRank(ev.Severity) > severityRank(p.event.Severity) {
				p.event.Severity = ev.Severity
			}
			p.lastUpdate = now
			merged = true
		}
		break
	}
	if !merged {
		b.pending = append(b.pending, &pendingEvent{event: ev, lastUpdate: now})
	}
	size := len(b.pending)
	b.mu.Unlock()

	b.setPendingGauge(size)
	if ev.Severity == models.SeverityCritical || size >= b.cfg.BatchSize {
		b.requestFlush()
	}
}

// Pending returns the number of queued events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) requestFlush() {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if running {
		select {
		case b.kick <- struct{}{}:
		default:
		}
		return
	}
	go func() {
		if err := b.Flush(context.Background()); err != nil {
			b.log.Warn("audit flush failed, events requeued", "error", err)
		}
	}()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start runs the periodic flush until Stop is called or ctx is done.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run(ctx)
	b.log.Info("audit batcher started",
		"batch_size", b.cfg.BatchSize, "flush_interval", b.cfg.FlushInterval, "debounce_window", b.cfg.DebounceWindow)
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	tick := make(chan struct{}, 1)
	var timer clock.Timer
	arm := func() {
		timer = b.clock.AfterFunc(b.cfg.FlushInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-tick:
			if err := b.flush(ctx, b.quiescent(b.clock.Now())); err != nil {
				b.log.Warn("periodic audit flush failed", "error", err)
			}
			arm()
		case <-b.kick:
			if err := b.Flush(ctx); err != nil {
				b.log.Warn("audit flush failed, events requeued", "error", err)
			}
		}
	}
}

// Stop ends the background loop and flushes everything still pending.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return b.Flush(ctx)
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := b.Flush(ctx)
	if err != nil {
		b.log.Error("final audit flush failed", "error", err, "pending", b.Pending())
	} else {
		b.log.Info("audit batcher stopped")
	}
	return err
}

// =============================================================================
// FLUSH
// =============================================================================

// Flush writes every pending event, including ones still inside their
// debounce window.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx, func(*pendingEvent) bool { return true })
}

// quiescent selects events nobody has touched for a whole debounce window.
func (b *Batcher) quiescent(now time.Time) func(*pendingEvent) bool {
	return func(p *pendingEvent) bool {
		return now.Sub(p.lastUpdate) >= b.cfg.DebounceWindow
	}
}

func (b *Batcher) flush(ctx context.Context, take func(*pendingEvent) bool) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	var taken, kept []*pendingEvent
	for _, p := range b.pending {
		if take(p) {
			taken = append(taken, p)
		} else {
			kept = append(kept, p)
		}
	}
	b.pending = kept
	b.mu.Unlock()

	if len(taken) == 0 {
		return nil
	}

	var (
		failed []*pendingEvent
		errs   []error
	)
	for start := 0; start < len(taken); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(taken))
		chunk := taken[start:end]
		if err := b.writeChunk(ctx, chunk); err != nil {
			failed = append(failed, chunk...)
			errs = append(errs, err)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		b.mu.Unlock()
		b.observe("requeued", 1)
	}
	b.setPendingGauge(b.Pending())
	return errors.Join(errs...)
}

func (b *Batcher) writeChunk(ctx context.Context, chunk []*pendingEvent) error {
	events := make([]models.AuditEvent, len(chunk))
	for i, p := range chunk {
		events[i] = p.event
	}

	var err error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
		err = b.sink.Write(attemptCtx, events)
		cancel()
		if err == nil {
			b.observe("ok", 1)
			b.archiveChunk(ctx, events)
			return nil
		}
		b.log.Warn("audit chunk write failed",
			"attempt", attempt, "max_retries", b.cfg.MaxRetries, "events", len(events), "error", err)
		if attempt == b.cfg.MaxRetries {
			break
		}
		b.observe("retry", 1)
		if serr := b.sleep(ctx, b.cfg.RetryDelay*time.Duration(attempt)); serr != nil {
			break
		}
	}
	return fmt.Errorf("write %d audit events: %w", len(events), err)
}

func (b *Batcher) archiveChunk(ctx context.Context, events []models.AuditEvent) {
	if b.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
	defer cancel()
	if err := b.archive.Write(actx, events); err != nil {
		b.log.Warn("audit archive write failed", "events", len(events), "error", err)
	}
}

func (b *Batcher) observe(result string, n int) {
	if b.metrics != nil {
		b.metrics.AuditFlushes.WithLabelValues(result).Add(float64(n))
	}
}

func (b *Batcher) setPendingGauge(n int) {
	if b.metrics != nil {
		b.metrics.AuditPending.Set(float64(n))
	}
}

func severityRank(s models.AuditSeverity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
