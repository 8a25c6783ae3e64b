// Package pgnotify turns Postgres LISTEN/NOTIFY into a store.Feed.
//
// A trigger on daily_operations publishes every insert/update as a JSON
// ChangeNotification on Channel. Presence heartbeats are published on the same
// channel with pg_notify, so every server process connected to the database
// sees every other process's editors.
package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stokraf-backend/internal/feed"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// Channel is the NOTIFY channel shared by the trigger and heartbeats.
const Channel = "stokraf_changes"

// TriggerDDL installs the row-change trigger. Statements run one at a time.
var TriggerDDL = []string{
	`CREATE OR REPLACE FUNCTION stokraf_notify_daily_operation() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + Channel + `', json_build_object(
		'event_type', TG_OP,
		'table', TG_TABLE_NAME,
		'day', NEW.day,
		'before', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
		'after', row_to_json(NEW)
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS daily_operations_notify ON daily_operations`,
	`CREATE TRIGGER daily_operations_notify AFTER INSERT OR UPDATE ON daily_operations
		FOR EACH ROW EXECUTE FUNCTION stokraf_notify_daily_operation()`,
}

// ErrNotListening is returned by Subscribe while the LISTEN session is down.
// Subscribers retry; whatever changed in the meantime has to be reloaded.
var ErrNotListening = errors.New("change feed listener is not connected")

// Listener runs one LISTEN session on Channel. It calls ready once the
// session is established and handle for every payload, and returns when ctx
// is done, the session fails or handle returns an error.
type Listener interface {
	Listen(ctx context.Context, ready func(), handle func(payload string) error) error
}

// Feed listens on Channel and fans notifications out through a local broker.
// Subscriptions only live as long as the LISTEN session they were made on:
// when the session drops they are closed, so subscribers notice the gap.
type Feed struct {
	pool     *pgxpool.Pool
	listener Listener
	broker   *feed.Broker
	log      *slog.Logger

	maxBackoff time.Duration

	mu        sync.Mutex
	listening bool
}

var _ store.Feed = (*Feed)(nil)

func New(pool *pgxpool.Pool, log *slog.Logger) *Feed {
	return newFeed(pool, poolListener{pool: pool}, log)
}

func newFeed(pool *pgxpool.Pool, l Listener, log *slog.Logger) *Feed {
	return &Feed{
		pool:       pool,
		listener:   l,
		broker:     feed.NewBroker(log),
		log:        log,
		maxBackoff: 30 * time.Second,
	}
}

// Connect opens a dedicated pool for the listener connection and heartbeats.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse notify dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create notify pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping notify pool: %w", err)
	}
	return pool, nil
}

func (f *Feed) Subscribe(ctx context.Context, filter store.ChangeFilter) (<-chan models.ChangeNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listening {
		return nil, ErrNotListening
	}
	return f.broker.Subscribe(ctx, filter)
}

// Publish sends n through Postgres; it reaches local subscribers when the
// listener receives it back.
func (f *Feed) Publish(ctx context.Context, n models.ChangeNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := f.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Run keeps a LISTEN session open until ctx is done, reconnecting with a
// growing delay. It closes the broker on return.
func (f *Feed) Run(ctx context.Context) {
	defer f.broker.Close()
	attempt := 0
	for {
		err := f.listener.Listen(ctx, func() {
			attempt = 0
			f.setListening(true)
		}, f.handle)
		f.setListening(false)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := backoff(attempt, f.maxBackoff)
		f.log.Warn("change feed listener dropped, reconnecting", "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Listening reports whether the LISTEN session is up.
func (f *Feed) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *Feed) setListening(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listening == up {
		return
	}
	f.listening = up
	if up {
		f.log.Info("change feed listening", "channel", Channel)
		return
	}
	if n := f.broker.Disconnect(); n > 0 {
		f.log.Warn("change feed subscriptions ended with the listener", "subscribers", n)
	}
}

func (f *Feed) handle(payload string) error {
	change, err := Decode(payload)
	if err != nil {
		f.log.Warn("dropping undecodable change notification", "error", err, "payload_bytes", len(payload))
		return nil
	}
	return f.broker.Publish(context.Background(), change)
}

// poolListener holds one pooled connection in LISTEN mode.
type poolListener struct {
	pool *pgxpool.Pool
}

func (l poolListener) Listen(ctx context.Context, ready func(), handle func(payload string) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ready()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := handle(n.Payload); err != nil {
			return err
		}
	}
}

// Decode parses a NOTIFY payload. Row bodies are left raw for the consumer.
func Decode(payload string) (models.ChangeNotification, error) {
	var n models.ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	if n.EventType == "" {
		return n, fmt.Errorf("notification without event_type")
	}
	return n, nil
}

func backoff(attempt int, max time.Duration) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > max {
		return max
	}
	return d
}
