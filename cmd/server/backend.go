package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"stokraf-backend/internal/config"
	"stokraf-backend/internal/database"
	"stokraf-backend/internal/feed"
	"stokraf-backend/internal/feed/pgnotify"
	"stokraf-backend/internal/store"
	"stokraf-backend/internal/store/gormstore"
	"stokraf-backend/internal/store/memory"
)

// backend is the store and change feed selected by DATABASE_DRIVER.
type backend struct {
	gateway store.Gateway
	feed    store.Feed
	ping    func(ctx context.Context) error
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return openMemory(cfg, log), nil
	case database.DriverSQLite:
		return openSQLite(cfg, log)
	case database.DriverPostgres:
		return openPostgres(ctx, cfg, log)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

func openMemory(cfg *config.Config, log *slog.Logger) *backend {
	broker := feed.NewBroker(log)
	st := memory.New().WithFeed(broker)
	if cfg.SeedDemo {
		for _, u := range database.DemoUsers() {
			st.PutUser(u)
		}
		for _, p := range database.DemoProducts() {
			st.PutProduct(p)
		}
		log.Info("demo data loaded", "driver", "memory")
	}
	return &backend{
		gateway: st,
		feed:    broker,
		ping:    func(context.Context) error { return nil },
		closers: []func(){broker.Close},
	}
}

// SQLite has no LISTEN/NOTIFY: the store publishes its own changes to an
// in-process broker.
func openSQLite(cfg *config.Config, log *slog.Logger) (*backend, error) {
	db, err := openGorm(database.DriverSQLite, cfg, log)
	if err != nil {
		return nil, err
	}
	broker := feed.NewBroker(log)
	return &backend{
		gateway: gormstore.New(db).WithFeed(broker),
		feed:    broker,
		ping:    pinger(db, cfg.StoreTimeout),
		closers: []func(){func() { closeDB(db, log) }, broker.Close},
	}, nil
}

// On Postgres the notify trigger is the single source of row changes, so
// every server process sees every save.
func openPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	db, err := openGorm(database.DriverPostgres, cfg, log)
	if err != nil {
		return nil, err
	}
	pool, err := pgnotify.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		closeDB(db, log)
		return nil, err
	}
	f := pgnotify.New(pool, log)
	go f.Run(ctx)

	return &backend{
		gateway: gormstore.New(db),
		feed:    f,
		ping:    pinger(db, cfg.StoreTimeout),
		closers: []func(){func() { closeDB(db, log) }, pool.Close},
	}, nil
}

func openGorm(driver string, cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	db, err := database.Open(driver, cfg.DatabaseDSN, log)
	if err != nil {
		return nil, err
	}
	if cfg.SeedDemo {
		if err := database.Seed(db); err != nil {
			closeDB(db, log)
			return nil, err
		}
		log.Info("demo data loaded", "driver", driver)
	}
	return db, nil
}

func pinger(db *gorm.DB, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return database.Ping(ctx, db, timeout)
	}
}

func closeDB(db *gorm.DB, log *slog.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("database close failed", "error", err)
	}
}
