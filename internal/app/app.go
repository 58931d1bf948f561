// Package app wires the serial link, the correlation engine and the
// recorder into one process lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/nodeadm/internal/command"
	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/engine"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/recorder"
	"github.com/g960059/nodeadm/internal/transport"
)

const healthCheckEvery = 5 * time.Second

// Link is the line transport the engine talks through.
type Link interface {
	command.Sender
	Start(h transport.Handler)
	Errors() <-chan error
	Health() transport.HealthState
	Close() error
}

type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *db.Store
	link     Link
	engine   *engine.Engine
	recorder *recorder.Recorder

	closeOnce sync.Once
	closeErr  error
}

// Open opens the state database and the serial port named by cfg.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...engine.Option) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	link, err := transport.Open(cfg, logger)
	if err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return New(cfg, store, link, logger, opts...), nil
}

// OpenStore opens and migrates the state database.
func OpenStore(ctx context.Context, cfg config.Config) (*db.Store, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func New(cfg config.Config, store *db.Store, link Link, logger *zap.Logger, opts ...engine.Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := recorder.New(store, cfg.NodeID, logger.Named("recorder"))
	engineOpts := append([]engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithObserver(rec.Observe),
	}, opts...)
	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		link:     link,
		engine:   engine.New(cfg, link, engineOpts...),
		recorder: rec,
	}
}

func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) Store() *db.Store {
	return a.store
}

func (a *App) NodeID() string {
	return a.recorder.NodeID()
}

// Run blocks until ctx is done or the link fails. A link failure is
// returned; a clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.link.Start(func(text, source string) {
		a.engine.Dispatch(text, source)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		return a.recorder.Run(gctx)
	})
	g.Go(func() error {
		return a.superviseLink(gctx)
	})
	g.Go(func() error {
		a.maintenanceLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (a *App) superviseLink(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-a.link.Errors():
		if !ok || err == nil {
			<-ctx.Done()
			return nil
		}
		a.logger.Error("link failed", zap.Error(err))
		return fmt.Errorf("link: %w", err)
	}
}

func (a *App) maintenanceLoop(ctx context.Context) {
	a.purgeJournal(ctx)
	retention := time.NewTicker(loopInterval(a.cfg.RetentionEvery, time.Hour))
	defer retention.Stop()
	health := time.NewTicker(healthCheckEvery)
	defer health.Stop()

	var last model.LinkHealth
	for {
		select {
		case <-ctx.Done():
			return
		case <-retention.C:
			a.purgeJournal(ctx)
		case <-health.C:
			current := a.link.Health().Current
			if current == "" || current == last {
				continue
			}
			if err := a.store.UpsertNode(ctx, model.Node{NodeID: a.NodeID(), Health: current}); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("persist link health failed", zap.Error(err))
				continue
			}
			last = current
		}
	}
}

func (a *App) purgeJournal(ctx context.Context) {
	if a.cfg.JournalTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-a.cfg.JournalTTL)
	deleted, err := a.store.PurgeJournal(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn("journal retention purge failed", zap.Error(err))
		}
		return
	}
	if deleted > 0 {
		a.logger.Info("purged journal entries", zap.Int64("deleted", deleted))
	}
}

// Close tears down in reverse order of construction.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.engine.Close()
		a.closeErr = errors.Join(a.link.Close(), a.store.Close())
	})
	return a.closeErr
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}
