package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stripboard/stripd/internal/api"
	"github.com/stripboard/stripd/internal/config"
	"github.com/stripboard/stripd/internal/feed"
	"github.com/stripboard/stripd/internal/hub"
	"github.com/stripboard/stripd/internal/query"
	"github.com/stripboard/stripd/internal/store"
	"github.com/stripboard/stripd/internal/sweeper"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// app is the wired process: hub, store, sources, sweeper and HTTP server.
type app struct {
	cfg *config.Config
	log *slog.Logger

	hub       *hub.Hub
	store     *store.Store
	connector *feed.Connector
	nats      *feed.NATSSource
	sweeper   *sweeper.Sweeper
	api       *api.Server
}

func newApp(cfg *config.Config, log *slog.Logger) *app {
	a := &app{cfg: cfg, log: log}

	a.hub = hub.NewHub(log.With("component", "hub"))

	taxonomy := query.DefaultTaxonomy()
	if len(cfg.Classes) > 0 {
		taxonomy = query.NewTaxonomy(cfg.Classes)
	}
	a.store = store.New(a.hub, cfg.Store.Lifetime,
		store.WithDedupe(store.DedupeMode(cfg.Feed.Dedupe)),
		store.WithTaxonomy(taxonomy),
		store.WithLogger(log.With("component", "store")),
	)

	upstream := func() bool { return false }
	if cfg.Feed.URL != "" {
		a.connector = feed.NewConnector(feed.Config{
			URL:            cfg.Feed.URL,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			Log:            log,
		}, a.store)
		upstream = a.connector.Connected
	}
	a.hub.SetUpstream(upstream)

	if cfg.Feed.NATSURL != "" {
		a.nats = feed.NewNATSSource(feed.NATSConfig{
			URL:            cfg.Feed.NATSURL,
			Subject:        cfg.Feed.NATSSubject,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			Log:            log,
		}, a.store)
	}

	a.sweeper = sweeper.New(a.store, cfg.Store.SweepInterval, log.With("component", "sweeper"))

	a.api = api.NewServer(a.store, a.hub, api.Config{
		Upstream:  upstream,
		Heartbeat: cfg.Server.Heartbeat,
		StaticDir: cfg.Server.StaticDir,
		Log:       log,
	})
	return a
}

// serve runs every component until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	// The snapshot lands before the live feed connects so a stale snapshot
	// record never overwrites a fresher feed update.
	g.Go(func() error {
		if url := a.cfg.Feed.SnapshotURL; url != "" {
			if _, err := feed.Snapshot(ctx, nil, url, a.store, a.log); err != nil {
				a.log.Warn("initial snapshot failed", "error", err)
			}
		}
		if a.connector == nil {
			return nil
		}
		return ignoreCanceled(a.connector.Run(ctx))
	})

	if a.nats != nil {
		g.Go(func() error {
			if err := ignoreCanceled(a.nats.Run(ctx)); err != nil {
				a.log.Error("nats source unavailable", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error { return ignoreCanceled(a.sweeper.Run(ctx)) })

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down stripd")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("stripd stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
