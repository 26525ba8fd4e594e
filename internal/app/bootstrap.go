package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyfleetgo/internal/auth"
	"proxyfleetgo/internal/config"
	"proxyfleetgo/internal/control"
	"proxyfleetgo/internal/dataplane"
	"proxyfleetgo/internal/logging"
	"proxyfleetgo/internal/store"
	"proxyfleetgo/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

type Bootstrap struct {
	cfg        *config.RuntimeConfig
	settings   config.Settings
	logs       *logging.RingBuffer
	slogLogger *slog.Logger
	store      upstream.Store
	directory  *upstream.Directory
	relay      *dataplane.Relay
	selector   upstream.Selector
}

// NewBootstrap loads configuration and sets up logging. modeOverride, when
// set, replaces the configured mode for this run without saving it.
func NewBootstrap(cfgPath, modeOverride string) (*Bootstrap, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if modeOverride != "" {
		cfg.Server["mode"] = modeOverride
	}
	st := cfg.Settings()

	buffer := logging.NewRingBuffer(10000)
	logger, err := logging.Setup(st.LogFile, logging.ParseLevel(st.LogLevel), buffer)
	if err != nil {
		return nil, err
	}

	snapStore, err := store.New(store.Config{
		Kind:      st.SnapshotStore,
		File:      st.SnapshotFile,
		RedisAddr: st.RedisAddr,
		RedisKey:  st.RedisKey,
	})
	if err != nil {
		return nil, err
	}

	selector, err := upstream.NewSelector(st.Selection)
	if err != nil {
		return nil, err
	}

	directory := upstream.NewDirectory(upstream.DirectoryConfig{
		FeedURL:  st.FeedURL,
		Timeout:  st.FetchTimeout,
		Attempts: st.FetchAttempts,
		Store:    snapStore,
	})

	relay, err := dataplane.NewRelay(dataplane.RelayConfig{
		Scheme:   st.UpstreamScheme,
		Timeout:  st.RelayTimeout,
		Language: st.Language,
		Now:      directory.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Bootstrap{
		cfg:        cfg,
		settings:   st,
		logs:       buffer,
		slogLogger: logger,
		store:      snapStore,
		directory:  directory,
		relay:      relay,
		selector:   selector,
	}, nil
}

// Run starts the directory, the data plane for the configured mode, and the
// admin server, and blocks until ctx is cancelled or one of them fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	st := b.settings
	defer b.closeStore()

	b.slogLogger.Info("ProxyFleetGo starting", "mode", st.Mode, "feed", st.FeedURL, "selection", st.Selection, "upstream_scheme", st.UpstreamScheme)

	// A failed first fetch is not fatal: the refresh loop keeps trying.
	if err := b.directory.Start(ctx); err != nil {
		b.slogLogger.Error("initial fetch failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	plane, err := b.startPlane(gctx, g, b.directory.Current())
	if err != nil {
		return err
	}

	snapshots := make(chan *upstream.Snapshot)
	g.Go(func() error {
		b.directory.Run(gctx, st.UpdateInterval, snapshots)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap := <-snapshots:
				// The plane may already be shutting down.
				if gctx.Err() != nil {
					return nil
				}
				plane.Adopt(snap)
			}
		}
	})

	ctrl := control.NewServer(b.cfg, b.directory, plane, b.logs)
	adminSrv := &http.Server{
		Addr:              net.JoinHostPort(st.BindHost, strconv.Itoa(st.WebPort)),
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(b.slogLogger.Handler(), slog.LevelWarn),
	}
	g.Go(func() error {
		b.slogLogger.Info("ProxyFleetGo control plane listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	b.slogLogger.Info("ProxyFleetGo stopped")
	return err
}

// startPlane builds the data plane for the configured mode and adopts
// initial before any request is served. In username mode the shared
// listener is bound here, so a taken port stops startup.
func (b *Bootstrap) startPlane(ctx context.Context, g *errgroup.Group, initial *upstream.Snapshot) (dataplane.Plane, error) {
	st := b.settings
	if st.Mode == config.ModeUsername {
		router := dataplane.NewRouter(ctx, dataplane.RouterConfig{
			BindHost:       st.BindHost,
			Port:           st.Port,
			Secret:         st.ProxyPassword,
			Prefix:         st.UsernamePrefix,
			RotateUsername: st.RotateUsername,
			HeaderTimeout:  st.RelayTimeout,
			MaxConns:       st.MaxConnections,
			Language:       st.Language,
		}, b.relay, b.selector)
		if err := router.Listen(); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		router.Adopt(initial)
		g.Go(router.Serve)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), st.DrainTimeout)
			defer cancel()
			if err := router.Shutdown(shutdownCtx); err != nil {
				b.slogLogger.Warn("router drain incomplete", "error", err)
			}
			return nil
		})
		return router, nil
	}

	var gate auth.Gate
	if st.EnableAuth {
		gate = auth.Gate{Identifier: st.Username, Secret: st.Password}
	}
	fleet := dataplane.NewFleet(ctx, dataplane.FleetConfig{
		BindHost:      st.BindHost,
		StartPort:     st.StartPort,
		DrainTimeout:  st.DrainTimeout,
		HeaderTimeout: st.RelayTimeout,
		MaxConns:      st.MaxConnections,
		Gate:          gate,
		Language:      st.Language,
	}, b.relay)
	fleet.Adopt(initial)
	g.Go(func() error {
		<-ctx.Done()
		fleet.Stop()
		return nil
	})
	return fleet, nil
}

func (b *Bootstrap) closeStore() {
	if c, ok := b.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			b.slogLogger.Warn("close snapshot store failed", "error", err)
		}
	}
}
