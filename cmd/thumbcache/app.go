package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chronosphereio/thumbcache/pkg/backends"
	"github.com/chronosphereio/thumbcache/pkg/config"
	"github.com/chronosphereio/thumbcache/pkg/dispatch"
	"github.com/chronosphereio/thumbcache/pkg/locking"
	"github.com/chronosphereio/thumbcache/pkg/metrics"
	"github.com/chronosphereio/thumbcache/pkg/thumbnail"
)

// app holds the components every subcommand is built from.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *thumbnail.Store
	mirror  backends.Backend
	metrics *metrics.Collector
	latency *metrics.LatencyTracker
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	size, err := thumbnail.ParseSizeClass(cfg.Size)
	if err != nil {
		return nil, err
	}

	locks, err := locking.New(locking.Mode(cfg.Locking), cfg.LockDir)
	if err != nil {
		return nil, err
	}

	mirror, err := newMirror(ctx, cfg.Remote, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		mirror:  mirror,
		metrics: metrics.NewCollector("thumbcache"),
		latency: metrics.NewLatencyTracker(0.01),
	}

	opts := thumbnail.Options{
		CacheDir:   cfg.CacheDir,
		Size:       size,
		AppName:    cfg.AppName,
		AppVersion: cfg.AppVersion,
		Locks:      locks,
		Mirror:     mirror,
		Logger:     logger,
		Metrics:    a.metrics,
		Latency:    a.latency,
	}
	a.store, err = thumbnail.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("thumbnail store ready",
		"dir", a.store.BaseDir(),
		"size", a.store.Size().String(),
		"locking", cfg.Locking,
		"remote", cfg.Remote.Kind)
	return a, nil
}

// newMirror returns nil when no remote is configured.
func newMirror(ctx context.Context, rc config.RemoteConfig, logger *slog.Logger) (backends.Backend, error) {
	var (
		b   backends.Backend
		err error
	)
	switch rc.Kind {
	case "", config.RemoteNone:
		return nil, nil
	case config.RemoteDir:
		b, err = backends.NewDir(rc.Dir)
	case config.RemoteS3:
		b, err = backends.NewS3(ctx, backends.S3Config{
			Bucket:   rc.Bucket,
			Prefix:   rc.Prefix,
			Region:   rc.Region,
			Endpoint: rc.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown remote kind: %q", rc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s mirror: %w", rc.Kind, err)
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		b = backends.NewDebug(b, logger)
	}
	return b, nil
}

func (a *app) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.store, dispatch.Config{
		Workers:  a.cfg.Workers,
		Fallback: a.cfg.FallbackIcon,
		Logger:   a.logger,
		Metrics:  a.metrics,
		Latency:  a.latency,
	})
}

func (a *app) Close() error {
	if a.mirror != nil {
		return a.mirror.Close()
	}
	return nil
}

// setup is the common prologue of every subcommand.
func setup(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(cfg.LogLevel))
}
