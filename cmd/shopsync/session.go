package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/config"
	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/logging"
	"github.com/mschirtzinger/shopsync/internal/remote"
	"github.com/mschirtzinger/shopsync/internal/store"
)

const shutdownTimeout = 10 * time.Second

// session is one opened engine with everything it depends on.
type session struct {
	eng    *engine.Engine
	logger *zap.Logger

	kv          *store.SQLite
	closeRemote func(context.Context) error
	closeLog    func() error
}

// openMode selects what Init does and which background work runs.
type openMode int

const (
	// openSync pulls and drains during Init when the remote is reachable.
	openSync openMode = iota

	// openQuiet only determines connectivity. Inspecting commands use it so
	// they report the queue as it is instead of delivering it first.
	openQuiet

	// openServe is openSync plus periodic probing and the resync schedule.
	openServe
)

// open builds the engine from configuration and runs Init.
func (c *cli) open(ctx context.Context, mode openMode) (*session, error) {
	logger, closeLog, err := logging.New(c.cfg.Log)
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger, closeLog: closeLog}

	kv, err := store.Open(c.cfg.DBPath())
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	s.kv = kv

	rs, closeRemote, err := openRemote(ctx, c.cfg.Remote, logger)
	if err != nil {
		_ = kv.Close()
		_ = closeLog()
		return nil, err
	}
	s.closeRemote = closeRemote

	opts := engineOptions(c.cfg)
	opts.Store = kv
	opts.Remote = rs
	opts.Logger = logger
	if mode != openServe {
		opts.ResyncSchedule = ""
		opts.ProbeInterval = 0
	}
	opts.SkipInitialSync = mode == openQuiet

	eng, err := engine.New(opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.eng = eng

	if err := eng.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts the engine down and releases storage, remote and log file.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.eng != nil {
		errs = append(errs, s.eng.Shutdown(ctx))
	}
	if s.closeRemote != nil {
		errs = append(errs, s.closeRemote(ctx))
	}
	if s.kv != nil {
		errs = append(errs, s.kv.Close())
	}
	if s.closeLog != nil {
		errs = append(errs, s.closeLog())
	}
	return errors.Join(errs...)
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.Debounce = cfg.Sync.Debounce
	opts.RateLimit = cfg.Sync.RateLimit
	opts.SettleDelay = cfg.Sync.SettleDelay
	opts.ProbeInterval = cfg.Sync.ProbeInterval
	opts.ProbeTimeout = cfg.Sync.ProbeTimeout
	opts.RetryBackoff = cfg.Sync.RetryBackoff
	opts.MaxRetryBackoff = cfg.Sync.MaxRetryBackoff
	opts.MaxAttempts = cfg.Sync.MaxAttempts
	opts.ResyncSchedule = cfg.Sync.ResyncSchedule
	return opts
}

// openRemote returns a nil store for the "none" kind.
func openRemote(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (remote.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Kind {
	case config.RemoteNone, "":
		return nil, noop, nil
	case config.RemoteMemory:
		return remote.NewMemory(), noop, nil
	case config.RemoteMongo:
		m, err := remote.ConnectMongo(ctx, remote.MongoConfig{
			URI:      cfg.URI,
			Database: cfg.Database,
			Timeout:  cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
