// Package app owns application-level orchestration: build the component
// graph from configuration, then run every long-lived loop under one
// errgroup so a fatal error in any of them stops the process.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"perpd/internal/config"
	"perpd/internal/engine"
	"perpd/internal/events"
	"perpd/internal/logger"
	"perpd/internal/session"
	statushttp "perpd/internal/transport/http"
)

type App struct {
	cfg       *config.Config
	profiles  *config.ProfileStore
	bus       *events.Bus
	transport *session.Transport
	engine    *engine.Engine
	recent    *statushttp.EventLog
	httpSrv   *statushttp.Server
}

// NewApp builds the application object from configuration without starting
// anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildApp(cfg)
}

// Run connects the exchange session, registers the standing subscriptions,
// and supervises the session, engine, and status HTTP loops until ctx ends
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	a.profiles.Watch()

	// First connect is synchronous so misconfiguration and rejected
	// credentials fail the process instead of retrying forever.
	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("registering subscriptions: %w", err)
	}
	logger.Infof("session established on %s, instrument=%s", a.cfg.Exchange.ActiveEndpoint(), a.cfg.Exchange.Instrument)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.transport.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("session supervisor: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("engine loop: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		a.recent.Consume(ctx, a.bus)
		return nil
	})

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("status http server: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.bus.Close()
	return err
}

// Engine exposes the trading core (for test and replay harnesses).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
