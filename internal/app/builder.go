package app

import (
	"fmt"

	"perpd/internal/config"
	"perpd/internal/engine"
	"perpd/internal/events"
	"perpd/internal/ledger"
	"perpd/internal/position"
	"perpd/internal/risk"
	"perpd/internal/session"
	"perpd/internal/subs"
	statushttp "perpd/internal/transport/http"
)

// buildApp assembles the component graph bottom-up: event bus, transport,
// books, risk gate, engine, then the status HTTP surface on top.
func buildApp(cfg *config.Config) (*App, error) {
	profiles, err := config.NewProfileStore(cfg.Exchange.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("loading exchange profile: %w", err)
	}

	bus := events.NewBus()
	transport := session.NewTransport(cfg, profiles, bus)
	channels := subs.NewManager(transport)
	book := ledger.New(bus)
	tracker := position.NewTracker(cfg.Exchange.Instrument, bus)
	gate := risk.NewGate(cfg.Risk, tracker, book, bus)

	core := engine.New(cfg, profiles, transport, channels, book, tracker, gate, bus)

	recent := statushttp.NewEventLog()
	httpSrv, err := statushttp.NewServer(cfg.App.HTTPAddr, core, recent)
	if err != nil {
		return nil, fmt.Errorf("building status server: %w", err)
	}

	return &App{
		cfg:       cfg,
		profiles:  profiles,
		bus:       bus,
		transport: transport,
		engine:    core,
		recent:    recent,
		httpSrv:   httpSrv,
	}, nil
}
