package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/events"
	"github.com/odvcencio/cdpmux/pkg/journal"
	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
	"github.com/odvcencio/cdpmux/pkg/relay"
	"github.com/odvcencio/cdpmux/pkg/server"
)

// runServe wires the session, mux, server, and the optional relay, journal,
// and event mirror, then runs until interrupted.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	level := observability.ParseLevel(cfg.Logging.Level)
	log := observability.NewLogger("serve", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracerProvider("cdpmux")
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(shutdownCtx)
		}()
	}

	hub := events.NewHub()
	defer hub.Close()

	session := cdp.NewSession(cdp.SessionConfig{
		Endpoint:            cfg.Session.Endpoint,
		ConnectTimeout:      cfg.Session.ConnectTimeout,
		HealthTimeout:       cfg.Session.HealthTimeout,
		HealthInterval:      cfg.Session.HealthInterval,
		ReconnectBackoff:    cfg.Session.ReconnectBackoff,
		MaxReconnectBackoff: cfg.Session.MaxReconnectBackoff,
		MaxReconnects:       cfg.Session.MaxReconnects,
		Domains:             cfg.Session.Domains,
		ReadLimit:           cfg.Session.ReadLimit,
		OnEvent:             hub.Publish,
		Logger:              log.WithComponent("session"),
	})
	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect to endpoint %s: %w", cfg.Session.Endpoint, err)
	}
	defer session.Close()

	caller := cdp.NewCaller(session, cfg.Session.CallTimeout, log.WithComponent("caller"))
	m := mux.New(caller, mux.NewRegistry(), log.WithComponent("mux"))

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path, log.WithComponent("journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
		m.SetObserver(journalObserver(jrnl))
	}

	if cfg.Events.MirrorEnabled {
		bus, err := events.NewNATSBus(cfg.Events.Bus)
		if err != nil {
			return fmt.Errorf("connect event mirror bus: %w", err)
		}
		defer bus.Close()
		mirror := events.NewMirror(bus, cfg.Events.MirrorPrefix, log.WithComponent("mirror"))
		mirror.Start(ctx, hub)
		defer mirror.Stop()
	}

	srv := server.New(server.Config{
		Bind:            cfg.Server.Bind,
		AuthToken:       cfg.Server.AuthToken,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		SpillThreshold:  cfg.Server.SpillThreshold,
		SpillDir:        cfg.Server.SpillDir,
		MaxStreamConns:  cfg.Server.MaxStreamConns,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          log.WithComponent("server"),
	}, session, m, hub, jrnl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if cfg.Relay.Enabled {
		target, err := cfg.RelayTarget()
		if err != nil {
			return err
		}
		rl := relay.New(relay.Config{
			Listen:      cfg.Relay.Listen,
			Target:      target,
			MaxConns:    cfg.Relay.MaxConns,
			DialTimeout: cfg.Relay.DialTimeout,
			Logger:      log.WithComponent("relay"),
		})
		g.Go(func() error {
			return rl.ListenAndServe(gctx)
		})
	}

	log.Info("cdpmux serving",
		"endpoint", cfg.Session.Endpoint,
		"bind", cfg.Server.Bind,
		"relay_enabled", cfg.Relay.Enabled,
		"journal_enabled", cfg.Journal.Enabled,
	)
	return g.Wait()
}

// journalObserver records every resolved call.
func journalObserver(jrnl *journal.Journal) func(mux.Resolution) {
	return func(res mux.Resolution) {
		var errText string
		if res.Err != nil {
			errText = res.Err.Error()
		}
		jrnl.Record(journal.Entry{
			GlobalID:   res.GlobalID,
			ClientID:   res.ClientID,
			ClientKind: string(res.ClientKind),
			Method:     res.Method,
			Outcome:    res.Outcome(),
			DurationMS: float64(res.Elapsed.Microseconds()) / 1000.0,
			Error:      errText,
		})
	}
}
