package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/cdpmux/pkg/observability"
	"github.com/odvcencio/cdpmux/pkg/relay"
)

// runRelay runs the standalone byte relay without the multiplexing server,
// for hosts that only need to bridge the debugging port across a network
// boundary.
func runRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	target := fs.String("target", "", "target address (overrides config)")
	maxConns := fs.Int("max-conns", 0, "max concurrent connection pairs, 0 = unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *target != "" {
		cfg.Relay.Target = *target
	}
	if *maxConns > 0 {
		cfg.Relay.MaxConns = *maxConns
	}

	resolvedTarget, err := cfg.RelayTarget()
	if err != nil {
		return err
	}

	log := observability.NewLogger("relay", observability.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rl := relay.New(relay.Config{
		Listen:      cfg.Relay.Listen,
		Target:      resolvedTarget,
		MaxConns:    cfg.Relay.MaxConns,
		DialTimeout: cfg.Relay.DialTimeout,
		Logger:      log,
	})

	log.Info("relay forwarding", "listen", cfg.Relay.Listen, "target", resolvedTarget)
	return rl.ListenAndServe(ctx)
}
