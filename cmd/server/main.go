package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/matst80/connexions/internal/obs"
)

func main() {
	if err := loadConfig(flags, &cfg, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"unix": cfg.UnixSocket, "tcp": cfg.TCPAddr, "ws": cfg.WSAddr, "metrics": cfg.MetricsAddr, "max_buffer": cfg.MaxBuffer})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := newStateStore(cfg)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	srv, err := newServer(cfg, state)
	if err != nil {
		obs.Error("server.init", obs.Fields{"err": err.Error()})
		_ = state.close()
		os.Exit(1)
	}
	if err := srv.listen(); err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error()})
		srv.shutdown()
		os.Exit(1)
	}

	// Readiness stays false until the listeners are serving.
	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, srv)
	}
	go state.startMaintenance(ctx)
	go runCleanupLoop(ctx, srv, cfg.CleanupInterval)
	if cfg.ConfigFile != "" {
		go func() {
			if err := watchConfig(ctx, flags, cfg, srv.applyReload); err != nil {
				obs.Error("config.watch", obs.Fields{"err": err.Error(), "file": cfg.ConfigFile})
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx) }()
	state.setReady(true)
	obs.Info("server.ready", obs.Fields{"listeners": srv.addrs()})

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-done:
		if err != nil {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
		}
		stop()
	}
	srv.shutdown()
	obs.Info("server.shutdown.complete", obs.Fields{})
}
