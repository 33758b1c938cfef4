package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"github.com/aspired-future/startales-sub045/internal/admin"
	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/bus"
	"github.com/aspired-future/startales-sub045/internal/config"
	"github.com/aspired-future/startales-sub045/internal/gateway"
	"github.com/aspired-future/startales-sub045/internal/logging"
	"github.com/aspired-future/startales-sub045/internal/metrics"
)

const shutdownGrace = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	log.Info("starting realtime gateway", map[string]any{
		"port":            cfg.Port,
		"admin_port":      cfg.AdminPort,
		"environment":     cfg.Environment,
		"dev_auth":        cfg.DevAuth,
		"max_connections": cfg.MaxConnections,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.EnableMetrics, metrics.WithRegistry(registry))

	authn := auth.New(cfg.JWTSecret, cfg.DevAuth)
	gw := gateway.NewServer(cfg, log, collector, authn)
	if err := gw.Start(); err != nil {
		log.Err(err, "failed to start gateway", nil)
		os.Exit(1)
	}

	var adminSrv *admin.Server
	if cfg.AdminPort > 0 {
		adminSrv = admin.New(admin.Options{
			Port:       cfg.AdminPort,
			Gateway:    gw,
			Log:        log,
			Prometheus: registry,
		})
		if err := adminSrv.Start(); err != nil {
			log.Err(err, "failed to start admin server", nil)
			os.Exit(1)
		}
	}

	var bridge *bus.Bridge
	if cfg.NATSURL != "" {
		bridge, err = bus.Connect(cfg.NATSURL, gw, log)
		if err != nil {
			log.Err(err, "failed to connect to nats", nil)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", map[string]any{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop ingest first so no new broadcasts land on a draining gateway.
	if bridge != nil {
		bridge.Close()
	}
	if adminSrv != nil {
		if err := adminSrv.Close(ctx); err != nil {
			log.Err(err, "admin shutdown error", nil)
		}
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Err(err, "gateway shutdown error", nil)
	}
	log.Info("shutdown complete", nil)
}
