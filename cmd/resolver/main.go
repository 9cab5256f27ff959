package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/eventlog"
	"github.com/technosupport/trinetra/internal/health"
	"github.com/technosupport/trinetra/internal/resolver"
)

func main() {
	cfg := config.ResolverFromEnv()

	matrix, err := config.LoadTravelMatrix(cfg.TravelTimesPath)
	if err != nil {
		// An absent floor plan degrades to the conservative default floor
		// for every camera pair.
		log.Printf("[WARN] Resolver: travel matrix unavailable (%v), using default floor", err)
		matrix = config.NewTravelMatrix(nil)
	}

	eventLog, err := eventlog.Connect(cfg.EventLogURL)
	if err != nil {
		log.Fatalf("Event log error: %v", err)
	}
	defer eventLog.Close()

	search := resolver.NewBreakerSearch(
		resolver.NewQdrantSearch(cfg.SimSearchURL, cfg.SimSearchAPIKey, cfg.Collection))

	r := resolver.New(cfg, eventLog, search, matrix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	matrix.Watch(ctx)

	srv := health.NewServer(cfg.MetricsPort, r)
	srv.Start()

	log.Printf("[INFO] Resolver: serving metrics on :%d", cfg.MetricsPort)
	if err := r.Run(ctx); err != nil {
		log.Fatalf("Resolver failed: %v", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}
