package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/framebus"
	"github.com/technosupport/trinetra/internal/health"
	"github.com/technosupport/trinetra/internal/ingest"
)

const drainDeadline = 10 * time.Second

func main() {
	cfg := config.IngestorFromEnv()

	cams, err := config.LoadCameras(cfg.CamerasConfig)
	if err != nil {
		log.Fatalf("Camera config error: %v", err)
	}

	bus, err := framebus.New(cfg.FrameBusURL, cfg.FrameBufferMaxLen)
	if err != nil {
		log.Fatalf("Frame bus error: %v", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := bus.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Frame bus unreachable at %s: %v", cfg.FrameBusURL, err)
	}
	cancelPing()

	supervisor, err := ingest.NewSupervisor(cams, bus, cfg.AllowedCIDRs)
	if err != nil {
		log.Fatalf("Supervisor error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := health.NewServer(cfg.MetricsPort, supervisor, func(r chi.Router) {
		r.Get("/cameras", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(supervisor.Status())
		})
	})
	srv.Start()

	supervisor.Start(ctx)
	log.Printf("[INFO] Ingestor: serving metrics on :%d", cfg.MetricsPort)

	<-ctx.Done()
	log.Printf("[INFO] Ingestor: shutdown signal received")
	supervisor.Drain(drainDeadline)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}
