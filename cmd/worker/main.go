package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/eventlog"
	"github.com/technosupport/trinetra/internal/framebus"
	"github.com/technosupport/trinetra/internal/health"
	"github.com/technosupport/trinetra/internal/worker"
)

func main() {
	cfg := config.WorkerFromEnv()

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

	eventLog, err := eventlog.Connect(cfg.EventLogURL)
	if err != nil {
		log.Fatalf("Event log error: %v", err)
	}
	defer eventLog.Close()

	w := worker.New(cfg, bus, eventLog,
		worker.NewHTTPDetector(cfg.DetectorURL),
		worker.NewHTTPEmbedder(cfg.EmbedderURL),
		cams)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := health.NewServer(cfg.MetricsPort, w)
	srv.Start()
	go worker.PollGPUStats(ctx)

	log.Printf("[INFO] Worker: serving metrics on :%d", cfg.MetricsPort)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}
