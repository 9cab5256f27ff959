package worker

import (
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PollGPUStats feeds the GPU gauges from nvidia-smi every 5 seconds. On
// hosts without the binary (CPU-only dev setups) it logs once and exits.
func PollGPUStats(ctx context.Context) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		log.Printf("[INFO] Worker: nvidia-smi not found, GPU metrics disabled")
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollOnce(ctx)
		}
	}
}

func pollOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return
	}
	parts := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(parts) != 2 {
		return
	}
	if util, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil {
		metricGPUUtil.Set(util)
	}
	if vram, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
		metricGPUVRAM.Set(vram)
	}
}
