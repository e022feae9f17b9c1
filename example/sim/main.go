// Runs the controller against the built-in plant simulator so the dashboard,
// SSE stream, and tuning endpoints can be exercised without hardware.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	controller "github.com/QuartzAl/ESP32-Constant-Current-Controller"
)

func main() {
	cfg := &controller.Config{}
	cfg.ApplyDefaults()
	cfg.HTTP.Addr = ":8080"
	cfg.Metrics.Addr = ":9100"
	cfg.Control.ReportInterval = 250 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	rt, err := controller.New(cfg)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("dashboard on http://localhost%s metrics on http://localhost%s", cfg.HTTP.Addr, cfg.Metrics.Addr)
	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("controller exited: %v", err)
	}
}
