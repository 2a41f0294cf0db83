// cmd/fleetd/main.go
// fleetd runs the fleet coordinator: UDP fleet endpoint, HTTP status API,
// adaptive timing, and the safety watchdog.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hashfleet/internal/api"
	"hashfleet/internal/config"
	"hashfleet/internal/coordinator"
)

func main() {
	cfg := config.CoordinatorFromEnv()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP fleet endpoint")
	flag.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP status/control endpoint")
	flag.StringVar(&cfg.StorePath, "store", cfg.StorePath, "settings store file")
	flag.IntVar(&cfg.SpaceBits, "space-bits", cfg.SpaceBits, "search space is [0, 2^bits)")
	flag.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "silence before a worker is stale")
	flag.DurationVar(&cfg.RemoveAfter, "remove-after", cfg.RemoveAfter, "silence before a worker slot is reclaimed")
	flag.Float64Var(&cfg.ChipTempLimit, "temp-limit", cfg.ChipTempLimit, "chip temperature limit in Celsius")
	flag.Float64Var(&cfg.MinInputVoltage, "min-voltage", cfg.MinInputVoltage, "minimum input voltage")
	flag.IntVar(&cfg.RejectEvery, "reject-every", cfg.RejectEvery, "loopback upstream rejects every Nth share (0 = accept all)")
	enableTiming := flag.Bool("enable-timing", false, "enable the adaptive timing controller at startup")
	flag.Parse()

	coord, err := coordinator.New(cfg)
	if err != nil {
		log.Fatalf("fleetd: %v", err)
	}
	defer coord.Close()

	if *enableTiming {
		coord.Controller.SetEnabled(true)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(cfg.APIAddr, coord)
	go func() {
		log.Printf("fleetd: API listening on %s", cfg.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("fleetd: API server: %v", err)
			cancel()
		}
	}()

	if err := coord.Run(ctx); err != nil {
		log.Printf("fleetd: coordinator stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("fleetd: API shutdown: %v", err)
	}
	log.Println("fleetd: stopped")
}
