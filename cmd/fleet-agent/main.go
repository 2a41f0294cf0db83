// cmd/fleet-agent/main.go
// fleet-agent runs one worker: it registers with a coordinator, searches its
// assigned range, and reports results and telemetry.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hashfleet/internal/agent"
	"hashfleet/internal/config"
)

func main() {
	cfg := config.AgentFromEnv()

	flag.StringVar(&cfg.CoordinatorAddr, "coordinator", cfg.CoordinatorAddr, "coordinator UDP address")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "local UDP address (\":0\" picks a port)")
	flag.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "name to register under")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "heartbeat interval")
	flag.IntVar(&cfg.Difficulty, "difficulty", cfg.Difficulty, "leading zero bits required for a hit")
	flag.Parse()

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("fleet-agent: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Printf("fleet-agent: stopped: %v", err)
	}
	log.Println("fleet-agent: stopped")
}
