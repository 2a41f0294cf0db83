// internal/config/config.go
// Package config loads settings for the fleet binaries from the environment,
// with an optional .env file for development setups.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file when one exists.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
}

// Coordinator holds the fleetd settings.
type Coordinator struct {
	ListenAddr string // UDP fleet endpoint
	APIAddr    string // HTTP status/control endpoint
	StorePath  string // bbolt settings file
	SpaceBits  int    // search space is [0, 2^SpaceBits)

	StaleAfter  time.Duration
	RemoveAfter time.Duration

	ChipTempLimit   float64
	MinInputVoltage float64
	WatchdogPeriod  time.Duration

	RejectEvery int // loopback upstream reject cadence; 0 accepts all
}

// CoordinatorFromEnv builds the coordinator config from the environment.
func CoordinatorFromEnv() Coordinator {
	LoadEnv()
	return Coordinator{
		ListenAddr:      envStr("HASHFLEET_LISTEN", ":7530"),
		APIAddr:         envStr("HASHFLEET_API", ":8080"),
		StorePath:       envStr("HASHFLEET_STORE", "hashfleet.db"),
		SpaceBits:       envInt("HASHFLEET_SPACE_BITS", 32),
		StaleAfter:      envDur("HASHFLEET_STALE_AFTER", 6*time.Second),
		RemoveAfter:     envDur("HASHFLEET_REMOVE_AFTER", 30*time.Second),
		ChipTempLimit:   envFloat("HASHFLEET_TEMP_LIMIT", 70.0),
		MinInputVoltage: envFloat("HASHFLEET_MIN_INPUT_VOLTAGE", 4.8),
		WatchdogPeriod:  envDur("HASHFLEET_WATCHDOG_PERIOD", 10*time.Second),
		RejectEvery:     envInt("HASHFLEET_REJECT_EVERY", 0),
	}
}

// Agent holds the fleet-agent settings.
type Agent struct {
	CoordinatorAddr string
	ListenAddr      string
	Hostname        string
	Heartbeat       time.Duration
	Difficulty      int
}

// AgentFromEnv builds the agent config from the environment.
func AgentFromEnv() Agent {
	LoadEnv()
	hostname := envStr("HASHFLEET_HOSTNAME", "")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return Agent{
		CoordinatorAddr: envStr("HASHFLEET_COORDINATOR", "127.0.0.1:7530"),
		ListenAddr:      envStr("HASHFLEET_AGENT_LISTEN", ":0"),
		Hostname:        hostname,
		Heartbeat:       envDur("HASHFLEET_HEARTBEAT", 3*time.Second),
		Difficulty:      envInt("HASHFLEET_DIFFICULTY", 16),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("config: ignoring invalid %s=%q", key, v)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("config: ignoring invalid %s=%q", key, v)
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("config: ignoring invalid %s=%q", key, v)
	}
	return fallback
}
