// internal/engine/engine.go
// Package engine defines the hashing-engine contract. An engine works one
// job at a time and reports every hit together with the exact Job value it
// was searching under, so attribution never depends on ambient state.
package engine

import (
	"context"

	"hashfleet/internal/dispatch"
)

// Result is one hit found by an engine. Job is the job the engine was
// actually working when the hit was found, copied verbatim from Submit.
type Result struct {
	Job      dispatch.Job
	Position uint64
	Digest   [32]byte
}

// Engine is a hashing device or its software stand-in.
type Engine interface {
	// Run works submitted jobs until ctx is cancelled.
	Run(ctx context.Context) error
	// Submit replaces the engine's current job. The previous job's search
	// stops where it is; results already found remain attributable through
	// their own Job value.
	Submit(job dispatch.Job)
	// Results streams hits as they are found.
	Results() <-chan Result
	// Hashrate reports the recent search rate in hashes per second.
	Hashrate() float64
}
