// internal/telemetry/telemetry.go
// Package telemetry holds the shared counters and health gauges that the
// result path writes and the timing controller and watchdog read.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Channel is the shared telemetry sink for one device. Share counters are
// atomic; health gauges sit behind a mutex held only for the copy.
type Channel struct {
	sharesAccepted uint64
	sharesRejected uint64
	sharesStale    uint64

	mu     sync.RWMutex
	health Health
}

// Health is the sampled device health state.
type Health struct {
	ChipTemp     float64   // Celsius
	InputVoltage float64   // Volts
	Frequency    uint16    // MHz
	CoreVoltage  uint16    // mV
	Hashrate     float64   // GH/s
	Power        float64   // Watts
	SampledAt    time.Time
}

// Snapshot is a copy of all telemetry without synchronization.
type Snapshot struct {
	SharesAccepted uint64 `json:"shares_accepted"`
	SharesRejected uint64 `json:"shares_rejected"`
	SharesStale    uint64 `json:"shares_stale"`
	Health         Health `json:"health"`
}

func NewChannel() *Channel {
	return &Channel{}
}

// CountAccepted records an upstream-accepted result.
func (c *Channel) CountAccepted() {
	atomic.AddUint64(&c.sharesAccepted, 1)
}

// CountRejected records an upstream-rejected result.
func (c *Channel) CountRejected() {
	atomic.AddUint64(&c.sharesRejected, 1)
}

// CountStale records a result that arrived for an already-pruned job epoch.
// Stale results are never submitted upstream.
func (c *Channel) CountStale() {
	atomic.AddUint64(&c.sharesStale, 1)
}

// SetHealth replaces the health gauges with a fresh sample.
func (c *Channel) SetHealth(h Health) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// SetSetpoints updates only the frequency/voltage gauges. Used when a
// set-point change is applied between health samples.
func (c *Channel) SetSetpoints(frequency, coreVoltage uint16) {
	c.mu.Lock()
	c.health.Frequency = frequency
	c.health.CoreVoltage = coreVoltage
	c.mu.Unlock()
}

// GetHealth returns the most recent health sample.
func (c *Channel) GetHealth() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// GetSnapshot returns a consistent copy of counters and health.
func (c *Channel) GetSnapshot() Snapshot {
	c.mu.RLock()
	h := c.health
	c.mu.RUnlock()

	return Snapshot{
		SharesAccepted: atomic.LoadUint64(&c.sharesAccepted),
		SharesRejected: atomic.LoadUint64(&c.sharesRejected),
		SharesStale:    atomic.LoadUint64(&c.sharesStale),
		Health:         h,
	}
}
