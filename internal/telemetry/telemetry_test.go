package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCountersAreIndependent verifies accepted, rejected, and stale counts
// do not bleed into each other.
func TestCountersAreIndependent(t *testing.T) {
	ch := NewChannel()
	ch.CountAccepted()
	ch.CountAccepted()
	ch.CountRejected()
	ch.CountStale()
	ch.CountStale()
	ch.CountStale()

	snap := ch.GetSnapshot()
	assert.Equal(t, uint64(2), snap.SharesAccepted)
	assert.Equal(t, uint64(1), snap.SharesRejected)
	assert.Equal(t, uint64(3), snap.SharesStale)
}

// TestSetSetpointsPreservesSensors verifies a set-point change leaves the
// sensor gauges alone.
func TestSetSetpointsPreservesSensors(t *testing.T) {
	ch := NewChannel()
	ch.SetHealth(Health{ChipTemp: 62.5, InputVoltage: 5.1, Frequency: 700, CoreVoltage: 1350, SampledAt: time.Now()})

	ch.SetSetpoints(675, 1300)

	h := ch.GetHealth()
	assert.Equal(t, 62.5, h.ChipTemp)
	assert.Equal(t, 5.1, h.InputVoltage)
	assert.Equal(t, uint16(675), h.Frequency)
	assert.Equal(t, uint16(1300), h.CoreVoltage)
}

// TestConcurrentCounting exercises the counters from many goroutines.
func TestConcurrentCounting(t *testing.T) {
	ch := NewChannel()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				ch.CountAccepted()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), ch.GetSnapshot().SharesAccepted)
}
