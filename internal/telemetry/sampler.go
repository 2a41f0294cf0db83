// internal/telemetry/sampler.go
package telemetry

import (
	"context"
	"log"
	"time"

	pshost "github.com/shirou/gopsutil/v3/host"
	psload "github.com/shirou/gopsutil/v3/load"
)

// HealthSource supplies one health sample. Device drivers implement this
// against real sensors; HostSource approximates from the host when no
// driver is wired.
type HealthSource interface {
	Sample() (Health, error)
}

// Sampler periodically reads a HealthSource into the Channel.
type Sampler struct {
	channel  *Channel
	source   HealthSource
	interval time.Duration
}

func NewSampler(channel *Channel, source HealthSource, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{channel: channel, source: source, interval: interval}
}

// Run samples until ctx is cancelled. Sample errors are logged and skipped;
// the next tick retries.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := s.source.Sample()
			if err != nil {
				log.Printf("telemetry: health sample failed: %v", err)
				continue
			}
			h.SampledAt = time.Now()
			// Keep the current set-points; the source only knows sensors.
			cur := s.channel.GetHealth()
			if h.Frequency == 0 {
				h.Frequency = cur.Frequency
			}
			if h.CoreVoltage == 0 {
				h.CoreVoltage = cur.CoreVoltage
			}
			s.channel.SetHealth(h)
		}
	}
}

// HostSource derives health figures from the host via gopsutil. It stands in
// for a hashing-board sensor driver during development and in tests.
type HostSource struct {
	// NominalInputVoltage is reported when the host exposes no PSU sensor.
	NominalInputVoltage float64
}

func (h *HostSource) Sample() (Health, error) {
	sample := Health{InputVoltage: h.NominalInputVoltage}
	if sample.InputVoltage == 0 {
		sample.InputVoltage = 5.0
	}

	temps, err := pshost.SensorsTemperatures()
	if err == nil {
		for _, t := range temps {
			if t.Temperature > sample.ChipTemp {
				sample.ChipTemp = t.Temperature
			}
		}
	}

	if avg, err := psload.Avg(); err == nil {
		// Rough busy-ness proxy so the dashboard shows movement off-hardware.
		sample.Power = avg.Load1
	}

	return sample, nil
}
