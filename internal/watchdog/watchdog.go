// internal/watchdog/watchdog.go
// Package watchdog runs the independent safety check over the whole fleet.
// It steps frequency and core voltage down through discrete tables when a
// device runs hot or its supply sags, and holds off any increase for a
// cooldown period afterwards.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"hashfleet/internal/fleet"
	"hashfleet/internal/telemetry"
)

// ErrCooldown rejects a set-point increase while the cooldown after a
// trigger is in force. Decreases are never blocked.
var ErrCooldown = errors.New("watchdog: increase blocked by cooldown")

// Discrete set-point tables. Corrections move one entry down; values off the
// table snap to the nearest entry below.
var (
	frequencyTable   = tableRange(400, 700, 25)  // MHz
	coreVoltageTable = tableRange(1000, 1350, 50) // mV
)

func tableRange(lo, hi, step uint16) []uint16 {
	var t []uint16
	for v := lo; v <= hi; v += step {
		t = append(t, v)
	}
	return t
}

// Config holds the safety limits.
type Config struct {
	CheckInterval   time.Duration // default 10s
	ChipTempLimit   float64       // Celsius, default 70
	MinInputVoltage float64       // Volts, default 4.8
	Cooldown        time.Duration // default 5m
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.ChipTempLimit <= 0 {
		c.ChipTempLimit = 70.0
	}
	if c.MinInputVoltage <= 0 {
		c.MinInputVoltage = 4.8
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
}

// Locker freezes the timing controller before a correction is applied, so a
// calibration in flight cannot fight the safety step-down.
type Locker interface {
	ForceLock()
}

// Setter applies set-points to the local device.
type Setter interface {
	ApplySetpoints(frequencyMHz, coreVoltageMV uint16) error
}

// CommandSender pushes a set-point correction to a remote worker.
// Fire-and-forget; a lost command is retried on the next check cycle because
// the worker's telemetry will still show the violation.
type CommandSender interface {
	SendSetpoints(workerID uint8, frequencyMHz, coreVoltageMV uint16)
}

// Watchdog evaluates the fleet's health on a fixed cadence, independent of
// the timing controller's mode.
type Watchdog struct {
	mu          sync.Mutex
	cfg         Config
	channel     *telemetry.Channel
	table       *fleet.Table
	locker      Locker
	local       Setter
	sender      CommandSender
	enabled     bool
	lastTrigger time.Time
	triggers    uint64
}

func New(cfg Config, channel *telemetry.Channel, table *fleet.Table, locker Locker, local Setter, sender CommandSender) *Watchdog {
	cfg.applyDefaults()
	return &Watchdog{
		cfg:     cfg,
		channel: channel,
		table:   table,
		locker:  locker,
		local:   local,
		sender:  sender,
		enabled: true,
	}
}

// SetEnabled toggles the watchdog. Takes effect on the next check cycle.
func (w *Watchdog) SetEnabled(enabled bool) {
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
	log.Printf("watchdog: %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// IncreaseAllowed reports whether set-point increases are currently
// permitted. False during the cooldown after any trigger.
func (w *Watchdog) IncreaseAllowed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.increaseAllowedLocked(time.Now())
}

func (w *Watchdog) increaseAllowedLocked(now time.Time) bool {
	if w.lastTrigger.IsZero() {
		return true
	}
	return now.Sub(w.lastTrigger) >= w.cfg.Cooldown
}

// Triggers returns the number of corrections applied since start.
func (w *Watchdog) Triggers() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggers
}

// Run checks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(time.Now())
		}
	}
}

// Check evaluates the local device and every occupied worker slot once.
// Corrections pre-empt whatever the timing controller is doing; decreases
// are applied even during cooldown.
func (w *Watchdog) Check(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return
	}

	h := w.channel.GetHealth()
	if freq, volt, hit := w.evaluate("local", h.ChipTemp, h.InputVoltage, h.Frequency, h.CoreVoltage); hit {
		w.triggerLocked(now)
		if w.local != nil {
			if err := w.local.ApplySetpoints(freq, volt); err != nil {
				log.Printf("watchdog: local set-point apply failed: %v", err)
			}
		}
		w.channel.SetSetpoints(freq, volt)
	}

	if w.table == nil {
		return
	}
	for _, worker := range w.table.Snapshot() {
		if worker.State != fleet.MemberActive && worker.State != fleet.MemberStale {
			continue
		}
		t := worker.Telem
		name := "worker " + worker.Hostname
		if freq, volt, hit := w.evaluate(name, t.ChipTemp, t.InputVoltage, t.Frequency, t.CoreVoltage); hit {
			w.triggerLocked(now)
			if w.sender != nil {
				w.sender.SendSetpoints(worker.ID, freq, volt)
			}
		}
	}
}

// RequestSetpoints applies a manual set-point change. Both values must be
// entries of the discrete tables. A request that raises either value above
// the device's current reading is rejected with ErrCooldown while increases
// are blocked; decreases always go through. workerID 0 targets the local
// device, any other id sends a command to that worker.
func (w *Watchdog) RequestSetpoints(now time.Time, workerID uint8, frequencyMHz, coreVoltageMV uint16) error {
	if !onTable(frequencyTable, frequencyMHz) {
		return fmt.Errorf("watchdog: frequency %dMHz is not a table entry", frequencyMHz)
	}
	if !onTable(coreVoltageTable, coreVoltageMV) {
		return fmt.Errorf("watchdog: core voltage %dmV is not a table entry", coreVoltageMV)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	curFreq, curVolt, err := w.currentSetpointsLocked(workerID)
	if err != nil {
		return err
	}
	// A device with no reading yet counts as an increase.
	if (frequencyMHz > curFreq || coreVoltageMV > curVolt) && !w.increaseAllowedLocked(now) {
		return ErrCooldown
	}

	if workerID == fleet.CoordinatorID {
		if w.local != nil {
			if err := w.local.ApplySetpoints(frequencyMHz, coreVoltageMV); err != nil {
				return fmt.Errorf("watchdog: apply set-points: %w", err)
			}
		}
		w.channel.SetSetpoints(frequencyMHz, coreVoltageMV)
	} else {
		if w.sender == nil {
			return fmt.Errorf("watchdog: no command path to worker %d", workerID)
		}
		w.sender.SendSetpoints(workerID, frequencyMHz, coreVoltageMV)
	}
	log.Printf("watchdog: set-points for worker %d now %dMHz / %dmV", workerID, frequencyMHz, coreVoltageMV)
	return nil
}

func (w *Watchdog) currentSetpointsLocked(workerID uint8) (uint16, uint16, error) {
	if workerID == fleet.CoordinatorID {
		h := w.channel.GetHealth()
		return h.Frequency, h.CoreVoltage, nil
	}
	if w.table == nil {
		return 0, 0, fmt.Errorf("watchdog: unknown worker %d", workerID)
	}
	worker, ok := w.table.Get(workerID)
	if !ok {
		return 0, 0, fmt.Errorf("watchdog: unknown worker %d", workerID)
	}
	return worker.Telem.Frequency, worker.Telem.CoreVoltage, nil
}

// evaluate returns the corrected set-points for one device, and whether a
// limit was violated. Over-temperature backs off the core voltage only; an
// input-voltage sag backs off both frequency and voltage.
func (w *Watchdog) evaluate(name string, temp, inputVolt float64, freq, volt uint16) (uint16, uint16, bool) {
	switch {
	case inputVolt > 0 && inputVolt < w.cfg.MinInputVoltage:
		newFreq := stepDown(frequencyTable, freq)
		newVolt := stepDown(coreVoltageTable, volt)
		if newFreq == freq && newVolt == volt {
			log.Printf("watchdog: %s input voltage %.2fV below %.2fV but already at floor", name, inputVolt, w.cfg.MinInputVoltage)
			return freq, volt, false
		}
		log.Printf("watchdog: %s input voltage %.2fV below %.2fV, stepping down %d->%dMHz %d->%dmV",
			name, inputVolt, w.cfg.MinInputVoltage, freq, newFreq, volt, newVolt)
		return newFreq, newVolt, true
	case temp > w.cfg.ChipTempLimit:
		newVolt := stepDown(coreVoltageTable, volt)
		if newVolt == volt {
			log.Printf("watchdog: %s chip temp %.1fC above %.1fC but voltage already at floor", name, temp, w.cfg.ChipTempLimit)
			return freq, volt, false
		}
		log.Printf("watchdog: %s chip temp %.1fC above %.1fC, stepping voltage %d->%dmV",
			name, temp, w.cfg.ChipTempLimit, volt, newVolt)
		return freq, newVolt, true
	}
	return freq, volt, false
}

func (w *Watchdog) triggerLocked(now time.Time) {
	// Freeze any calibration before touching set-points.
	if w.locker != nil {
		w.locker.ForceLock()
	}
	w.lastTrigger = now
	w.triggers++
}

func onTable(table []uint16, v uint16) bool {
	for _, entry := range table {
		if entry == v {
			return true
		}
	}
	return false
}

// stepDown returns the next table entry below v, or v itself at the floor.
// A value off the table snaps to the nearest entry below it.
func stepDown(table []uint16, v uint16) uint16 {
	if v == 0 {
		return v // no reading yet
	}
	best := table[0]
	for _, entry := range table {
		if entry < v && entry > best {
			best = entry
		}
	}
	if best >= v {
		return v
	}
	return best
}
