// internal/timing/controller.go
// Package timing owns the adaptive job-interval controller. It calibrates a
// dispatch interval against upstream rejection rates, then keeps adjusting it
// inside configured bounds while the fleet runs.
package timing

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the controller mode.
type State int

const (
	Disabled State = iota
	Calibrating
	Monitoring
	Locked
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Calibrating:
		return "calibrating"
	case Monitoring:
		return "monitoring"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

const (
	// DefaultMinInterval and DefaultMaxInterval bound the dispatch interval
	// in milliseconds when no valid persisted bounds exist.
	DefaultMinInterval = 500
	DefaultMaxInterval = 800
	// DefaultInterval is used before any calibration has run.
	DefaultInterval = 700

	calibrationDwell  = 90 * time.Second
	minSamplesForTest = 20
	monitorWindow     = 5 * time.Minute
	stabilizeGap      = 2 * time.Minute

	rejectHighPct = 5.0
	rejectLowPct  = 1.0
	emergencyPct  = 10.0

	stepUpMS   = 50
	stepDownMS = 25
)

// calibrationIntervals are the candidate intervals tested in order.
var calibrationIntervals = []uint16{500, 550, 600, 650, 700, 750, 800}

// Persistence keys.
const (
	KeyOptimalInterval = "timing.optimal_interval_ms"
	KeyEnabled         = "timing.enabled"
	KeyMinInterval     = "timing.min_interval_ms"
	KeyMaxInterval     = "timing.max_interval_ms"
)

// Broadcaster pushes an interval change out to the fleet. Delivery is
// fire-and-forget; a lost datagram is covered by the next change.
type Broadcaster interface {
	BroadcastInterval(intervalMS uint16)
}

// Store persists controller settings across restarts. Writes are
// fire-and-forget; the implementation logs its own failures.
type Store interface {
	GetUint16(key string) (uint16, bool)
	PutUint16(key string, value uint16)
	GetBool(key string) (bool, bool)
	PutBool(key string, value bool)
}

// Status is a read-only snapshot of the controller.
type Status struct {
	Enabled          bool    `json:"enabled"`
	State            string  `json:"state"`
	CurrentInterval  uint16  `json:"currentInterval"`
	OptimalInterval  uint16  `json:"optimalInterval"`
	MinInterval      uint16  `json:"minInterval"`
	MaxInterval      uint16  `json:"maxInterval"`
	WindowAccepted   uint32  `json:"windowAccepted"`
	WindowRejected   uint32  `json:"windowRejected"`
	RejectionRate    float64 `json:"rejectionRate"`
	BestInterval     uint16  `json:"bestInterval"`
	BestRate         float64 `json:"bestRejectionRate"`
	CalibrationStep  int     `json:"calibrationStep"`
	CalibrationTotal int     `json:"calibrationTotal"`
}

// Controller is the adaptive timing state machine. All transient state lives
// in the struct, so Tick carries no loop-local variables and can resume from
// any point. The mutex makes Tick, RecordOutcome, and the control methods
// safe to call from different goroutines.
type Controller struct {
	mu          sync.Mutex
	broadcaster Broadcaster
	store       Store

	enabled     bool
	state       State
	minInterval uint16
	maxInterval uint16
	current     uint16
	optimal     uint16

	booted         bool
	hasSavedOpt    bool
	calStep        int
	calResults     []float64
	calStart       time.Time
	bestRate       float64 // -1 until a candidate qualifies
	bestInterval   uint16
	windowAccepted uint32
	windowRejected uint32
	windowStart    time.Time
	lastAdjustment time.Time
	currentRate    float64
}

// NewController loads persisted settings and returns a controller in the
// Disabled state; the first Tick moves it to its working state. Persisted
// bounds outside sane limits fall back to the built-in defaults.
func NewController(broadcaster Broadcaster, store Store) *Controller {
	c := &Controller{
		broadcaster:  broadcaster,
		store:        store,
		state:        Disabled,
		minInterval:  DefaultMinInterval,
		maxInterval:  DefaultMaxInterval,
		bestRate:     -1,
		bestInterval: DefaultInterval,
		calResults:   make([]float64, len(calibrationIntervals)),
	}

	if store != nil {
		if v, ok := store.GetBool(KeyEnabled); ok {
			c.enabled = v
		}
		if v, ok := store.GetUint16(KeyMinInterval); ok && v >= 400 && v <= 800 {
			c.minInterval = v
		}
		if v, ok := store.GetUint16(KeyMaxInterval); ok && v >= 500 && v <= 1000 {
			c.maxInterval = v
		}
		if v, ok := store.GetUint16(KeyOptimalInterval); ok &&
			v >= c.minInterval && v <= c.maxInterval {
			c.optimal = v
			c.hasSavedOpt = true
		}
	}
	if c.optimal == 0 {
		c.optimal = DefaultInterval
	}
	c.current = c.clamp(c.optimal)
	c.bestInterval = c.optimal

	log.Printf("timing: initialized enabled=%v interval=%dms range=[%d-%d]",
		c.enabled, c.current, c.minInterval, c.maxInterval)
	return c
}

// Tick advances the state machine. The coordinator calls it about once per
// second; the cadence bounds reaction latency, not correctness.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.state = Disabled
		return
	}

	if !c.booted {
		c.booted = true
		if c.hasSavedOpt {
			// A valid saved optimum skips calibration entirely.
			log.Printf("timing: using saved optimal interval %dms", c.optimal)
			c.setInterval(c.optimal)
			c.broadcast(c.current)
			c.state = Monitoring
			c.resetWindow(now)
			c.lastAdjustment = now
			return
		}
	}

	switch c.state {
	case Disabled:
		c.startCalibration(now)
	case Calibrating:
		c.calibrationStep(now)
	case Monitoring:
		c.checkAndAdjust(now)
	case Locked:
		// No adjustments while locked, but the window keeps measuring and
		// severe degradation still triggers a full recalibration. A window
		// short on samples keeps filling instead of resetting.
		if now.Sub(c.windowStart) >= monitorWindow &&
			c.windowAccepted+c.windowRejected >= minSamplesForTest {
			c.currentRate = rejectionRate(c.windowAccepted, c.windowRejected)
			c.resetWindow(now)
		}
		if c.currentRate > emergencyPct {
			log.Printf("timing: rejection rate %.2f%% while locked, recalibrating", c.currentRate)
			c.startCalibration(now)
		}
	}
}

// RecordOutcome feeds one upstream outcome into the current measurement
// window. The aggregator calls this synchronously for every outcome.
func (c *Controller) RecordOutcome(accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if accepted {
		c.windowAccepted++
	} else {
		c.windowRejected++
	}
}

// Interval returns the dispatch interval currently in force.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.current) * time.Millisecond
}

// IntervalMS returns the interval in milliseconds for the wire.
func (c *Controller) IntervalMS() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State returns the current mode.
func (c *Controller) StateNow() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PinInterval sets a manual interval and locks the controller to it.
func (c *Controller) PinInterval(intervalMS uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intervalMS < c.minInterval || intervalMS > c.maxInterval {
		return fmt.Errorf("timing: interval %dms outside [%d-%d]",
			intervalMS, c.minInterval, c.maxInterval)
	}
	c.setInterval(intervalMS)
	c.optimal = intervalMS
	c.persistOptimal()
	c.broadcast(c.current)
	c.state = Locked
	log.Printf("timing: interval pinned at %dms", intervalMS)
	return nil
}

// ForceLock freezes the controller in place without applying any partial
// calibration result. The watchdog uses it before a safety correction.
func (c *Controller) ForceLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Locked {
		return
	}
	log.Printf("timing: force-locked at %dms (was %s)", c.current, c.state)
	c.state = Locked
}

// StepDownInterval backs the interval off by one down-step. Watchdog
// primitive; it does not change the controller state.
func (c *Controller) StepDownInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setInterval(c.current - stepDownMS)
	c.broadcast(c.current)
}

// SetEnabled toggles the controller and persists the flag. Disabling takes
// effect on the next Tick.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if c.store != nil {
		c.store.PutBool(KeyEnabled, enabled)
	}
	if !enabled {
		c.state = Disabled
	}
	log.Printf("timing: adaptive timing %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// Enabled reports the enable flag.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ForceCalibration restarts calibration immediately. No-op while disabled.
func (c *Controller) ForceCalibration(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.startCalibration(now)
}

// RejectionRate returns the rate over the current window, in percent.
func (c *Controller) RejectionRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rejectionRate(c.windowAccepted, c.windowRejected)
}

// StatusNow returns a snapshot for the HTTP surface and the monitor.
func (c *Controller) StatusNow() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:          c.enabled,
		State:            c.state.String(),
		CurrentInterval:  c.current,
		OptimalInterval:  c.optimal,
		MinInterval:      c.minInterval,
		MaxInterval:      c.maxInterval,
		WindowAccepted:   c.windowAccepted,
		WindowRejected:   c.windowRejected,
		RejectionRate:    c.currentRate,
		BestInterval:     c.bestInterval,
		BestRate:         c.bestRate,
		CalibrationStep:  c.calStep,
		CalibrationTotal: len(calibrationIntervals),
	}
}

// --- calibration ---

func (c *Controller) startCalibration(now time.Time) {
	log.Printf("timing: starting calibration")
	c.state = Calibrating
	c.calStep = 0
	c.bestRate = -1
	c.bestInterval = DefaultInterval
	for i := range c.calResults {
		c.calResults[i] = -1
	}
	c.setInterval(calibrationIntervals[0])
	c.broadcast(c.current)
	c.resetWindow(now)
	c.calStart = now
}

func (c *Controller) calibrationStep(now time.Time) {
	if now.Sub(c.calStart) < calibrationDwell {
		return
	}

	accepted, rejected := c.windowAccepted, c.windowRejected
	rate := rejectionRate(accepted, rejected)
	c.calResults[c.calStep] = rate
	log.Printf("timing: calibration step %d: %dms -> %.2f%% rejection (%d accepted, %d rejected)",
		c.calStep, calibrationIntervals[c.calStep], rate, accepted, rejected)

	// Only candidates with enough samples can win. Ties keep the earlier
	// candidate because the comparison is strict.
	if accepted+rejected >= minSamplesForTest {
		if c.bestRate < 0 || rate < c.bestRate {
			c.bestRate = rate
			c.bestInterval = calibrationIntervals[c.calStep]
			log.Printf("timing: new best %dms @ %.2f%%", c.bestInterval, c.bestRate)
		}
	}

	c.calStep++
	if c.calStep < len(calibrationIntervals) {
		c.setInterval(calibrationIntervals[c.calStep])
		c.broadcast(c.current)
		c.resetWindow(now)
		c.calStart = now
		return
	}

	if c.bestRate < 0 {
		// Nothing reached the sample floor; a winner picked from no data
		// would just be noise. Run the whole sweep again.
		log.Printf("timing: calibration produced no candidate with %d+ samples, restarting", minSamplesForTest)
		c.startCalibration(now)
		return
	}

	log.Printf("timing: calibration complete, best %dms @ %.2f%%", c.bestInterval, c.bestRate)
	c.setInterval(c.bestInterval)
	c.optimal = c.bestInterval
	c.persistOptimal()
	c.broadcast(c.current)
	c.state = Monitoring
	c.resetWindow(now)
	c.lastAdjustment = now
}

// --- monitoring ---

func (c *Controller) checkAndAdjust(now time.Time) {
	if now.Sub(c.windowStart) < monitorWindow {
		return
	}
	total := c.windowAccepted + c.windowRejected
	if total < minSamplesForTest {
		// Not enough shares; let the window keep filling.
		return
	}

	rate := rejectionRate(c.windowAccepted, c.windowRejected)
	c.currentRate = rate
	log.Printf("timing: window %.2f%% rejection (%d/%d), interval=%dms",
		rate, c.windowRejected, total, c.current)

	// Credit the rate to the interval that produced it, before any
	// adjustment moves the interval.
	if c.bestRate < 0 || rate < c.bestRate {
		c.bestRate = rate
		c.bestInterval = c.current
		c.optimal = c.current
		c.persistOptimal()
		log.Printf("timing: new optimal %dms @ %.2f%%", c.optimal, c.bestRate)
	}

	canAdjust := now.Sub(c.lastAdjustment) >= stabilizeGap
	adjusted := false
	switch {
	case rate > rejectHighPct && c.current < c.maxInterval:
		if canAdjust {
			next := c.clamp(c.current + stepUpMS)
			log.Printf("timing: high rejection (%.2f%%), interval %d -> %dms", rate, c.current, next)
			c.setInterval(next)
			c.broadcast(c.current)
			adjusted = true
		}
	case rate < rejectLowPct && c.current > c.minInterval:
		if canAdjust {
			next := c.clamp(c.current - stepDownMS)
			log.Printf("timing: low rejection (%.2f%%), interval %d -> %dms", rate, c.current, next)
			c.setInterval(next)
			c.broadcast(c.current)
			adjusted = true
		}
	}

	// The window always resets once evaluated, even when the stabilize gap
	// blocked an adjustment; stale shares never carry into the next window.
	c.resetWindow(now)
	if adjusted {
		c.lastAdjustment = now
	}
}

// --- helpers ---

func (c *Controller) clamp(intervalMS uint16) uint16 {
	if intervalMS < c.minInterval {
		return c.minInterval
	}
	if intervalMS > c.maxInterval {
		return c.maxInterval
	}
	return intervalMS
}

func (c *Controller) setInterval(intervalMS uint16) {
	intervalMS = c.clamp(intervalMS)
	if c.current != intervalMS {
		c.current = intervalMS
		log.Printf("timing: interval set to %dms", intervalMS)
	}
}

func (c *Controller) broadcast(intervalMS uint16) {
	if c.broadcaster != nil {
		c.broadcaster.BroadcastInterval(intervalMS)
	}
}

func (c *Controller) persistOptimal() {
	if c.store != nil {
		c.store.PutUint16(KeyOptimalInterval, c.optimal)
	}
}

func (c *Controller) resetWindow(now time.Time) {
	c.windowAccepted = 0
	c.windowRejected = 0
	c.windowStart = now
}

func rejectionRate(accepted, rejected uint32) float64 {
	total := accepted + rejected
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total) * 100
}
