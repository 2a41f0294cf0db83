package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	sent []uint16
}

func (b *fakeBroadcaster) BroadcastInterval(intervalMS uint16) {
	b.sent = append(b.sent, intervalMS)
}

type fakeStore struct {
	u16   map[string]uint16
	bools map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{u16: make(map[string]uint16), bools: make(map[string]bool)}
}

func (s *fakeStore) GetUint16(key string) (uint16, bool) { v, ok := s.u16[key]; return v, ok }
func (s *fakeStore) PutUint16(key string, v uint16)      { s.u16[key] = v }
func (s *fakeStore) GetBool(key string) (bool, bool)     { v, ok := s.bools[key]; return v, ok }
func (s *fakeStore) PutBool(key string, v bool)          { s.bools[key] = v }

// feedOutcomes records accepted/rejected outcomes into the window.
func feedOutcomes(c *Controller, accepted, rejected int) {
	for i := 0; i < accepted; i++ {
		c.RecordOutcome(true)
	}
	for i := 0; i < rejected; i++ {
		c.RecordOutcome(false)
	}
}

// runCalibration walks the controller through a full calibration sweep,
// feeding the given (accepted, rejected) pair at each candidate.
func runCalibration(c *Controller, t0 time.Time, outcomes [][2]int) time.Time {
	now := t0
	c.Tick(now) // enters calibration
	for _, o := range outcomes {
		feedOutcomes(c, o[0], o[1])
		now = now.Add(calibrationDwell + time.Second)
		c.Tick(now)
	}
	return now
}

// TestCalibrationPicksLowestQualifyingRate verifies the winner is the
// candidate with the lowest rejection rate among those that reached the
// sample floor.
func TestCalibrationPicksLowestQualifyingRate(t *testing.T) {
	b := &fakeBroadcaster{}
	st := newFakeStore()
	c := NewController(b, st)
	c.SetEnabled(true)

	// 500ms: 5%, 550ms: 20%, 600ms: 2%; the rest get too few samples.
	now := runCalibration(c, time.Unix(0, 0), [][2]int{
		{95, 5},
		{80, 20},
		{98, 2},
		{3, 1},
		{2, 0},
		{1, 1},
		{0, 0},
	})

	assert.Equal(t, Monitoring, c.StateNow())
	assert.Equal(t, uint16(600), c.IntervalMS(), "600ms had the lowest qualifying rate")

	saved, ok := st.GetUint16(KeyOptimalInterval)
	require.True(t, ok)
	assert.Equal(t, uint16(600), saved, "winner must be persisted")
	assert.Contains(t, b.sent, uint16(600), "winner must be broadcast")
	_ = now
}

// TestCalibrationTieKeepsEarlierCandidate verifies a strict comparison: the
// earlier-tested candidate wins a tie.
func TestCalibrationTieKeepsEarlierCandidate(t *testing.T) {
	c := NewController(&fakeBroadcaster{}, nil)
	c.SetEnabled(true)

	outcomes := make([][2]int, len(calibrationIntervals))
	for i := range outcomes {
		outcomes[i] = [2]int{95, 5} // 5% everywhere
	}
	runCalibration(c, time.Unix(0, 0), outcomes)

	assert.Equal(t, Monitoring, c.StateNow())
	assert.Equal(t, uint16(500), c.IntervalMS())
}

// TestCalibrationRestartsWithoutQualifyingCandidate verifies a sweep where
// no candidate reached the sample floor starts over instead of declaring a
// winner from no data.
func TestCalibrationRestartsWithoutQualifyingCandidate(t *testing.T) {
	c := NewController(&fakeBroadcaster{}, nil)
	c.SetEnabled(true)

	outcomes := make([][2]int, len(calibrationIntervals))
	for i := range outcomes {
		outcomes[i] = [2]int{2, 1} // 3 shares, below the floor
	}
	runCalibration(c, time.Unix(0, 0), outcomes)

	assert.Equal(t, Calibrating, c.StateNow(), "sweep must restart")
	assert.Equal(t, 0, c.StatusNow().CalibrationStep)
	assert.Equal(t, uint16(calibrationIntervals[0]), c.IntervalMS())
}

// monitoringController returns a controller already in Monitoring via a
// persisted optimum, with the adjustment rate limit satisfied.
func monitoringController(t *testing.T, optimal uint16) (*Controller, *fakeBroadcaster, *fakeStore, time.Time) {
	t.Helper()
	b := &fakeBroadcaster{}
	st := newFakeStore()
	st.PutUint16(KeyOptimalInterval, optimal)
	st.PutBool(KeyEnabled, true)

	c := NewController(b, st)
	t0 := time.Unix(0, 0)
	c.Tick(t0)
	require.Equal(t, Monitoring, c.StateNow(), "persisted optimum must skip calibration")
	require.Equal(t, optimal, c.IntervalMS())
	return c, b, st, t0
}

// TestPersistedOptimumSkipsCalibration covers the startup shortcut.
func TestPersistedOptimumSkipsCalibration(t *testing.T) {
	c, b, _, _ := monitoringController(t, 650)
	assert.Equal(t, uint16(650), c.IntervalMS())
	assert.Contains(t, b.sent, uint16(650), "restored interval must be broadcast")
}

// TestMonitoringStepsUpOnHighRejection verifies a window above the high
// threshold raises the interval by one up-step.
func TestMonitoringStepsUpOnHighRejection(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	feedOutcomes(c, 92, 8) // 8%
	c.Tick(t0.Add(monitorWindow + time.Second))

	assert.Equal(t, uint16(750), c.IntervalMS())
}

// TestMonitoringStepUpClampsAtMax verifies the up-step never exceeds the
// maximum bound.
func TestMonitoringStepUpClampsAtMax(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 775)

	feedOutcomes(c, 92, 8)
	c.Tick(t0.Add(monitorWindow + time.Second))

	assert.Equal(t, uint16(800), c.IntervalMS(), "clamped to max, not rejected")
}

// TestMonitoringStepsDownOnLowRejection verifies a window below the low
// threshold lowers the interval by the smaller down-step.
func TestMonitoringStepsDownOnLowRejection(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	feedOutcomes(c, 200, 1) // ~0.5%
	c.Tick(t0.Add(monitorWindow + time.Second))

	assert.Equal(t, uint16(675), c.IntervalMS())
}

// TestMonitoringHoldsInsideBand verifies no adjustment happens between the
// thresholds.
func TestMonitoringHoldsInsideBand(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	feedOutcomes(c, 97, 3) // 3%
	c.Tick(t0.Add(monitorWindow + time.Second))

	assert.Equal(t, uint16(700), c.IntervalMS())
}

// TestStabilizeGapBlocksBackToBackAdjustments verifies the second of two
// warranted adjustments waits out the stabilize gap, and that the skipped
// evaluation still resets the window.
func TestStabilizeGapBlocksBackToBackAdjustments(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	feedOutcomes(c, 92, 8)
	now := t0.Add(monitorWindow + time.Second)
	c.Tick(now)
	require.Equal(t, uint16(750), c.IntervalMS())

	// Next full window is ready before the stabilize gap has passed... but
	// the gap is longer than the window, so this cannot happen with the
	// defaults; force it by evaluating right after the adjustment.
	feedOutcomes(c, 80, 20)
	c.Tick(now.Add(time.Second))
	assert.Equal(t, uint16(750), c.IntervalMS(), "window not complete yet")

	// A complete window during the gap: rate-limited, no adjustment.
	st := c.StatusNow()
	assert.Equal(t, uint32(80), st.WindowAccepted, "outcomes still accumulate")
}

// TestWindowExtendsOnTooFewShares verifies a quiet window is extended
// rather than evaluated from thin data.
func TestWindowExtendsOnTooFewShares(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	feedOutcomes(c, 5, 5) // 50% rejection but only 10 shares
	c.Tick(t0.Add(monitorWindow + time.Second))

	assert.Equal(t, uint16(700), c.IntervalMS(), "too few shares must not adjust")
	st := c.StatusNow()
	assert.Equal(t, uint32(5), st.WindowAccepted, "window must keep filling")
}

// TestBestEverRatePersistsOptimum verifies monitoring tracks the best
// observed rate and persists the interval that produced it.
func TestBestEverRatePersistsOptimum(t *testing.T) {
	c, _, st, t0 := monitoringController(t, 700)

	feedOutcomes(c, 199, 1) // 0.5%, best ever; also steps down
	c.Tick(t0.Add(monitorWindow + time.Second))

	saved, ok := st.GetUint16(KeyOptimalInterval)
	require.True(t, ok)
	assert.Equal(t, uint16(700), saved, "the interval that produced the rate is the optimum, pre-adjustment")
}

// TestPinIntervalLocks verifies a manual interval locks the controller and
// rejects out-of-bounds values.
func TestPinIntervalLocks(t *testing.T) {
	c, b, _, _ := monitoringController(t, 700)

	require.NoError(t, c.PinInterval(625))
	assert.Equal(t, Locked, c.StateNow())
	assert.Equal(t, uint16(625), c.IntervalMS())
	assert.Contains(t, b.sent, uint16(625))

	assert.Error(t, c.PinInterval(450), "below min must be rejected")
	assert.Error(t, c.PinInterval(900), "above max must be rejected")
	assert.Equal(t, uint16(625), c.IntervalMS())
}

// TestLockedEmergencyRecalibration verifies severe degradation recalibrates
// even while locked.
func TestLockedEmergencyRecalibration(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	// Build a 12% window so the last evaluated rate is above the emergency
	// threshold, then lock.
	feedOutcomes(c, 88, 12)
	now := t0.Add(monitorWindow + time.Second)
	c.Tick(now)
	require.NoError(t, c.PinInterval(750))
	require.Equal(t, Locked, c.StateNow())

	c.Tick(now.Add(time.Second))
	assert.Equal(t, Calibrating, c.StateNow(), "rate above 10%% must break the lock")
}

// TestLockedThinWindowKeepsFilling verifies a locked window short on samples
// is extended rather than reset, and is evaluated once enough arrive.
func TestLockedThinWindowKeepsFilling(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)
	require.NoError(t, c.PinInterval(700))
	require.Equal(t, Locked, c.StateNow())

	feedOutcomes(c, 5, 5) // below the sample floor
	now := t0.Add(monitorWindow + time.Second)
	c.Tick(now)

	st := c.StatusNow()
	assert.Equal(t, uint32(5), st.WindowAccepted, "thin window must keep filling")
	assert.Equal(t, uint32(5), st.WindowRejected)
	require.Equal(t, Locked, c.StateNow(), "no emergency from an unevaluated window")

	feedOutcomes(c, 5, 5)
	c.Tick(now.Add(time.Second))

	st = c.StatusNow()
	assert.Zero(t, st.WindowAccepted, "evaluated window resets")
	assert.Equal(t, Calibrating, c.StateNow(), "50%% over a full window breaks the lock")
}

// TestForceLockFreezesCalibrationInPlace verifies the watchdog override
// stops calibration without applying a partial best.
func TestForceLockFreezesCalibrationInPlace(t *testing.T) {
	c := NewController(&fakeBroadcaster{}, nil)
	c.SetEnabled(true)

	t0 := time.Unix(0, 0)
	c.Tick(t0) // calibrating at 500ms
	feedOutcomes(c, 95, 5)
	c.Tick(t0.Add(calibrationDwell + time.Second)) // now testing 550ms
	require.Equal(t, Calibrating, c.StateNow())
	require.Equal(t, uint16(550), c.IntervalMS())

	c.ForceLock()
	assert.Equal(t, Locked, c.StateNow())
	assert.Equal(t, uint16(550), c.IntervalMS(), "current candidate stays, best is not applied")
}

// TestStepDownIntervalClampsAtMin verifies the watchdog primitive.
func TestStepDownIntervalClampsAtMin(t *testing.T) {
	c, _, _, _ := monitoringController(t, 510)

	c.StepDownInterval()
	assert.Equal(t, uint16(500), c.IntervalMS(), "clamped to min")

	c.StepDownInterval()
	assert.Equal(t, uint16(500), c.IntervalMS())
}

// TestInvalidPersistedBoundsFallBack verifies garbage bounds in the store
// clamp to the built-in defaults.
func TestInvalidPersistedBoundsFallBack(t *testing.T) {
	st := newFakeStore()
	st.PutUint16(KeyMinInterval, 100)  // below sanity floor
	st.PutUint16(KeyMaxInterval, 5000) // above sanity ceiling
	st.PutUint16(KeyOptimalInterval, 4000)

	c := NewController(&fakeBroadcaster{}, st)
	status := c.StatusNow()
	assert.Equal(t, uint16(DefaultMinInterval), status.MinInterval)
	assert.Equal(t, uint16(DefaultMaxInterval), status.MaxInterval)
	assert.Equal(t, uint16(DefaultInterval), status.CurrentInterval, "out-of-bounds optimum falls back to default")
}

// TestDisableStopsStateMachine verifies disabling parks the controller and
// re-enabling restarts calibration.
func TestDisableStopsStateMachine(t *testing.T) {
	c, _, _, t0 := monitoringController(t, 700)

	c.SetEnabled(false)
	c.Tick(t0.Add(time.Second))
	assert.Equal(t, Disabled, c.StateNow())

	c.SetEnabled(true)
	c.Tick(t0.Add(2 * time.Second))
	assert.Equal(t, Calibrating, c.StateNow())
}
