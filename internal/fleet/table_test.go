package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterReusesSlotOnReconnect verifies a worker reconnecting under the
// same hostname gets its old id back.
func TestRegisterReusesSlotOnReconnect(t *testing.T) {
	table := NewTable(TableConfig{})

	id1, ok := table.Register("node-a", "10.0.0.2:7001")
	require.True(t, ok)
	id2, ok := table.Register("node-b", "10.0.0.3:7001")
	require.True(t, ok)
	assert.NotEqual(t, id1, id2)

	// node-a comes back with a new address.
	again, ok := table.Register("node-a", "10.0.0.9:7001")
	require.True(t, ok)
	assert.Equal(t, id1, again, "same hostname must reclaim its slot")

	w, ok := table.Get(id1)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9:7001", w.Addr)
}

// TestRegisterFleetFull verifies registration fails once every slot is taken.
func TestRegisterFleetFull(t *testing.T) {
	table := NewTable(TableConfig{})
	for i := 0; i < MaxWorkers; i++ {
		_, ok := table.Register(string(rune('a'+i)), "addr")
		require.True(t, ok)
	}
	_, ok := table.Register("overflow", "addr")
	assert.False(t, ok)
}

// TestSweepStaleAndRemove walks a worker through active -> stale -> removed
// as silence grows.
func TestSweepStaleAndRemove(t *testing.T) {
	table := NewTable(TableConfig{StaleAfter: 6 * time.Second, RemoveAfter: 30 * time.Second})
	id, ok := table.Register("node-a", "addr")
	require.True(t, ok)

	now := time.Now()
	assert.False(t, table.Sweep(now), "fresh worker must not change state")
	assert.Contains(t, table.ActiveIDs(), id)

	changed := table.Sweep(now.Add(10 * time.Second))
	assert.True(t, changed, "stale transition must report a membership change")
	assert.NotContains(t, table.ActiveIDs(), id, "stale workers are excluded from partitioning")

	w, ok := table.Get(id)
	require.True(t, ok)
	assert.Equal(t, MemberStale, w.State)

	changed = table.Sweep(now.Add(40 * time.Second))
	assert.True(t, changed)
	_, ok = table.Get(id)
	assert.False(t, ok, "removed worker must vanish from the table")
}

// TestHeartbeatRecoversStaleWorker verifies a stale worker returns to active
// on its next heartbeat.
func TestHeartbeatRecoversStaleWorker(t *testing.T) {
	table := NewTable(TableConfig{StaleAfter: 6 * time.Second, RemoveAfter: 30 * time.Second})
	id, _ := table.Register("node-a", "addr")

	table.Sweep(time.Now().Add(10 * time.Second))
	assert.NotContains(t, table.ActiveIDs(), id)

	ok := table.Heartbeat(id, WorkerTelemetry{ChipTemp: 55})
	require.True(t, ok)
	assert.Contains(t, table.ActiveIDs(), id)

	w, _ := table.Get(id)
	assert.Equal(t, 55.0, w.Telem.ChipTemp)
}

// TestCreditShare verifies outcome crediting updates the per-worker counters.
func TestCreditShare(t *testing.T) {
	table := NewTable(TableConfig{})
	id, _ := table.Register("node-a", "addr")

	table.CreditShare(id, true)
	table.CreditShare(id, true)
	table.CreditShare(id, false)

	w, _ := table.Get(id)
	assert.Equal(t, uint32(3), w.SharesSubmitted)
	assert.Equal(t, uint32(2), w.SharesAccepted)
	assert.Equal(t, uint32(1), w.SharesRejected)

	// Unknown ids are ignored.
	table.CreditShare(99, true)
}
