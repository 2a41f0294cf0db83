package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashfleet/internal/fleet"
)

// TestDispatchStampsUniqueEpochs verifies every job gets a fresh epoch even
// as the numeric id rolls over.
func TestDispatchStampsUniqueEpochs(t *testing.T) {
	d := NewDispatcher(Config{Retention: 300})
	r := fleet.Range{Start: 0, End: 100}

	seen := make(map[uint64]bool)
	var firstID, wrapped uint8
	for i := 0; i < 300; i++ {
		job := d.Dispatch(1, r)
		assert.False(t, seen[job.Epoch], "epoch %d reused", job.Epoch)
		seen[job.Epoch] = true
		if i == 0 {
			firstID = job.ID
		}
		if i == 256 {
			wrapped = job.ID
		}
	}
	assert.Equal(t, firstID, wrapped, "numeric id rolls over after 256 jobs")
}

// TestAttributeUsesResolvedJobExtension verifies the submission record
// carries the extension of the job named by the epoch, not the most recent
// job's, even when both share a numeric id.
func TestAttributeUsesResolvedJobExtension(t *testing.T) {
	d := NewDispatcher(Config{Retention: 300})
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }

	r := fleet.Range{Start: 0, End: 1000}
	old := d.Dispatch(2, r)

	// The id rolls over; a later job reuses old.ID with different bytes.
	clock = clock.Add(257 * time.Second)
	var current *Job
	for i := 0; i < 256; i++ {
		current = d.Dispatch(2, r)
	}
	require.Equal(t, old.ID, current.ID, "numeric id must have wrapped")
	require.NotEqual(t, old.Extension, current.Extension)

	record, err := d.Attribute(old.Epoch, 42)
	require.NoError(t, err)
	assert.Equal(t, old.Extension, record.Extension, "record must carry the resolved job's extension")
	assert.Equal(t, old.Epoch, record.Epoch)
	assert.Equal(t, uint8(2), record.WorkerID)
	assert.Equal(t, uint64(42), record.Position)
}

// TestAttributePrunedEpochIsStale verifies a result against a pruned epoch
// comes back as ErrStaleEpoch.
func TestAttributePrunedEpochIsStale(t *testing.T) {
	d := NewDispatcher(Config{Retention: 1, Grace: time.Millisecond})
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }

	r := fleet.Range{Start: 0, End: 100}
	first := d.Dispatch(1, r)

	// Enough newer jobs past the grace period push the first one out.
	clock = clock.Add(time.Second)
	d.Dispatch(1, r)
	clock = clock.Add(time.Second)
	d.Dispatch(1, r)

	_, err := d.Attribute(first.Epoch, 7)
	assert.ErrorIs(t, err, ErrStaleEpoch)

	_, err = d.Resolve(first.Epoch)
	assert.ErrorIs(t, err, ErrStaleEpoch)
}

// TestGraceKeepsRecentJobsResolvable verifies retention pruning spares jobs
// younger than the grace duration.
func TestGraceKeepsRecentJobsResolvable(t *testing.T) {
	d := NewDispatcher(Config{Retention: 1, Grace: time.Hour})

	r := fleet.Range{Start: 0, End: 100}
	first := d.Dispatch(1, r)
	d.Dispatch(1, r)
	d.Dispatch(1, r)

	_, err := d.Resolve(first.Epoch)
	assert.NoError(t, err, "jobs inside the grace window must stay resolvable")
	assert.Equal(t, 3, d.Live())
}

// TestExtensionTimestampMatchesIssuedAt verifies the extension entropy and
// the issue timestamp come from the same clock reading even when the clock
// advances between calls.
func TestExtensionTimestampMatchesIssuedAt(t *testing.T) {
	d := NewDispatcher(Config{})
	base := time.Unix(1_700_000_000, 0)
	calls := 0
	d.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	job := d.Dispatch(1, fleet.Range{Start: 0, End: 100})

	ts := uint32(job.IssuedAt.Unix())
	assert.Equal(t, byte(ts>>16), job.Extension[1])
	assert.Equal(t, byte(ts>>8), job.Extension[2])
	assert.Equal(t, byte(ts), job.Extension[3])
}

// TestExtensionEmbedsWorkerID verifies byte 0 of the extension identifies
// the worker, offset past the coordinator's own prefix.
func TestExtensionEmbedsWorkerID(t *testing.T) {
	d := NewDispatcher(Config{})
	r := fleet.Range{Start: 0, End: 100}

	coord := d.Dispatch(fleet.CoordinatorID, r)
	worker := d.Dispatch(3, r)

	require.Len(t, coord.Extension, ExtensionSize)
	assert.Equal(t, byte(1), coord.Extension[0])
	assert.Equal(t, byte(4), worker.Extension[0])
}
