package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRepartitionEvenSplit verifies three participants over a space of 12
// each get a contiguous range of four.
func TestRepartitionEvenSplit(t *testing.T) {
	p := NewPartitioner(12)
	assignments := p.Repartition([]uint8{0, 1, 2})

	require.Len(t, assignments, 3)
	assert.Equal(t, Range{Start: 0, End: 4}, assignments[0])
	assert.Equal(t, Range{Start: 4, End: 8}, assignments[1])
	assert.Equal(t, Range{Start: 8, End: 12}, assignments[2])
}

// TestRepartitionCoversSpace verifies assignments are contiguous,
// non-overlapping, and cover the whole space when the split is uneven.
func TestRepartitionCoversSpace(t *testing.T) {
	p := NewPartitioner(10)
	assignments := p.Repartition([]uint8{2, 0, 1}) // unsorted on purpose

	require.Len(t, assignments, 3)
	// Ascending id order: each range starts where the previous ended.
	assert.Equal(t, uint64(0), assignments[0].Start)
	assert.Equal(t, assignments[0].End, assignments[1].Start)
	assert.Equal(t, assignments[1].End, assignments[2].Start)
	assert.Equal(t, uint64(10), assignments[2].End)

	var total uint64
	for _, r := range assignments {
		total += r.Size()
	}
	assert.Equal(t, uint64(10), total, "ranges must cover the whole space")
}

// TestRepartitionExcludesEmptyRanges verifies a participant whose slice
// would be empty is left out rather than handed a degenerate range.
func TestRepartitionExcludesEmptyRanges(t *testing.T) {
	p := NewPartitioner(2)
	assignments := p.Repartition([]uint8{0, 1, 2})

	assert.LessOrEqual(t, len(assignments), 2, "space of 2 cannot feed 3 participants")
	for id, r := range assignments {
		assert.NotZero(t, r.Size(), "participant %d got an empty range", id)
	}
}

// TestRepartitionSingleParticipant verifies one participant takes everything.
func TestRepartitionSingleParticipant(t *testing.T) {
	p := NewPartitioner(1 << 32)
	assignments := p.Repartition([]uint8{0})

	require.Len(t, assignments, 1)
	assert.Equal(t, Range{Start: 0, End: 1 << 32}, assignments[0])
}

// TestRepartitionNoParticipants verifies an empty participant list yields no
// assignments.
func TestRepartitionNoParticipants(t *testing.T) {
	p := NewPartitioner(100)
	assert.Empty(t, p.Repartition(nil))
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: 10, End: 20}
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(19))
	assert.False(t, r.Contains(20), "end is exclusive")
	assert.False(t, r.Contains(9))
}
