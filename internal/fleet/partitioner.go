// internal/fleet/partitioner.go
package fleet

import "sort"

// Partitioner divides the search space among the coordinator and active
// workers. Assignments are contiguous, non-overlapping, and cover the full
// space; each participant gets ceil(size/n) except the last, which takes the
// remainder. A participant whose slice would be empty is excluded entirely
// rather than handed a degenerate range.
type Partitioner struct {
	spaceSize uint64
}

func NewPartitioner(spaceSize uint64) *Partitioner {
	return &Partitioner{spaceSize: spaceSize}
}

func (p *Partitioner) SpaceSize() uint64 {
	return p.spaceSize
}

// Repartition computes assignments for the given participant ids. Ranges are
// handed out in ascending id order. The returned map omits any participant
// that could not receive a non-empty range.
func (p *Partitioner) Repartition(participants []uint8) map[uint8]Range {
	assignments := make(map[uint8]Range, len(participants))
	if len(participants) == 0 || p.spaceSize == 0 {
		return assignments
	}

	ids := make([]uint8, len(participants))
	copy(ids, participants)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := uint64(len(ids))
	chunk := p.spaceSize / n
	if p.spaceSize%n != 0 {
		chunk++
	}

	var start uint64
	for i, id := range ids {
		if start >= p.spaceSize {
			// Space exhausted by earlier, larger chunks.
			break
		}
		end := start + chunk
		if end > p.spaceSize || i == len(ids)-1 {
			end = p.spaceSize
		}
		if end <= start {
			continue
		}
		assignments[id] = Range{Start: start, End: end}
		start = end
	}

	return assignments
}
