// internal/fleet/range.go
package fleet

import "fmt"

// Range is a contiguous half-open sub-range [Start, End) of the search space.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r Range) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Contains(pos uint64) bool {
	return pos >= r.Start && pos < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%X,0x%X)", r.Start, r.End)
}
