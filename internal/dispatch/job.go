// internal/dispatch/job.go
package dispatch

import (
	"time"

	"hashfleet/internal/fleet"
)

// ExtensionSize is the length of the per-job nonce-extension in bytes.
const ExtensionSize = 4

// Job is one unit of dispatched work. The numeric ID is a small rolling
// counter and recurs within minutes; Epoch is unique for the lifetime of the
// process and is the only safe key for attribution. A Job is immutable once
// created.
type Job struct {
	ID        uint8       `json:"id"`
	Epoch     uint64      `json:"epoch"`
	Worker    uint8       `json:"worker"`
	Assigned  fleet.Range `json:"assigned"`
	Extension []byte      `json:"extension"`
	IssuedAt  time.Time   `json:"issued_at"`
}

// SubmissionRecord is everything the aggregator needs to build an upstream
// submission. The Extension comes from the resolved job, not from whatever
// job happens to be active when the result arrives.
type SubmissionRecord struct {
	Epoch     uint64
	Position  uint64
	Extension []byte
	WorkerID  uint8
	IssuedAt  time.Time
}
