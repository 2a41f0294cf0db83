// internal/aggregate/aggregator.go
// Package aggregate funnels attributed results into the single upstream
// connection and routes the asynchronous accept/reject outcomes back to the
// telemetry counters, the fleet table, and the timing controller.
package aggregate

import (
	"fmt"
	"log"
	"sync"

	"hashfleet/internal/dispatch"
	"hashfleet/internal/fleet"
	"hashfleet/internal/telemetry"
)

// maxPending is the size of the pending-submission ring. A slot is recycled
// after its outcome arrives or once the ring wraps.
const maxPending = 64

// Upstream is the single shared submission connection. Submit returns the
// upstream's numeric submission id; the accept/reject outcome arrives later
// through the owner calling OnUpstreamOutcome with that id.
type Upstream interface {
	Submit(record dispatch.SubmissionRecord) (int, error)
}

// OutcomeSink receives every upstream outcome synchronously, before
// OnUpstreamOutcome returns. The timing controller implements this.
type OutcomeSink interface {
	RecordOutcome(accepted bool)
}

type pendingShare struct {
	submissionID int
	workerID     uint8
	valid        bool
}

// Aggregator owns the submission path.
type Aggregator struct {
	mu      sync.Mutex
	pending [maxPending]pendingShare
	next    int

	upstream Upstream
	channel  *telemetry.Channel
	table    *fleet.Table
	sink     OutcomeSink
}

func NewAggregator(upstream Upstream, channel *telemetry.Channel, table *fleet.Table, sink OutcomeSink) *Aggregator {
	return &Aggregator{
		upstream: upstream,
		channel:  channel,
		table:    table,
		sink:     sink,
	}
}

// Submit forwards an attributed result upstream and remembers which worker
// it came from so the outcome can be credited back.
func (a *Aggregator) Submit(record dispatch.SubmissionRecord) error {
	id, err := a.upstream.Submit(record)
	if err != nil {
		return fmt.Errorf("submit share for worker %d: %w", record.WorkerID, err)
	}

	a.mu.Lock()
	slot := &a.pending[a.next%maxPending]
	slot.submissionID = id
	slot.workerID = record.WorkerID
	slot.valid = true
	a.next++
	a.mu.Unlock()
	return nil
}

// OnUpstreamOutcome resolves a submission id to its worker and applies the
// outcome. Counters and the fleet table are updated, then the sink is called
// synchronously; a reader of the counters inside RecordOutcome already sees
// this outcome included. Rejected shares are not retried.
func (a *Aggregator) OnUpstreamOutcome(submissionID int, accepted bool) {
	workerID, found := a.take(submissionID)
	if !found {
		log.Printf("aggregate: outcome for unknown submission %d ignored", submissionID)
		return
	}

	if accepted {
		a.channel.CountAccepted()
	} else {
		a.channel.CountRejected()
		log.Printf("aggregate: share from worker %d rejected upstream", workerID)
	}
	a.table.CreditShare(workerID, accepted)
	if a.sink != nil {
		a.sink.RecordOutcome(accepted)
	}
}

func (a *Aggregator) take(submissionID int) (uint8, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.pending {
		if a.pending[i].valid && a.pending[i].submissionID == submissionID {
			a.pending[i].valid = false
			return a.pending[i].workerID, true
		}
	}
	return 0, false
}
