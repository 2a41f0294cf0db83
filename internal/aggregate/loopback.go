// internal/aggregate/loopback.go
package aggregate

import (
	"sync"
	"time"

	"hashfleet/internal/dispatch"
)

// Loopback is an Upstream stand-in for demos and development without a real
// pool connection. It acknowledges every submission after Delay, rejecting
// every RejectEvery-th one.
type Loopback struct {
	// RejectEvery rejects one submission in N; zero accepts everything.
	RejectEvery int
	// Delay before the outcome is delivered.
	Delay time.Duration
	// OnOutcome receives the asynchronous outcome; the coordinator wires it
	// to the aggregator's OnUpstreamOutcome.
	OnOutcome func(submissionID int, accepted bool)

	mu    sync.Mutex
	next  int
	count int
}

func (l *Loopback) Submit(record dispatch.SubmissionRecord) (int, error) {
	l.mu.Lock()
	l.next++
	l.count++
	id := l.next
	reject := l.RejectEvery > 0 && l.count%l.RejectEvery == 0
	l.mu.Unlock()

	go func() {
		if l.Delay > 0 {
			time.Sleep(l.Delay)
		}
		if l.OnOutcome != nil {
			l.OnOutcome(id, !reject)
		}
	}()
	return id, nil
}
