// internal/dispatch/dispatcher.go
// Package dispatch issues jobs against assigned sub-ranges and attributes
// results back to the job that produced them. Attribution is keyed on the
// epoch, never on the rolling numeric id.
package dispatch

import (
	"errors"
	"log"
	"sync"
	"time"

	"hashfleet/internal/fleet"
)

// ErrStaleEpoch is returned when a result references an epoch that was never
// issued or has already been pruned. The caller counts it stale and must not
// submit it upstream.
var ErrStaleEpoch = errors.New("dispatch: stale or unknown job epoch")

// Config bounds how long completed-but-unresolved jobs are retained.
type Config struct {
	// Retention is the number of most-recent jobs kept resolvable per worker.
	Retention int
	// Grace is the minimum age before a superseded job may be pruned, so a
	// result in flight over a slow link can still be attributed.
	Grace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 4
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
}

// Dispatcher creates jobs and resolves results to them.
type Dispatcher struct {
	mu     sync.Mutex
	cfg    Config
	nextID uint8
	epoch  uint64
	jobs   map[uint64]*Job
	// perWorker holds each worker's live epochs oldest-first, for pruning.
	perWorker map[uint8][]uint64
	now       func() time.Time
}

func NewDispatcher(cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:       cfg,
		jobs:      make(map[uint64]*Job),
		perWorker: make(map[uint8][]uint64),
		now:       time.Now,
	}
}

// Dispatch issues a fresh job for the worker over the given range. The
// nonce-extension embeds the worker id in byte 0 and low timestamp bits in
// the remainder, so two workers can never collide on identical work.
func (d *Dispatcher) Dispatch(worker uint8, r fleet.Range) *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.epoch++
	id := d.nextID
	d.nextID++ // rolls over at 256

	now := d.now()
	job := &Job{
		ID:        id,
		Epoch:     d.epoch,
		Worker:    worker,
		Assigned:  r,
		Extension: deriveExtension(worker, now),
		IssuedAt:  now,
	}
	d.jobs[job.Epoch] = job
	d.perWorker[worker] = append(d.perWorker[worker], job.Epoch)
	d.pruneLocked(worker)
	return job
}

// Resolve returns the exact job issued under the given epoch.
func (d *Dispatcher) Resolve(epoch uint64) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[epoch]
	if !ok {
		return nil, ErrStaleEpoch
	}
	return job, nil
}

// Attribute builds the submission record for a result found at position
// under the given epoch. The returned record carries the resolved job's own
// extension bytes.
func (d *Dispatcher) Attribute(epoch, position uint64) (SubmissionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[epoch]
	if !ok {
		log.Printf("dispatch: result for unknown epoch %d dropped", epoch)
		return SubmissionRecord{}, ErrStaleEpoch
	}
	return SubmissionRecord{
		Epoch:     job.Epoch,
		Position:  position,
		Extension: job.Extension,
		WorkerID:  job.Worker,
		IssuedAt:  job.IssuedAt,
	}, nil
}

// Live returns the number of resolvable jobs.
func (d *Dispatcher) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// pruneLocked drops a worker's oldest epochs beyond the retention count,
// but never a job younger than the grace duration.
func (d *Dispatcher) pruneLocked(worker uint8) {
	epochs := d.perWorker[worker]
	cutoff := d.now().Add(-d.cfg.Grace)
	for len(epochs) > d.cfg.Retention {
		oldest := epochs[0]
		if job := d.jobs[oldest]; job != nil && job.IssuedAt.After(cutoff) {
			break
		}
		delete(d.jobs, oldest)
		epochs = epochs[1:]
	}
	d.perWorker[worker] = epochs
}

func deriveExtension(worker uint8, now time.Time) []byte {
	ext := make([]byte, ExtensionSize)
	ext[0] = worker + 1 // shift up one so the prefix is never zero
	ts := uint32(now.Unix())
	ext[1] = byte(ts >> 16)
	ext[2] = byte(ts >> 8)
	ext[3] = byte(ts)
	return ext
}
