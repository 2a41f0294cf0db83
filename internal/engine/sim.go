// internal/engine/sim.go
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"hashfleet/internal/dispatch"
)

// SimEngine searches its assigned range in software with double SHA-256.
// It stands in for a hashing board in the agent binary and in tests.
type SimEngine struct {
	// Difficulty is the number of leading zero bits a digest needs to count
	// as a hit. Low values make hits frequent; tests use 8 or less.
	Difficulty int
	// BatchSize bounds how many positions are hashed between job checks.
	BatchSize uint64

	mu      sync.Mutex
	pending *dispatch.Job
	kick    chan struct{}
	results chan Result

	hashes     uint64
	rateWindow time.Time
	rate       atomic.Value // float64
}

func NewSimEngine(difficulty int) *SimEngine {
	if difficulty <= 0 {
		difficulty = 16
	}
	e := &SimEngine{
		Difficulty: difficulty,
		BatchSize:  4096,
		kick:       make(chan struct{}, 1),
		results:    make(chan Result, 16),
	}
	e.rate.Store(float64(0))
	return e
}

// Submit replaces the current job. The running search notices at its next
// batch boundary.
func (e *SimEngine) Submit(job dispatch.Job) {
	e.mu.Lock()
	e.pending = &job
	e.mu.Unlock()
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *SimEngine) Results() <-chan Result {
	return e.results
}

func (e *SimEngine) Hashrate() float64 {
	return e.rate.Load().(float64)
}

// Run searches until ctx is cancelled.
func (e *SimEngine) Run(ctx context.Context) error {
	var job *dispatch.Job
	var pos uint64
	e.rateWindow = time.Now()

	for {
		if next := e.takePending(); next != nil {
			job = next
			pos = job.Assigned.Start
			log.Printf("engine: searching %s under epoch %d", job.Assigned, job.Epoch)
		}

		if job == nil || pos >= job.Assigned.End {
			// Nothing to do until a new job arrives.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.kick:
				continue
			}
		}

		batchStart := pos
		end := pos + e.BatchSize
		if end > job.Assigned.End {
			end = job.Assigned.End
		}
		for ; pos < end; pos++ {
			digest := hashPosition(job, pos)
			if leadingZeroBits(digest) >= e.Difficulty {
				select {
				case e.results <- Result{Job: *job, Position: pos, Digest: digest}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		e.accountHashes(end - batchStart)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (e *SimEngine) takePending() *dispatch.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.pending
	e.pending = nil
	return j
}

func (e *SimEngine) accountHashes(n uint64) {
	e.hashes += n
	if elapsed := time.Since(e.rateWindow); elapsed >= time.Second {
		e.rate.Store(float64(e.hashes) / elapsed.Seconds())
		e.hashes = 0
		e.rateWindow = time.Now()
	}
}

// hashPosition builds the 80-byte preimage for a position and double-hashes
// it. The job's extension and epoch are part of the preimage, so two jobs
// never collide on identical work even over the same range.
func hashPosition(job *dispatch.Job, pos uint64) [32]byte {
	var header [80]byte
	copy(header[0:], job.Extension)
	binary.BigEndian.PutUint64(header[8:], job.Epoch)
	binary.BigEndian.PutUint64(header[72:], pos)

	first := sha256.Sum256(header[:])
	return sha256.Sum256(first[:])
}

func leadingZeroBits(digest [32]byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
