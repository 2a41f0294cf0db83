// internal/fleet/table.go
package fleet

import (
	"log"
	"sync"
	"time"
)

// MaxWorkers is the number of worker slots a coordinator manages.
const MaxWorkers = 8

// CoordinatorID is the participant id the coordinator claims for itself when
// it joins partitioning. Worker ids start at 1.
const CoordinatorID uint8 = 0

// MemberState is the membership state of a worker slot.
type MemberState int

const (
	MemberAbsent MemberState = iota
	MemberJoining
	MemberActive
	MemberStale
)

func (s MemberState) String() string {
	switch s {
	case MemberAbsent:
		return "absent"
	case MemberJoining:
		return "joining"
	case MemberActive:
		return "active"
	case MemberStale:
		return "stale"
	default:
		return "unknown"
	}
}

// WorkerTelemetry is the last health report received from a worker.
type WorkerTelemetry struct {
	Hashrate     float64 `json:"hashrate"`
	ChipTemp     float64 `json:"chip_temp"`
	Power        float64 `json:"power"`
	InputVoltage float64 `json:"input_voltage"`
	Frequency    uint16  `json:"frequency"`
	CoreVoltage  uint16  `json:"core_voltage"`
}

// Worker is one tracked fleet member. The membership state machine is owned
// by the Table; telemetry fields are updated from heartbeats and upstream
// outcomes.
type Worker struct {
	ID       uint8           `json:"id"`
	Hostname string          `json:"hostname"`
	Addr     string          `json:"addr"`
	State    MemberState     `json:"-"`
	StateStr string          `json:"state"`
	Assigned Range           `json:"assigned"`
	LastSeen time.Time       `json:"last_seen"`
	Telem    WorkerTelemetry `json:"telemetry"`

	SharesSubmitted uint32 `json:"shares_submitted"`
	SharesAccepted  uint32 `json:"shares_accepted"`
	SharesRejected  uint32 `json:"shares_rejected"`
}

// TableConfig bounds the membership timeouts.
type TableConfig struct {
	// StaleAfter is the silence window before a worker is marked stale and
	// excluded from partitioning.
	StaleAfter time.Duration
	// RemoveAfter is the silence window before the slot is reclaimed.
	RemoveAfter time.Duration
}

func (c *TableConfig) applyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * time.Second
	}
	if c.RemoveAfter <= c.StaleAfter {
		c.RemoveAfter = 30 * time.Second
	}
}

// Table tracks worker membership for a coordinator.
type Table struct {
	mu      sync.Mutex
	cfg     TableConfig
	workers [MaxWorkers]Worker
}

func NewTable(cfg TableConfig) *Table {
	cfg.applyDefaults()
	t := &Table{cfg: cfg}
	for i := range t.workers {
		t.workers[i].ID = uint8(i + 1)
		t.workers[i].State = MemberAbsent
	}
	return t
}

// Register admits a worker, reusing its old slot when the same hostname
// reconnects, otherwise taking the first free slot. Returns the assigned id.
func (t *Table) Register(hostname, addr string) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.workers {
		if t.workers[i].State != MemberAbsent && t.workers[i].Hostname == hostname {
			slot = i
			log.Printf("fleet: worker %q reconnecting to slot %d", hostname, i)
			break
		}
		if slot < 0 && t.workers[i].State == MemberAbsent {
			slot = i
		}
	}
	if slot < 0 {
		log.Printf("fleet: no free slots for worker %q", hostname)
		return 0, false
	}

	w := &t.workers[slot]
	w.Hostname = hostname
	w.Addr = addr
	w.State = MemberActive
	w.LastSeen = time.Now()
	log.Printf("fleet: registered worker %q as id %d", hostname, w.ID)
	return w.ID, true
}

func (t *Table) slot(id uint8) int {
	if id < 1 || int(id) > len(t.workers) {
		return -1
	}
	return int(id) - 1
}

// Heartbeat refreshes a worker's liveness and telemetry. A stale worker
// returns to active on its next heartbeat.
func (t *Table) Heartbeat(id uint8, telem WorkerTelemetry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.slot(id)
	if i < 0 {
		return false
	}
	w := &t.workers[i]
	if w.State == MemberAbsent {
		return false
	}
	w.LastSeen = time.Now()
	w.Telem = telem
	if w.State == MemberStale {
		w.State = MemberActive
		log.Printf("fleet: worker %d recovered from stale state", id)
	}
	return true
}

// Sweep applies the silence timeouts. It returns true when membership
// changed, which signals the caller to repartition.
func (t *Table) Sweep(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for i := range t.workers {
		w := &t.workers[i]
		if w.State == MemberAbsent {
			continue
		}
		silence := now.Sub(w.LastSeen)
		switch {
		case silence > t.cfg.RemoveAfter:
			log.Printf("fleet: worker %d (%q) removed after %v of silence", w.ID, w.Hostname, silence.Round(time.Second))
			*w = Worker{ID: w.ID, State: MemberAbsent}
			changed = true
		case silence > t.cfg.StaleAfter && w.State == MemberActive:
			log.Printf("fleet: worker %d marked stale", w.ID)
			w.State = MemberStale
			changed = true
		}
	}
	return changed
}

// ActiveIDs returns the ids of workers eligible for partitioning.
func (t *Table) ActiveIDs() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint8
	for i := range t.workers {
		if t.workers[i].State == MemberActive {
			ids = append(ids, t.workers[i].ID)
		}
	}
	return ids
}

// SetAssignment records the sub-range a worker was handed by the partitioner.
func (t *Table) SetAssignment(id uint8, r Range) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.slot(id); i >= 0 {
		t.workers[i].Assigned = r
	}
}

// CreditShare updates a worker's submission counters after an upstream
// outcome arrives.
func (t *Table) CreditShare(id uint8, accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.slot(id)
	if i < 0 || t.workers[i].State == MemberAbsent {
		return
	}
	t.workers[i].SharesSubmitted++
	if accepted {
		t.workers[i].SharesAccepted++
	} else {
		t.workers[i].SharesRejected++
	}
}

// Get returns a copy of the worker in the given slot.
func (t *Table) Get(id uint8) (Worker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.slot(id)
	if i < 0 || t.workers[i].State == MemberAbsent {
		return Worker{}, false
	}
	w := t.workers[i]
	w.StateStr = w.State.String()
	return w, true
}

// Snapshot returns copies of all occupied slots.
func (t *Table) Snapshot() []Worker {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Worker
	for i := range t.workers {
		if t.workers[i].State == MemberAbsent {
			continue
		}
		w := t.workers[i]
		w.StateStr = w.State.String()
		out = append(out, w)
	}
	return out
}
