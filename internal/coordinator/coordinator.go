// internal/coordinator/coordinator.go
// Package coordinator composes the fleet service: membership, partitioning,
// dispatch, result aggregation, adaptive timing, and the safety watchdog.
// All state hangs off the Coordinator struct; nothing lives in package
// globals.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"hashfleet/internal/aggregate"
	"hashfleet/internal/config"
	"hashfleet/internal/dispatch"
	"hashfleet/internal/engine"
	"hashfleet/internal/fleet"
	"hashfleet/internal/store"
	"hashfleet/internal/telemetry"
	"hashfleet/internal/timing"
	"hashfleet/internal/transport"
	"hashfleet/internal/watchdog"
)

// Coordinator runs the master role of the fleet.
type Coordinator struct {
	cfg config.Coordinator

	Channel     *telemetry.Channel
	Table       *fleet.Table
	Partitioner *fleet.Partitioner
	Dispatcher  *dispatch.Dispatcher
	Aggregator  *aggregate.Aggregator
	Controller  *timing.Controller
	Watchdog    *watchdog.Watchdog
	Engine      *engine.SimEngine
	Store       *store.Store

	conn    *transport.Conn
	sampler *telemetry.Sampler

	mu          sync.Mutex
	assignments map[uint8]fleet.Range

	wg sync.WaitGroup
}

// New wires a coordinator from config. Call Run to start it and Close to
// release the settings store.
func New(cfg config.Coordinator) (*Coordinator, error) {
	if cfg.SpaceBits <= 0 || cfg.SpaceBits > 63 {
		cfg.SpaceBits = 32
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	conn, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c := &Coordinator{
		cfg:         cfg,
		Channel:     telemetry.NewChannel(),
		Table:       fleet.NewTable(fleet.TableConfig{StaleAfter: cfg.StaleAfter, RemoveAfter: cfg.RemoveAfter}),
		Partitioner: fleet.NewPartitioner(1 << uint(cfg.SpaceBits)),
		Dispatcher:  dispatch.NewDispatcher(dispatch.Config{}),
		Engine:      engine.NewSimEngine(0),
		Store:       st,
		conn:        conn,
		assignments: make(map[uint8]fleet.Range),
	}

	c.Controller = timing.NewController(c, st)
	c.Watchdog = watchdog.New(watchdog.Config{
		CheckInterval:   cfg.WatchdogPeriod,
		ChipTempLimit:   cfg.ChipTempLimit,
		MinInputVoltage: cfg.MinInputVoltage,
	}, c.Channel, c.Table, c.Controller, nil, c)

	loop := &aggregate.Loopback{RejectEvery: cfg.RejectEvery, Delay: 50 * time.Millisecond}
	c.Aggregator = aggregate.NewAggregator(loop, c.Channel, c.Table, c.Controller)
	loop.OnOutcome = c.Aggregator.OnUpstreamOutcome

	c.sampler = telemetry.NewSampler(c.Channel, &telemetry.HostSource{}, 5*time.Second)
	return c, nil
}

// Run starts every loop and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Printf("coordinator: listening on %s, search space 2^%d", c.conn.LocalAddr(), c.cfg.SpaceBits)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.conn.Run(ctx, c.handleMessage)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("coordinator: engine stopped: %v", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.resultLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tickLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Watchdog.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sampler.Run(ctx)
	}()

	c.repartition()

	<-ctx.Done()
	c.conn.Close()
	c.wg.Wait()
	return nil
}

// Close releases the settings store.
func (c *Coordinator) Close() error {
	return c.Store.Close()
}

// BroadcastInterval implements timing.Broadcaster: every known worker gets
// the new interval as a fire-and-forget datagram.
func (c *Coordinator) BroadcastInterval(intervalMS uint16) {
	for _, w := range c.Table.Snapshot() {
		if w.Addr == "" {
			continue
		}
		c.conn.Send(w.Addr, transport.TypeTiming, transport.Timing{IntervalMS: intervalMS})
	}
}

// SendSetpoints implements watchdog.CommandSender.
func (c *Coordinator) SendSetpoints(workerID uint8, frequencyMHz, coreVoltageMV uint16) {
	w, ok := c.Table.Get(workerID)
	if !ok || w.Addr == "" {
		return
	}
	c.conn.Send(w.Addr, transport.TypeSetpoints, transport.Setpoints{
		FrequencyMHz:  frequencyMHz,
		CoreVoltageMV: coreVoltageMV,
	})
}

// --- loops ---

// tickLoop drives the 1 s cadences: the timing state machine and the
// membership sweep.
func (c *Coordinator) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Controller.Tick(now)
			if c.Table.Sweep(now) {
				c.repartition()
			}
		}
	}
}

// dispatchLoop issues fresh jobs to every participant at the controller's
// current interval. The timer is re-armed from the interval each cycle, so
// controller adjustments take effect on the next dispatch.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	timer := time.NewTimer(c.Controller.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.dispatchAll()
			timer.Reset(c.Controller.Interval())
		}
	}
}

// resultLoop drains the local engine. Engine results carry the exact job
// they were found under, so the record is built straight from it.
func (c *Coordinator) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-c.Engine.Results():
			record := dispatch.SubmissionRecord{
				Epoch:     res.Job.Epoch,
				Position:  res.Position,
				Extension: res.Job.Extension,
				WorkerID:  fleet.CoordinatorID,
				IssuedAt:  res.Job.IssuedAt,
			}
			if err := c.Aggregator.Submit(record); err != nil {
				log.Printf("coordinator: local submit failed: %v", err)
			}
		}
	}
}

// --- dispatch and partitioning ---

func (c *Coordinator) repartition() {
	participants := append([]uint8{fleet.CoordinatorID}, c.Table.ActiveIDs()...)
	assignments := c.Partitioner.Repartition(participants)

	c.mu.Lock()
	c.assignments = assignments
	c.mu.Unlock()

	for id, r := range assignments {
		if id != fleet.CoordinatorID {
			c.Table.SetAssignment(id, r)
		}
	}
	log.Printf("coordinator: repartitioned across %d participants", len(assignments))
	c.dispatchAll()
}

func (c *Coordinator) dispatchAll() {
	c.mu.Lock()
	assignments := make(map[uint8]fleet.Range, len(c.assignments))
	for id, r := range c.assignments {
		assignments[id] = r
	}
	c.mu.Unlock()

	for id, r := range assignments {
		job := c.Dispatcher.Dispatch(id, r)
		if id == fleet.CoordinatorID {
			c.Engine.Submit(*job)
			continue
		}
		w, ok := c.Table.Get(id)
		if !ok || w.Addr == "" {
			continue
		}
		c.conn.Send(w.Addr, transport.TypeWork, transport.Work{Job: *job})
	}
}

// --- message handling ---

func (c *Coordinator) handleMessage(from *net.UDPAddr, env transport.Envelope) {
	switch env.Type {
	case transport.TypeRegister:
		var msg transport.Register
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("coordinator: %v", err)
			return
		}
		c.handleRegister(from, msg)
	case transport.TypeHeartbeat:
		var msg transport.Heartbeat
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("coordinator: %v", err)
			return
		}
		c.Table.Heartbeat(msg.WorkerID, msg.Telemetry)
	case transport.TypeResult:
		var msg transport.Result
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("coordinator: %v", err)
			return
		}
		c.handleResult(msg)
	default:
		log.Printf("coordinator: ignoring %q from %s", env.Type, from)
	}
}

func (c *Coordinator) handleRegister(from *net.UDPAddr, msg transport.Register) {
	addr := msg.ListenAddr
	if addr == "" {
		addr = from.String()
	}
	id, ok := c.Table.Register(msg.Hostname, addr)
	c.conn.Send(addr, transport.TypeRegisterAck, transport.RegisterAck{
		WorkerID:   id,
		IntervalMS: c.Controller.IntervalMS(),
		OK:         ok,
	})
	if ok {
		c.repartition()
	}
}

// handleResult attributes a worker's result by epoch and submits it. A
// result against a pruned epoch is counted stale and dropped.
func (c *Coordinator) handleResult(msg transport.Result) {
	record, err := c.Dispatcher.Attribute(msg.Epoch, msg.Position)
	if err != nil {
		if errors.Is(err, dispatch.ErrStaleEpoch) {
			c.Channel.CountStale()
			return
		}
		log.Printf("coordinator: attribution failed: %v", err)
		return
	}
	if err := c.Aggregator.Submit(record); err != nil {
		log.Printf("coordinator: submit for worker %d failed: %v", record.WorkerID, err)
	}
}
