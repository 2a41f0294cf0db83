// internal/agent/agent.go
// Package agent runs the worker role: register with the coordinator, work
// the assigned range, heartbeat telemetry, and report every hit with its
// job epoch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"hashfleet/internal/config"
	"hashfleet/internal/engine"
	"hashfleet/internal/fleet"
	"hashfleet/internal/telemetry"
	"hashfleet/internal/transport"
)

// rejoinAfter is how long the agent tolerates coordinator silence before it
// re-registers. Longer than the coordinator's stale timeout so a single lost
// datagram doesn't cause a churn of re-registrations.
const rejoinAfter = 15 * time.Second

// Agent is one worker process.
type Agent struct {
	cfg     config.Agent
	conn    *transport.Conn
	channel *telemetry.Channel
	engine  *engine.SimEngine
	sampler *telemetry.Sampler

	mu          sync.Mutex
	workerID    uint8
	registered  bool
	lastContact time.Time

	wg sync.WaitGroup
}

func New(cfg config.Agent) (*Agent, error) {
	conn, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	channel := telemetry.NewChannel()
	return &Agent{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
		engine:  engine.NewSimEngine(cfg.Difficulty),
		sampler: telemetry.NewSampler(channel, &telemetry.HostSource{}, 5*time.Second),
	}, nil
}

// Run works until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("agent: %q listening on %s, coordinator %s", a.cfg.Hostname, a.conn.LocalAddr(), a.cfg.CoordinatorAddr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.conn.Run(ctx, a.handleMessage)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("agent: engine stopped: %v", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sampler.Run(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.resultLoop(ctx)
	}()

	a.register()

	a.heartbeatLoop(ctx)
	a.conn.Close()
	a.wg.Wait()
	return nil
}

func (a *Agent) register() {
	a.conn.Send(a.cfg.CoordinatorAddr, transport.TypeRegister, transport.Register{
		Hostname:   a.cfg.Hostname,
		ListenAddr: a.conn.LocalAddr(),
	})
}

// heartbeatLoop sends liveness and telemetry, and re-registers after too
// much coordinator silence.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.mu.Lock()
			registered := a.registered
			id := a.workerID
			silent := now.Sub(a.lastContact)
			a.mu.Unlock()

			if !registered || silent > rejoinAfter {
				if registered {
					log.Printf("agent: no coordinator contact for %v, re-registering", silent.Round(time.Second))
					a.mu.Lock()
					a.registered = false
					a.mu.Unlock()
				}
				a.register()
				continue
			}

			h := a.channel.GetHealth()
			a.conn.Send(a.cfg.CoordinatorAddr, transport.TypeHeartbeat, transport.Heartbeat{
				WorkerID: id,
				Telemetry: fleet.WorkerTelemetry{
					Hashrate:     a.engine.Hashrate(),
					ChipTemp:     h.ChipTemp,
					Power:        h.Power,
					InputVoltage: h.InputVoltage,
					Frequency:    h.Frequency,
					CoreVoltage:  h.CoreVoltage,
				},
			})
		}
	}
}

// resultLoop forwards every engine hit with the epoch of the job it was
// found under.
func (a *Agent) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-a.engine.Results():
			a.mu.Lock()
			id := a.workerID
			a.mu.Unlock()
			a.conn.Send(a.cfg.CoordinatorAddr, transport.TypeResult, transport.Result{
				WorkerID: id,
				Epoch:    res.Job.Epoch,
				JobID:    res.Job.ID,
				Position: res.Position,
			})
		}
	}
}

func (a *Agent) handleMessage(from *net.UDPAddr, env transport.Envelope) {
	a.mu.Lock()
	a.lastContact = time.Now()
	a.mu.Unlock()

	switch env.Type {
	case transport.TypeRegisterAck:
		var msg transport.RegisterAck
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("agent: %v", err)
			return
		}
		if !msg.OK {
			log.Printf("agent: registration refused by coordinator")
			return
		}
		a.mu.Lock()
		a.workerID = msg.WorkerID
		a.registered = true
		a.mu.Unlock()
		log.Printf("agent: registered as worker %d, interval %dms", msg.WorkerID, msg.IntervalMS)
	case transport.TypeWork:
		var msg transport.Work
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("agent: %v", err)
			return
		}
		a.engine.Submit(msg.Job)
	case transport.TypeTiming:
		var msg transport.Timing
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("agent: %v", err)
			return
		}
		log.Printf("agent: dispatch interval now %dms", msg.IntervalMS)
	case transport.TypeSetpoints:
		var msg transport.Setpoints
		if err := transport.Decode(env, &msg); err != nil {
			log.Printf("agent: %v", err)
			return
		}
		log.Printf("agent: set-points corrected to %dMHz / %dmV", msg.FrequencyMHz, msg.CoreVoltageMV)
		a.channel.SetSetpoints(msg.FrequencyMHz, msg.CoreVoltageMV)
	default:
		log.Printf("agent: ignoring %q from %s", env.Type, from)
	}
}
