// internal/transport/messages.go
package transport

import (
	"encoding/json"
	"fmt"

	"hashfleet/internal/dispatch"
	"hashfleet/internal/fleet"
)

// Message types carried in the envelope.
const (
	TypeRegister    = "register"
	TypeRegisterAck = "register_ack"
	TypeHeartbeat   = "heartbeat"
	TypeWork        = "work"
	TypeResult      = "result"
	TypeTiming      = "timing"
	TypeSetpoints   = "setpoints"
)

// Envelope wraps every datagram. The payload stays raw until the type is
// known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Register is a worker announcing itself to the coordinator.
type Register struct {
	Hostname   string `json:"hostname"`
	ListenAddr string `json:"listen_addr"`
}

// RegisterAck hands the worker its id and the interval in force.
type RegisterAck struct {
	WorkerID   uint8  `json:"worker_id"`
	IntervalMS uint16 `json:"interval_ms"`
	OK         bool   `json:"ok"`
}

// Heartbeat carries a worker's periodic liveness and telemetry.
type Heartbeat struct {
	WorkerID  uint8                 `json:"worker_id"`
	Telemetry fleet.WorkerTelemetry `json:"telemetry"`
}

// Work hands a job to a worker.
type Work struct {
	Job dispatch.Job `json:"job"`
}

// Result reports a hit found by a worker. Epoch identifies the job; the
// coordinator resolves it, never trusting the rolling job id.
type Result struct {
	WorkerID uint8  `json:"worker_id"`
	Epoch    uint64 `json:"epoch"`
	JobID    uint8  `json:"job_id"`
	Position uint64 `json:"position"`
}

// Timing broadcasts a dispatch-interval change.
type Timing struct {
	IntervalMS uint16 `json:"interval_ms"`
}

// Setpoints pushes a frequency/voltage correction to a worker.
type Setpoints struct {
	FrequencyMHz  uint16 `json:"frequency_mhz"`
	CoreVoltageMV uint16 `json:"core_voltage_mv"`
}

// Encode builds an envelope around the payload.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode unmarshals an envelope's payload into out.
func Decode(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
