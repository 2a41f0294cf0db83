// internal/client/api.go
// Package client provides an HTTP client for the coordinator API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hashfleet/internal/fleet"
	"hashfleet/internal/telemetry"
	"hashfleet/internal/timing"
)

// WatchdogStatus mirrors the watchdog block of the status response.
type WatchdogStatus struct {
	IncreaseAllowed bool   `json:"increase_allowed"`
	Triggers        uint64 `json:"triggers"`
}

// Status is the full coordinator snapshot as served by /api/v1/status.
type Status struct {
	Telemetry telemetry.Snapshot `json:"telemetry"`
	Timing    timing.Status      `json:"timing"`
	Workers   []fleet.Worker     `json:"workers"`
	Watchdog  WatchdogStatus     `json:"watchdog"`
}

// APIClient talks to one coordinator.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a client for the given coordinator base URL, e.g.
// "http://localhost:8080".
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetStatus fetches the full snapshot.
func (c *APIClient) GetStatus() (*Status, error) {
	resp, err := c.get("/api/v1/status")
	if err != nil {
		return nil, err
	}
	var result Status
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &result, nil
}

// GetTiming fetches the timing controller state.
func (c *APIClient) GetTiming() (*timing.Status, error) {
	resp, err := c.get("/api/v1/timing")
	if err != nil {
		return nil, err
	}
	var result timing.Status
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timing status: %w", err)
	}
	return &result, nil
}

// GetWorkers fetches the worker table.
func (c *APIClient) GetWorkers() ([]fleet.Worker, error) {
	resp, err := c.get("/api/v1/workers")
	if err != nil {
		return nil, err
	}
	var result struct {
		Workers []fleet.Worker `json:"workers"`
	}
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workers: %w", err)
	}
	return result.Workers, nil
}

// SetTimingEnabled toggles the adaptive timing controller.
func (c *APIClient) SetTimingEnabled(enabled bool) error {
	endpoint := "/api/v1/timing/disable"
	if enabled {
		endpoint = "/api/v1/timing/enable"
	}
	_, err := c.post(endpoint, struct{}{})
	return err
}

// ForceCalibration restarts the controller's calibration sweep.
func (c *APIClient) ForceCalibration() error {
	_, err := c.post("/api/v1/timing/calibrate", struct{}{})
	return err
}

// PinInterval sets a manual dispatch interval.
func (c *APIClient) PinInterval(intervalMS uint16) error {
	_, err := c.post("/api/v1/timing/interval", map[string]any{"interval_ms": intervalMS})
	return err
}

// SetSetpoints requests a manual frequency/voltage change for one device.
// Worker id 0 is the coordinator's own board.
func (c *APIClient) SetSetpoints(workerID uint8, frequencyMHz, coreVoltageMV uint16) error {
	_, err := c.post("/api/v1/setpoints", map[string]any{
		"worker_id":       workerID,
		"frequency_mhz":   frequencyMHz,
		"core_voltage_mv": coreVoltageMV,
	})
	return err
}

// SetWatchdogEnabled toggles the safety watchdog.
func (c *APIClient) SetWatchdogEnabled(enabled bool) error {
	endpoint := "/api/v1/watchdog/disable"
	if enabled {
		endpoint = "/api/v1/watchdog/enable"
	}
	_, err := c.post(endpoint, struct{}{})
	return err
}

// post makes a POST request to the API
func (c *APIClient) post(endpoint string, data interface{}) (*json.RawMessage, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.HTTPClient.Post(
		c.BaseURL+endpoint,
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp)
}

// get makes a GET request to the API
func (c *APIClient) get(endpoint string) (*json.RawMessage, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (*json.RawMessage, error) {
	// Read response body first to provide better error messages
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Check for non-2xx status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Try to extract error message from response
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && (errResp.Error != "" || errResp.Message != "") {
			errMsg := errResp.Error
			if errMsg == "" {
				errMsg = errResp.Message
			}
			return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, errMsg)
		}
		// Truncate response for error message (avoid huge HTML dumps)
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, preview)
	}

	var result json.RawMessage
	if err := json.Unmarshal(respBody, &result); err != nil {
		preview := string(respBody)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		return nil, fmt.Errorf("failed to decode JSON response: %w (response: %s)", err, preview)
	}

	return &result, nil
}
