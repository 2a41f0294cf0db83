// internal/api/server.go
// Package api serves the HTTP status and control surface for a coordinator.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hashfleet/internal/coordinator"
	"hashfleet/internal/watchdog"
)

// StatusResponse is the full coordinator snapshot.
type StatusResponse struct {
	Telemetry any `json:"telemetry"`
	Timing    any `json:"timing"`
	Workers   any `json:"workers"`
	Watchdog  any `json:"watchdog"`
}

// Server exposes a coordinator over HTTP.
type Server struct {
	coord *coordinator.Coordinator
	http  *http.Server
}

func NewServer(addr string, coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{coord: coord}

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/timing", s.handleTiming)
		api.GET("/workers", s.handleWorkers)
		api.GET("/health", s.handleHealth)

		api.POST("/timing/enable", s.handleTimingEnable)
		api.POST("/timing/disable", s.handleTimingDisable)
		api.POST("/timing/calibrate", s.handleTimingCalibrate)
		api.POST("/timing/interval", s.handleTimingInterval)
		api.POST("/watchdog/enable", s.handleWatchdogEnable)
		api.POST("/watchdog/disable", s.handleWatchdogDisable)
		api.POST("/setpoints", s.handleSetpoints)
	}

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Telemetry: s.coord.Channel.GetSnapshot(),
		Timing:    s.coord.Controller.StatusNow(),
		Workers:   s.coord.Table.Snapshot(),
		Watchdog: gin.H{
			"increase_allowed": s.coord.Watchdog.IncreaseAllowed(),
			"triggers":         s.coord.Watchdog.Triggers(),
		},
	})
}

func (s *Server) handleTiming(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Controller.StatusNow())
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.coord.Table.Snapshot()})
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.coord.Channel.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"health":    snap.Health,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleTimingEnable(c *gin.Context) {
	s.coord.Controller.SetEnabled(true)
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) handleTimingDisable(c *gin.Context) {
	s.coord.Controller.SetEnabled(false)
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (s *Server) handleTimingCalibrate(c *gin.Context) {
	s.coord.Controller.ForceCalibration(time.Now())
	c.JSON(http.StatusOK, gin.H{"state": s.coord.Controller.StateNow().String()})
}

// handleTimingInterval pins a manual interval; the controller locks to it.
func (s *Server) handleTimingInterval(c *gin.Context) {
	var req struct {
		IntervalMS uint16 `json:"interval_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.coord.Controller.PinInterval(req.IntervalMS); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.coord.Controller.StatusNow())
}

// handleSetpoints requests a manual frequency/voltage change. Increases are
// refused with 409 while the watchdog's cooldown is in force.
func (s *Server) handleSetpoints(c *gin.Context) {
	var req struct {
		WorkerID      uint8  `json:"worker_id"`
		FrequencyMHz  uint16 `json:"frequency_mhz"`
		CoreVoltageMV uint16 `json:"core_voltage_mv"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := s.coord.Watchdog.RequestSetpoints(time.Now(), req.WorkerID, req.FrequencyMHz, req.CoreVoltageMV)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, watchdog.ErrCooldown) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id":       req.WorkerID,
		"frequency_mhz":   req.FrequencyMHz,
		"core_voltage_mv": req.CoreVoltageMV,
	})
}

func (s *Server) handleWatchdogEnable(c *gin.Context) {
	s.coord.Watchdog.SetEnabled(true)
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) handleWatchdogDisable(c *gin.Context) {
	s.coord.Watchdog.SetEnabled(false)
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}
