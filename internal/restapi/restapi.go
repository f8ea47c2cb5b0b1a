// Package restapi exposes the supervisor's inspection and control
// surface: board listings, failed-board listing, reinitialize and
// voltage control. Handlers never touch the board registry directly;
// every mutation goes through the backplane's command channel.
package restapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mujina-miner/internal/appstate"
	"mujina-miner/internal/backplane"
	"mujina-miner/internal/config"
)

// The REST layer's outer safety band on voltage requests, wider than
// the regulator driver's own limits.
const (
	safeVoltageMin = 0.5
	safeVoltageMax = 2.0
)

// Server wires the REST routes to the backplane.
type Server struct {
	state *appstate.State
	bp    *backplane.Backplane
}

// NewRouter builds the gin engine for the supervisor API.
func NewRouter(state *appstate.State, bp *backplane.Backplane) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{state: state, bp: bp}

	api := router.Group("/api/v1")
	{
		api.GET("/boards", s.handleListBoards)
		api.GET("/boards/failed", s.handleListFailed)
		api.POST("/boards/:serial/reinitialize", s.handleReinitialize)
		api.POST("/boards/:serial/voltage", s.handleSetVoltage)
		api.GET("/config", s.handleConfig)
	}
	return router
}

type boardResponse struct {
	Serial              string  `json:"serial"`
	Kind                string  `json:"kind"`
	State               string  `json:"state"`
	Voltage             float64 `json:"voltage"`
	Current             float64 `json:"current"`
	Temperature         float64 `json:"temperature"`
	Error               string  `json:"error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	NeedsReinit         bool    `json:"needs_reinit"`
}

func (s *Server) handleListBoards(c *gin.Context) {
	reply := make(chan []backplane.BoardSummary, 1)
	s.bp.Submit(backplane.ListBoards{Reply: reply})

	select {
	case boards := <-reply:
		out := make([]boardResponse, 0, len(boards))
		for _, b := range boards {
			out = append(out, boardResponse{
				Serial:              b.Serial,
				Kind:                b.Kind,
				State:               b.Status.State.String(),
				Voltage:             b.Status.Voltage,
				Current:             b.Status.Current,
				Temperature:         b.Status.Temperature,
				Error:               b.Status.Error,
				ConsecutiveFailures: b.Status.ConsecutiveFailures,
				NeedsReinit:         b.Status.NeedsReinit,
			})
		}
		c.JSON(http.StatusOK, gin.H{"boards": out})
	case <-time.After(5 * time.Second):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backplane busy"})
	}
}

type failedBoardResponse struct {
	Serial      string `json:"serial"`
	ControlPort string `json:"control_port"`
	DataPort    string `json:"data_port"`
	Error       string `json:"error"`
}

func (s *Server) handleListFailed(c *gin.Context) {
	reply := make(chan []backplane.FailedBoard, 1)
	s.bp.Submit(backplane.ListFailedBoards{Reply: reply})

	select {
	case failed := <-reply:
		out := make([]failedBoardResponse, 0, len(failed))
		for _, fb := range failed {
			out = append(out, failedBoardResponse{
				Serial:      fb.Info.Serial,
				ControlPort: fb.Info.ControlPort,
				DataPort:    fb.Info.DataPort,
				Error:       fb.Error,
			})
		}
		c.JSON(http.StatusOK, gin.H{"failed_boards": out})
	case <-time.After(5 * time.Second):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backplane busy"})
	}
}

type reinitializeResponse struct {
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	PreviousError  string  `json:"previous_error,omitempty"`
	CurrentVoltage float64 `json:"current_voltage"`
}

func (s *Server) handleReinitialize(c *gin.Context) {
	serial := c.Param("serial")

	reply := make(chan backplane.ReinitResult, 1)
	s.bp.Submit(backplane.ReinitializeBoard{Serial: serial, Reply: reply})

	deadline := s.state.Config.InitTimeout + config.ReinitBuffer
	select {
	case res := <-reply:
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		c.JSON(status, reinitializeResponse{
			Success:        res.Success,
			Message:        res.Message,
			PreviousError:  res.PreviousError,
			CurrentVoltage: res.CurrentVoltage,
		})
	case <-time.After(deadline):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": fmt.Sprintf("no reply within %s", deadline)})
	}
}

type setVoltageRequest struct {
	Voltage float64 `json:"voltage" binding:"required"`
}

type setVoltageResponse struct {
	Success   bool    `json:"success"`
	Requested float64 `json:"requested"`
	Actual    float64 `json:"actual"`
	Message   string  `json:"message"`
}

func (s *Server) handleSetVoltage(c *gin.Context) {
	serial := c.Param("serial")

	var req setVoltageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Voltage < safeVoltageMin || req.Voltage > safeVoltageMax {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("voltage %.3f outside safety band [%.1f, %.1f]",
				req.Voltage, safeVoltageMin, safeVoltageMax),
		})
		return
	}

	reply := make(chan backplane.SetVoltageResult, 1)
	s.bp.Submit(backplane.SetBoardVoltage{Serial: serial, Voltage: req.Voltage, Reply: reply})

	select {
	case res := <-reply:
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		c.JSON(status, setVoltageResponse{
			Success:   res.Success,
			Requested: res.Requested,
			Actual:    res.Actual,
			Message:   res.Message,
		})
	case <-time.After(5 * time.Second):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backplane busy"})
	}
}

func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.state.Config
	c.JSON(http.StatusOK, gin.H{
		"init_timeout_secs": int(cfg.InitTimeout.Seconds()),
		"failure_threshold": cfg.FailureThreshold,
		"max_auto_retries":  cfg.MaxAutoRetries,
		"retry_interval":    cfg.RetryInterval.String(),
		"auto_recovery":     cfg.AutoRecovery,
	})
}
