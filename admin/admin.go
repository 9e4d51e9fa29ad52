// Package admin exposes a read-only HTTP API for operators: the set of
// registered devices and their attachment state, active USB/IP
// sessions, and host resource usage. It never mutates server state.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/ardnew/usbipd/pkg"
	"github.com/ardnew/usbipd/registry"
	"github.com/ardnew/usbipd/server"
)

// Engine is the subset of server.Engine the admin API depends on.
type Engine interface {
	Sessions() []server.Info
	Registry() *registry.Registry
}

// DeviceSummary is one registered device as reported by /devices.
type DeviceSummary struct {
	BusID    string `json:"busid"`
	DevID    uint32 `json:"devid"`
	Attached bool   `json:"attached"`
	Owner    string `json:"owner,omitempty"`
}

// SessionSummary is one active connection as reported by /sessions.
type SessionSummary struct {
	Remote     string `json:"remote"`
	State      string `json:"state"`
	BusID      string `json:"busid,omitempty"`
	DevID      uint32 `json:"devid,omitempty"`
	PendingURB int    `json:"pending_urbs"`
}

// StatsResponse is the process/host resource snapshot returned by
// /stats.
type StatsResponse struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	MemTotalMB uint64  `json:"mem_total_mb"`
	MemPercent float64 `json:"mem_percent"`
	SampledAt  string  `json:"sampled_at"`
}

// Server is the admin HTTP API. It holds no mutable state of its own;
// every request reads through to the engine and registry live.
type Server struct {
	engine Engine
	router *gin.Engine
	http   *http.Server
}

// New builds an admin Server bound to addr, serving reads against eng.
func New(addr string, eng Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine: eng,
		router: router,
		http:   &http.Server{Addr: addr, Handler: router},
	}

	api := router.Group("/api/v1")
	api.GET("/devices", s.handleDevices)
	api.GET("/sessions", s.handleSessions)
	api.GET("/stats", s.handleStats)

	return s
}

// ListenAndServe blocks serving the admin API until the server is shut
// down or encounters an error other than http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	pkg.LogInfo(pkg.ComponentAdmin, "admin API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin API.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleDevices(c *gin.Context) {
	summaries := s.engine.Registry().Summaries()
	out := make([]DeviceSummary, len(summaries))
	for i, sum := range summaries {
		out[i] = DeviceSummary{
			BusID:    sum.BusID,
			DevID:    sum.DevID,
			Attached: sum.Attached,
			Owner:    sum.Owner,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSessions(c *gin.Context) {
	infos := s.engine.Sessions()
	out := make([]SessionSummary, len(infos))
	for i, info := range infos {
		out[i] = SessionSummary{
			Remote:     info.Remote,
			State:      info.State,
			BusID:      info.BusID,
			DevID:      info.DevID,
			PendingURB: info.PendingURB,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c *gin.Context) {
	percents, err := psutilcpu.Percent(0, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vmem, err := psutilmem.VirtualMemory()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		CPUPercent: cpuPct,
		MemUsedMB:  vmem.Used / (1024 * 1024),
		MemTotalMB: vmem.Total / (1024 * 1024),
		MemPercent: vmem.UsedPercent,
		SampledAt:  time.Now().UTC().Format(time.RFC3339),
	})
}
