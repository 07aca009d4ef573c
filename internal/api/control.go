package api

import (
	"errors"
	"net/http"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/failure"

	"github.com/gin-gonic/gin"
)

func (s *Server) calibrationHandler(c *gin.Context) {
	engine := s.monitor.Calibration()
	if engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Calibration is disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"factors": engine.Factors(),
		"history": engine.History(),
	})
}

func (s *Server) calibrateHandler(c *gin.Context) {
	var req collector.Reading
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := s.monitor.Calibrate(c.Request.Context(), req)
	switch {
	case errors.Is(err, collector.ErrNoMeter):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (s *Server) gatewayHandler(c *gin.Context) {
	resp := gin.H{
		"suspended": s.monitor.SuspendCount(),
	}
	if snap := s.monitor.Snapshot(); snap != nil {
		if list := snap.Gateway(); list != nil {
			resp["devices"] = list
			resp["total_power_w"] = list.TotalPower()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) suspendGatewayHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"suspended": s.monitor.Suspend()})
}

func (s *Server) resumeGatewayHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"suspended": s.monitor.Resume()})
}

func (s *Server) invalidateGatewayHandler(c *gin.Context) {
	s.monitor.InvalidateGateway()
	c.Status(http.StatusNoContent)
}

func (s *Server) standbyHandler(c *gin.Context) {
	if s.standby == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Inverter is not configured"})
		return
	}
	st, err := s.standby.StandbyState(c.Request.Context())
	if err != nil {
		code := http.StatusBadGateway
		var rejected *failure.CommandRejectedError
		if errors.As(err, &rejected) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": failure.Describe(err)})
		return
	}
	c.JSON(http.StatusOK, st)
}
