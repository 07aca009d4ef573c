package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"energy-monitor/config"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/topology"

	"github.com/gin-gonic/gin"
)

// InverterConfigResponse represents the inverter configuration. The password
// is never returned.
type InverterConfigResponse struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// InverterConfigRequest represents a configuration update request
type InverterConfigRequest struct {
	URL            string `json:"url" binding:"required,url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TimeoutSeconds int    `json:"timeout_seconds" binding:"required,min=1,max=60"`
}

func (r InverterConfigRequest) inverterConfig(minInterval time.Duration) config.InverterConfig {
	return config.InverterConfig{
		URL:         r.URL,
		Username:    r.Username,
		Password:    r.Password,
		Timeout:     time.Duration(r.TimeoutSeconds) * time.Second,
		MinInterval: minInterval,
	}
}

func (s *Server) getInverterConfigHandler(c *gin.Context) {
	s.configMutex.RLock()
	defer s.configMutex.RUnlock()

	c.JSON(http.StatusOK, InverterConfigResponse{
		URL:            s.config.Inverter.URL,
		Username:       s.config.Inverter.Username,
		TimeoutSeconds: int(s.config.Inverter.Timeout.Seconds()),
	})
}

// probeInverter reads the inventory through a temporary client.
func probeInverter(ctx context.Context, inv config.InverterConfig) ([]topology.Entry, error) {
	client := solarapi.NewClient(solarapi.Config{Timeout: inv.Timeout, MinInterval: inv.MinInterval})
	defer client.Close()
	client.SetConnection(solarapi.Connection{
		BaseURL:  inv.URL,
		Username: inv.Username,
		Password: inv.Password,
	})
	return client.Inventory(ctx)
}

// Test inverter configuration without saving
func (s *Server) testInverterConfigHandler(c *gin.Context) {
	var req InverterConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "success": false})
		return
	}

	s.configMutex.RLock()
	inv := req.inverterConfig(s.config.Inverter.MinInterval)
	s.configMutex.RUnlock()

	entries, err := probeInverter(c.Request.Context(), inv)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   failure.Describe(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"devices": entries,
		"message": "Connection successful",
	})
}

func (s *Server) updateInverterConfigHandler(c *gin.Context) {
	var req InverterConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	log := logger.Ctx(ctx)

	s.configMutex.RLock()
	inv := req.inverterConfig(s.config.Inverter.MinInterval)
	s.configMutex.RUnlock()

	// First, test the new configuration
	if _, err := probeInverter(ctx, inv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Configuration test failed: %s", failure.Describe(err)),
		})
		return
	}

	if s.reconfigure != nil {
		if err := s.reconfigure(ctx, inv); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("Failed to apply configuration: %v", err),
			})
			return
		}
	}

	s.configMutex.Lock()
	s.config.Inverter = inv
	s.configMutex.Unlock()

	if err := config.SaveInverter(s.configPath, inv); err != nil {
		log.Warn("failed to save config to file", "error", err)
		c.JSON(http.StatusOK, gin.H{
			"message": "Configuration applied but not persisted to file",
			"warning": err.Error(),
		})
		return
	}

	log.Info("inverter configuration updated", "url", inv.URL)

	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated successfully",
	})
}
