package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"energy-monitor/config"
	"energy-monitor/internal/calibration"
	"energy-monitor/internal/collector"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/storage"
	"energy-monitor/internal/window"

	"github.com/gin-gonic/gin"
)

// Monitor is the running collector as seen by the API.
type Monitor interface {
	Status() collector.Status
	Snapshot() *installation.Snapshot
	Window() *window.Window
	Corrected(pf *installation.PowerFlowSample) *collector.CorrectedPower
	Calibration() *calibration.Engine
	Calibrate(ctx context.Context, r collector.Reading) (calibration.HistoryItem, error)
	Suspend() int32
	Resume() int32
	SuspendCount() int32
	InvalidateGateway()
}

// Readings is the reading history. It is optional.
type Readings interface {
	GetLatestReading() (*storage.PowerFlowReading, error)
	GetReadingsByRange(from, to time.Time) ([]storage.PowerFlowReading, error)
	GetReadingsWithLimit(limit int) ([]storage.PowerFlowReading, error)
	GetDailyStats(date time.Time) (*storage.DailyStats, error)
	GetAverageSolarForTimeOfDay(now time.Time, days int, bucketMinutes int) (float64, int, error)
}

// StandbyReader reads the inverter standby state.
type StandbyReader interface {
	StandbyState(ctx context.Context) (*solarapi.StandbyStatus, error)
}

// Reconfigurer points the running collector at a new inverter.
type Reconfigurer func(ctx context.Context, inv config.InverterConfig) error

type Server struct {
	router      *gin.Engine
	server      *http.Server
	monitor     Monitor
	readings    Readings
	standby     StandbyReader
	reconfigure Reconfigurer
	port        int
	log         *slog.Logger
	config      *config.Config
	configPath  string
	configMutex sync.RWMutex
	now         func() time.Time
}

type ServerConfig struct {
	Port        int
	Monitor     Monitor
	Readings    Readings
	Standby     StandbyReader
	Reconfigure Reconfigurer
	Config      *config.Config
	ConfigPath  string
	Logger      *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config == nil {
		cfg.Config = &config.Config{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:      router,
		monitor:     cfg.Monitor,
		readings:    cfg.Readings,
		standby:     cfg.Standby,
		reconfigure: cfg.Reconfigure,
		port:        cfg.Port,
		log:         cfg.Logger,
		config:      cfg.Config,
		configPath:  cfg.ConfigPath,
		now:         time.Now,
	}

	s.setupRoutes()
	return s
}

// requestLogger puts a request-scoped logger into the request context and
// logs one line per request.
func requestLogger(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := l.With("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(logger.With(c.Request.Context(), reqLog))

		c.Next()

		reqLog.Debug("request",
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/snapshot", s.snapshotHandler)
		api.GET("/powerflow", s.powerFlowHandler)
		api.GET("/readings", s.readingsHandler)
		api.GET("/readings/latest", s.latestReadingHandler)
		api.GET("/stats/daily", s.dailyStatsHandler)
		api.GET("/insights/production", s.productionInsightsHandler)

		api.GET("/calibration", s.calibrationHandler)
		api.POST("/calibration", s.calibrateHandler)

		api.GET("/gateway", s.gatewayHandler)
		api.POST("/gateway/suspend", s.suspendGatewayHandler)
		api.POST("/gateway/resume", s.resumeGatewayHandler)
		api.POST("/gateway/invalidate", s.invalidateGatewayHandler)

		api.GET("/inverter/standby", s.standbyHandler)

		// Config routes
		api.GET("/config/inverter", s.getInverterConfigHandler)
		api.PUT("/config/inverter", s.updateInverterConfigHandler)
		api.POST("/config/inverter/test", s.testInverterConfigHandler)
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("API server starting", "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	st := s.monitor.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"collecting":   st.State == collector.Running,
		"connectivity": st.Connectivity,
		"timestamp":    s.now(),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Status())
}

func (s *Server) snapshotHandler(c *gin.Context) {
	snap := s.monitor.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) powerFlowHandler(c *gin.Context) {
	snap := s.monitor.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	pf := snap.PowerFlow()
	if pf == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sample":    pf,
		"corrected": s.monitor.Corrected(pf),
		"window":    s.monitor.Window().Stats(),
	})
}

func (s *Server) requireReadings(c *gin.Context) bool {
	if s.readings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reading history is disabled"})
		return false
	}
	return true
}

func (s *Server) readingsHandler(c *gin.Context) {
	if !s.requireReadings(c) {
		return
	}
	fromStr := c.Query("from")
	toStr := c.Query("to")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return
		}

		readings, err := s.readings.GetReadingsByRange(from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, readings)
		return
	}

	readings, err := s.readings.GetReadingsWithLimit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) latestReadingHandler(c *gin.Context) {
	if !s.requireReadings(c) {
		return
	}
	reading, err := s.readings.GetLatestReading()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (s *Server) dailyStatsHandler(c *gin.Context) {
	if !s.requireReadings(c) {
		return
	}
	dateStr := c.DefaultQuery("date", s.now().Format("2006-01-02"))
	date, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	stats, err := s.readings.GetDailyStats(date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

const (
	insightHistoryDays   = 30
	insightBucketMinutes = 30
	insightMinSamples    = 20
	insightLowRatio      = 0.4
)

// productionInsightsHandler compares the current solar power with what the
// same time of day produced over the last weeks.
func (s *Server) productionInsightsHandler(c *gin.Context) {
	if !s.requireReadings(c) {
		return
	}
	snap := s.monitor.Snapshot()
	if snap == nil || snap.PowerFlow() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	actual := snap.PowerFlow().SolarPower

	now := s.now()
	avg, samples, err := s.readings.GetAverageSolarForTimeOfDay(now, insightHistoryDays, insightBucketMinutes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := "normal"
	ratio := 0.0
	switch {
	case samples < insightMinSamples || avg <= 0:
		status = "insufficient_history"
	default:
		ratio = actual / avg
		if ratio < insightLowRatio {
			status = "low_power"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"actual_power_w": actual,
		"expected_avg_w": avg,
		"ratio":          ratio,
		"threshold":      insightLowRatio,
		"samples":        samples,
		"window_days":    insightHistoryDays,
		"bucket_minutes": insightBucketMinutes,
		"timestamp":      now,
	})
}
