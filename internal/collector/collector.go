// Package collector drives the polling of the installation: one ticker, at
// most one cycle in flight, and an optional gateway polled at a slower pace.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"energy-monitor/internal/calibration"
	"energy-monitor/internal/gateway"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
	"energy-monitor/internal/notify"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/topology"
	"energy-monitor/internal/window"
)

var (
	ErrAlreadyRunning = errors.New("collector already running")
	ErrCycleInFlight  = errors.New("a refresh cycle is already running")
)

// Source is the inverter side of the installation.
type Source interface {
	topology.Source
	SetConnection(conn solarapi.Connection)
	Inverter(ctx context.Context, id string) (*installation.InverterData, error)
	Storages(ctx context.Context) (map[string]*installation.StorageData, error)
	Meters(ctx context.Context) (map[string]*installation.MeterData, error)
	PowerFlow(ctx context.Context) (installation.PowerFlowSample, error)
}

// Gateway is the optional home-automation gateway.
type Gateway interface {
	SetConnection(conn *gateway.Connection)
	Configured() bool
	DeviceList(ctx context.Context) (*gateway.DeviceList, error)
}

type Config struct {
	Source      Source
	Gateway     Gateway
	Rules       topology.Rules
	Calibration *calibration.Engine
	Broker      *notify.Broker[Event]
	Metrics     *metrics.Collector
	Interval    time.Duration
	WindowSize  int
	// GatewayPollEvery polls the gateway on every n-th cycle.
	GatewayPollEvery int
}

type Collector struct {
	source       Source
	gateway      Gateway
	rules        topology.Rules
	calibration  *calibration.Engine
	broker       *notify.Broker[Event]
	metrics      *metrics.Collector
	interval     time.Duration
	gatewayEvery int
	window       *window.Window
	now          func() time.Time

	inFlight  atomic.Bool
	suspended atomic.Int32
	cycles    atomic.Uint64
	dropped   atomic.Uint64
	snapshot  atomic.Pointer[installation.Snapshot]
	conn      atomic.Pointer[connState]
	lastCycle atomic.Pointer[time.Time]

	// epoch is bumped by every Start; a snapshot built in an earlier epoch
	// is rebuilt rather than merged into.
	epoch atomic.Uint64

	// owned by the cycle holding inFlight
	gatewayCounter int
	forceRebuild   bool
	builtEpoch     uint64

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCollector(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.GatewayPollEvery <= 0 {
		cfg.GatewayPollEvery = 3
	}
	if cfg.Rules == nil {
		cfg.Rules = topology.FroniusRules
	}
	c := &Collector{
		source:       cfg.Source,
		gateway:      cfg.Gateway,
		rules:        cfg.Rules,
		calibration:  cfg.Calibration,
		broker:       cfg.Broker,
		metrics:      cfg.Metrics,
		interval:     cfg.Interval,
		gatewayEvery: cfg.GatewayPollEvery,
		window:       window.New(cfg.WindowSize),
		now:          time.Now,
	}
	c.conn.Store(&connState{connectivity: Unconfirmed})
	return c
}

// Start points the sources at their targets, clears the rolling window, runs
// one refresh synchronously and then arms the ticker. The first cycle that
// begins after Start rebuilds the snapshot, even when a cycle of a previous
// run is still in flight and the initial refresh has to be skipped. A failed
// first refresh is reported through Status; the ticker is armed regardless.
func (c *Collector) Start(ctx context.Context, primary solarapi.Connection, secondary *gateway.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return ErrAlreadyRunning
	}

	c.source.SetConnection(primary)
	if c.gateway != nil && secondary != nil {
		c.gateway.SetConnection(secondary)
	}
	c.window.Reset()
	c.epoch.Add(1)

	log := logger.Ctx(ctx)
	log.InfoContext(ctx, "starting collector",
		slog.String("inverter", primary.BaseURL),
		slog.Duration("interval", c.interval),
		slog.Bool("gateway", secondary != nil))

	if c.inFlight.CompareAndSwap(false, true) {
		_ = c.cycle(context.WithoutCancel(ctx))
		c.inFlight.Store(false)
	} else {
		log.WarnContext(ctx, "previous cycle still running, skipping initial refresh")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.loop(loopCtx, c.done)
	return nil
}

func (c *Collector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).InfoContext(ctx, "collector stopped")
			return
		case <-ticker.C:
			c.tick(context.WithoutCancel(ctx))
		}
	}
}

// tick starts a cycle unless one is already running, in which case the tick
// is dropped.
func (c *Collector) tick(ctx context.Context) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		c.metrics.DroppedTick()
		logger.Ctx(ctx).DebugContext(ctx, "tick dropped, cycle in flight")
		return false
	}
	go func() {
		defer c.inFlight.Store(false)
		_ = c.cycle(ctx)
	}()
	return true
}

// Stop disarms the ticker. A cycle already running completes on its own.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running.Load() {
		return
	}
	c.cancel()
	<-c.done
	c.running.Store(false)
	c.cancel = nil
}

// RefreshOnce runs one cycle on the caller's goroutine.
func (c *Collector) RefreshOnce(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer c.inFlight.Store(false)

	return c.cycle(ctx)
}

// Suspend pauses gateway polling until a matching Resume. Calls nest.
func (c *Collector) Suspend() int32 {
	return c.suspended.Add(1)
}

// Resume undoes one Suspend. The counter never drops below zero.
func (c *Collector) Resume() int32 {
	for {
		cur := c.suspended.Load()
		next := cur - 1
		if next < 0 {
			next = 0
		}
		if c.suspended.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (c *Collector) SuspendCount() int32 {
	return c.suspended.Load()
}

// InvalidateGateway drops the gateway state so the next cycle fetches it.
func (c *Collector) InvalidateGateway() {
	if s := c.snapshot.Load(); s != nil {
		s.SetGateway(nil)
	}
}

// Snapshot returns the current snapshot, or nil before the first successful
// refresh.
func (c *Collector) Snapshot() *installation.Snapshot {
	return c.snapshot.Load()
}

func (c *Collector) Window() *window.Window {
	return c.window
}

func (c *Collector) Calibration() *calibration.Engine {
	return c.calibration
}

func (c *Collector) State() State {
	if c.running.Load() {
		return Running
	}
	return Stopped
}

func (c *Collector) Status() Status {
	st := c.conn.Load()
	s := Status{
		State:        c.State(),
		Connectivity: st.connectivity,
		LastError:    st.lastError,
		Cycles:       c.cycles.Load(),
		DroppedTicks: c.dropped.Load(),
		Suspended:    c.suspended.Load(),
	}
	s.LastCycle = c.lastCycle.Load()
	return s
}
