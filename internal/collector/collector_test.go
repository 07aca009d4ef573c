package collector

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/calibration"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/gateway"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/notify"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/topology"
)

type fakeSource struct {
	mu       sync.Mutex
	entries  []topology.Entry
	consumed float64
	grid     float64
	err      error
	panicMsg string
	block    chan struct{}
	conn     solarapi.Connection
	blocked  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		entries: []topology.Entry{
			{Kind: "Inverter", ID: "1"},
			{Kind: "Meter", ID: "0"},
		},
		consumed: 1000,
		grid:     500,
	}
}

func (f *fakeSource) SetConnection(conn solarapi.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn
}

func (f *fakeSource) Inventory(ctx context.Context) ([]topology.Entry, error) {
	f.mu.Lock()
	block, err, msg := f.block, f.err, f.panicMsg
	entries := append([]topology.Entry(nil), f.entries...)
	f.mu.Unlock()

	if block != nil {
		f.blocked.Add(1)
		<-block
	}
	if msg != "" {
		panic(msg)
	}
	return entries, err
}

func (f *fakeSource) Inverter(ctx context.Context, id string) (*installation.InverterData, error) {
	return &installation.InverterData{ACPower: 2000}, nil
}

func (f *fakeSource) Storages(ctx context.Context) (map[string]*installation.StorageData, error) {
	return map[string]*installation.StorageData{"0": {StateOfCharge: 50}}, nil
}

func (f *fakeSource) Meters(ctx context.Context) (map[string]*installation.MeterData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]*installation.MeterData{
		"0": {PowerReal: f.grid, EnergyRealConsumed: f.consumed, EnergyRealProduced: 3000},
	}, nil
}

func (f *fakeSource) PowerFlow(ctx context.Context) (installation.PowerFlowSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return installation.PowerFlowSample{
		Timestamp:  time.Now(),
		GridPower:  f.grid,
		LoadPower:  -2500,
		SolarPower: 2000,
	}, nil
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeGateway struct {
	calls      atomic.Int32
	err        atomic.Pointer[error]
	configured bool
}

func (g *fakeGateway) SetConnection(conn *gateway.Connection) { g.configured = conn != nil }
func (g *fakeGateway) Configured() bool                       { return g.configured }

func (g *fakeGateway) DeviceList(ctx context.Context) (*gateway.DeviceList, error) {
	g.calls.Add(1)
	if err := g.err.Load(); err != nil {
		return nil, *err
	}
	return &gateway.DeviceList{Version: "1"}, nil
}

func newTestCollector(src *fakeSource, gw *fakeGateway) *Collector {
	cfg := Config{
		Source:   src,
		Interval: 10 * time.Millisecond,
		Broker:   notify.NewBroker[Event](),
	}
	if gw != nil {
		cfg.Gateway = gw
	}
	return NewCollector(cfg)
}

func TestRefreshRebuildThenIncremental(t *testing.T) {
	src := newFakeSource()
	c := newTestCollector(src, nil)

	require.NoError(t, c.RefreshOnce(context.Background()))
	first := c.Snapshot()
	require.NotNil(t, first)
	assert.Equal(t, Unconfirmed, c.Status().Connectivity)
	assert.Zero(t, c.Window().Len())
	assert.Nil(t, first.PowerFlow())
	require.Len(t, first.Meters.Devices, 1)
	meter := first.Meters.Devices[0]

	src.set(func(f *fakeSource) { f.consumed = 1100; f.grid = -300 })
	require.NoError(t, c.RefreshOnce(context.Background()))

	assert.Same(t, first, c.Snapshot())
	assert.Same(t, meter, c.Snapshot().Meters.Devices[0])
	assert.Equal(t, 1100.0, meter.Data().Meter.EnergyRealConsumed)
	assert.Equal(t, Connected, c.Status().Connectivity)
	assert.Equal(t, 1, c.Window().Len())
	require.NotNil(t, c.Snapshot().PowerFlow())
	assert.Equal(t, -300.0, c.Snapshot().PowerFlow().GridPower)
}

func TestStatusLastCycle(t *testing.T) {
	c := newTestCollector(newFakeSource(), nil)

	st := c.Status()
	assert.Nil(t, st.LastCycle)
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "last_cycle")

	before := time.Now()
	require.NoError(t, c.RefreshOnce(context.Background()))

	st = c.Status()
	require.NotNil(t, st.LastCycle)
	assert.False(t, st.LastCycle.Before(before))
	raw, err = json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"last_cycle"`)
}

func TestTopologyChangeRebuilds(t *testing.T) {
	src := newFakeSource()
	c := newTestCollector(src, nil)
	require.NoError(t, c.RefreshOnce(context.Background()))
	require.NoError(t, c.RefreshOnce(context.Background()))
	first := c.Snapshot()
	require.Equal(t, 1, c.Window().Len())

	src.set(func(f *fakeSource) {
		f.entries = append(f.entries, topology.Entry{Kind: "Storage", ID: "0"})
	})
	require.NoError(t, c.RefreshOnce(context.Background()))

	assert.NotSame(t, first, c.Snapshot())
	require.Len(t, c.Snapshot().Storages.Devices, 1)
	assert.Equal(t, 50.0, c.Snapshot().Storages.Devices[0].Data().Storage.StateOfCharge)
	assert.Zero(t, c.Window().Len())
	assert.Equal(t, Unconfirmed, c.Status().Connectivity)
}

func TestDegradedCycleKeepsSnapshot(t *testing.T) {
	src := newFakeSource()
	c := newTestCollector(src, nil)
	events, cancel := c.broker.Subscribe(8)
	defer cancel()

	require.NoError(t, c.RefreshOnce(context.Background()))
	require.NoError(t, c.RefreshOnce(context.Background()))
	good := c.Snapshot()

	src.set(func(f *fakeSource) { f.err = failure.ErrCommunication })
	err := c.RefreshOnce(context.Background())
	require.ErrorIs(t, err, failure.ErrCommunication)

	st := c.Status()
	assert.Equal(t, Disconnected, st.Connectivity)
	assert.True(t, strings.HasPrefix(st.LastError, "CommunicationError: "), st.LastError)
	assert.Same(t, good, c.Snapshot())

	require.Len(t, events, 3)
	<-events
	<-events
	ev := <-events
	assert.Equal(t, uint64(3), ev.Cycle)
	require.NotNil(t, ev.Snapshot)
	assert.Same(t, good, ev.Snapshot.Snapshot())
	assert.Equal(t, Disconnected, ev.Status.Connectivity)

	src.set(func(f *fakeSource) { f.err = nil })
	require.NoError(t, c.RefreshOnce(context.Background()))
	assert.Equal(t, Connected, c.Status().Connectivity)
}

func TestPanicInCycleIsRecovered(t *testing.T) {
	src := newFakeSource()
	src.panicMsg = "boom"
	c := newTestCollector(src, nil)

	err := c.RefreshOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, Disconnected, c.Status().Connectivity)
	assert.False(t, c.inFlight.Load())
}

func TestSingleFlight(t *testing.T) {
	src := newFakeSource()
	block := make(chan struct{})
	src.block = block
	c := newTestCollector(src, nil)
	ctx := context.Background()

	require.True(t, c.tick(ctx))
	for i := 0; i < 5; i++ {
		assert.False(t, c.tick(ctx))
	}
	assert.ErrorIs(t, c.RefreshOnce(ctx), ErrCycleInFlight)
	assert.Equal(t, uint64(5), c.Status().DroppedTicks)

	close(block)
	require.Eventually(t, func() bool { return !c.inFlight.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Status().Cycles)
}

func TestSuspendResume(t *testing.T) {
	c := newTestCollector(newFakeSource(), nil)
	for i := 0; i < 3; i++ {
		c.Suspend()
	}
	assert.Equal(t, int32(3), c.SuspendCount())
	for i := 0; i < 3; i++ {
		c.Resume()
	}
	assert.Zero(t, c.SuspendCount())
	assert.Zero(t, c.Resume())
	assert.Zero(t, c.SuspendCount())
}

func TestConcurrentSuspendResume(t *testing.T) {
	c := newTestCollector(newFakeSource(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Suspend()
			c.Resume()
		}()
	}
	wg.Wait()
	assert.Zero(t, c.SuspendCount())
}

func TestGatewayCadence(t *testing.T) {
	gw := &fakeGateway{configured: true}
	c := newTestCollector(newFakeSource(), gw)
	ctx := context.Background()

	var calls []int32
	for i := 0; i < 5; i++ {
		require.NoError(t, c.RefreshOnce(ctx))
		calls = append(calls, gw.calls.Load())
	}
	// fetched at once while missing, then every third cycle
	assert.Equal(t, []int32{1, 2, 2, 2, 3}, calls)
	assert.NotNil(t, c.Snapshot().Gateway())
}

func TestGatewaySuspended(t *testing.T) {
	gw := &fakeGateway{configured: true}
	c := newTestCollector(newFakeSource(), gw)
	ctx := context.Background()

	c.Suspend()
	for i := 0; i < 4; i++ {
		require.NoError(t, c.RefreshOnce(ctx))
	}
	assert.Zero(t, gw.calls.Load())
	assert.Nil(t, c.Snapshot().Gateway())

	c.Resume()
	require.NoError(t, c.RefreshOnce(ctx))
	assert.Equal(t, int32(1), gw.calls.Load())

	c.InvalidateGateway()
	assert.Nil(t, c.Snapshot().Gateway())
	require.NoError(t, c.RefreshOnce(ctx))
	assert.Equal(t, int32(2), gw.calls.Load())
}

func TestGatewayFailureIsIsolated(t *testing.T) {
	gw := &fakeGateway{configured: true}
	c := newTestCollector(newFakeSource(), gw)
	ctx := context.Background()

	require.NoError(t, c.RefreshOnce(ctx))
	require.NotNil(t, c.Snapshot().Gateway())

	err := failure.ErrAccessDenied
	gw.err.Store(&err)
	// the counter is due on this cycle
	require.NoError(t, c.RefreshOnce(ctx))
	assert.Nil(t, c.Snapshot().Gateway())
	assert.Equal(t, Connected, c.Status().Connectivity)

	gw.err.Store(nil)
	require.NoError(t, c.RefreshOnce(ctx))
	assert.NotNil(t, c.Snapshot().Gateway())
}

func TestUnconfiguredGatewayIsSkipped(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestCollector(newFakeSource(), gw)
	require.NoError(t, c.RefreshOnce(context.Background()))
	assert.Zero(t, gw.calls.Load())
}

func TestStartStop(t *testing.T) {
	src := newFakeSource()
	gw := &fakeGateway{}
	c := newTestCollector(src, gw)
	ctx := context.Background()

	require.NoError(t, c.RefreshOnce(ctx))
	before := c.Snapshot()

	conn := solarapi.Connection{BaseURL: "http://inverter.local"}
	require.NoError(t, c.Start(ctx, conn, &gateway.Connection{BaseURL: "http://fritz.box"}))
	assert.Equal(t, Running, c.State())
	assert.Equal(t, conn, src.conn)
	assert.True(t, gw.Configured())
	assert.NotSame(t, before, c.Snapshot(), "start rebuilds the snapshot")
	assert.ErrorIs(t, c.Start(ctx, conn, nil), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return c.Status().Cycles >= 4 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.Equal(t, Stopped, c.State())

	require.Eventually(t, func() bool { return !c.inFlight.Load() }, time.Second, 5*time.Millisecond)
	n := c.Status().Cycles
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, c.Status().Cycles)
}

func TestRestartRebuildsWhileCycleInFlight(t *testing.T) {
	src := newFakeSource()
	c := newTestCollector(src, nil)
	c.interval = time.Hour
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, solarapi.Connection{BaseURL: "http://old"}, nil))
	require.NoError(t, c.RefreshOnce(ctx))
	before := c.Snapshot()
	require.Equal(t, Connected, c.Status().Connectivity)

	block := make(chan struct{})
	src.set(func(f *fakeSource) { f.block = block })
	require.True(t, c.tick(ctx))
	require.Eventually(t, func() bool { return src.blocked.Load() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	require.NoError(t, c.Start(ctx, solarapi.Connection{BaseURL: "http://new"}, nil))
	defer c.Stop()

	src.set(func(f *fakeSource) { f.block = nil })
	close(block)
	require.Eventually(t, func() bool { return !c.inFlight.Load() }, time.Second, time.Millisecond)

	require.NoError(t, c.RefreshOnce(ctx))
	assert.NotSame(t, before, c.Snapshot(), "the first cycle of the new run rebuilds")
	assert.Equal(t, Unconfirmed, c.Status().Connectivity)
}

func TestSnapshotViewIsConsistent(t *testing.T) {
	src := newFakeSource()
	c := newTestCollector(src, nil)
	ctx := context.Background()
	require.NoError(t, c.RefreshOnce(ctx))

	const rounds = 2000
	done := make(chan struct{})
	var torn, seen int
	go func() {
		defer close(done)
		snap := c.Snapshot()
		for i := 0; i < rounds; i++ {
			v := snap.View()
			pf := v.PowerFlow()
			m, ok := v.PrimaryMeter()
			if pf == nil || !ok {
				continue
			}
			seen++
			if pf.GridPower != m.PowerReal {
				torn++
			}
		}
	}()

	for i := 0; i < rounds; i++ {
		grid := float64(i)
		src.set(func(f *fakeSource) { f.grid = grid })
		require.NoError(t, c.RefreshOnce(ctx))
	}
	<-done
	assert.Zero(t, torn, "checked %d views", seen)
}

func TestStartSurvivesFailedFirstRefresh(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("unreachable")
	c := newTestCollector(src, nil)

	require.NoError(t, c.Start(context.Background(), solarapi.Connection{BaseURL: "http://x"}, nil))
	defer c.Stop()

	assert.Equal(t, Running, c.State())
	assert.Nil(t, c.Snapshot())
	assert.Equal(t, Disconnected, c.Status().Connectivity)
	assert.Equal(t, "Error: reading inventory: unreachable", c.Status().LastError)
}

func TestCalibrate(t *testing.T) {
	engine := calibration.NewEngine(context.Background(), nil, 0)
	c := NewCollector(Config{Source: newFakeSource(), Calibration: engine})
	ctx := context.Background()

	v := 1050.0
	_, err := c.Calibrate(ctx, Reading{Consumed: &v})
	require.ErrorIs(t, err, ErrNoMeter)

	require.NoError(t, c.RefreshOnce(ctx))
	item, err := c.Calibrate(ctx, Reading{Consumed: &v})
	require.NoError(t, err)
	assert.Equal(t, 50.0, item.ConsumedOffset)
	assert.True(t, math.IsNaN(item.ProducedOffset))
	assert.Equal(t, 1000.0, item.EnergyConsumed)
	assert.Equal(t, 3000.0, item.EnergyProduced)
	assert.Len(t, engine.History(), 1)

	_, err = c.Calibrate(ctx, Reading{})
	assert.Error(t, err)
}

func TestEventCarriesCorrectedPower(t *testing.T) {
	engine := calibration.NewEngine(context.Background(), nil, 0)
	engine.Record(context.Background(), 0, 0, calibration.Counters{Consumed: 100, Produced: 100})
	engine.Record(context.Background(), 40, 0, calibration.Counters{Consumed: 300, Produced: 300})

	broker := notify.NewBroker[Event]()
	events, cancel := broker.Subscribe(4)
	defer cancel()

	c := NewCollector(Config{Source: newFakeSource(), Calibration: engine, Broker: broker})
	require.NoError(t, c.RefreshOnce(context.Background()))
	require.NoError(t, c.RefreshOnce(context.Background()))

	first := <-events
	assert.True(t, first.TopologyChanged)
	assert.Nil(t, first.Corrected)

	second := <-events
	assert.False(t, second.TopologyChanged)
	require.NotNil(t, second.Corrected)
	assert.InDelta(t, 600.0, second.Corrected.GridPower, 1e-9)
	// load + grid - corrected grid
	assert.InDelta(t, -2500.0+500-600, second.Corrected.LoadPower, 1e-9)
	assert.InDelta(t, 1.2, second.Corrected.ConsumedFactor, 1e-9)
	assert.Equal(t, 1, second.Window.Count)
}
