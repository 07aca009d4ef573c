package collector

import (
	"context"
	"fmt"
	"log/slog"

	"energy-monitor/internal/calibration"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/topology"
)

// cycle runs one refresh. The caller holds inFlight. A failure becomes the
// connectivity state, and the event is published either way; the returned
// error is only informational.
func (c *Collector) cycle(ctx context.Context) error {
	start := c.now()
	n := c.cycles.Add(1)
	log := logger.Ctx(ctx).With(slog.Uint64("cycle", n))
	ctx = logger.With(ctx, log)

	var changed bool
	err := safely(func() error {
		var err error
		changed, err = c.refreshPrimary(ctx)
		return err
	})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		c.setConnectivity(Disconnected, failure.Describe(err))
		log.WarnContext(ctx, "refresh failed", slog.Any("error", err))
	case changed:
		outcome = "rebuilt"
	}

	if gwErr := safely(func() error { return c.pollGateway(ctx) }); gwErr != nil {
		log.WarnContext(ctx, "gateway poll failed", slog.Any("error", gwErr))
	}

	end := c.now()
	c.lastCycle.Store(&end)
	c.metrics.ObserveCycle(outcome, end.Sub(start).Seconds())
	c.publish(ctx, n, changed)
	return err
}

// safely runs fn and turns a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (c *Collector) setConnectivity(conn Connectivity, lastError string) {
	if lastError == "" {
		lastError = c.conn.Load().lastError
	}
	c.conn.Store(&connState{connectivity: conn, lastError: lastError})
	c.metrics.SetConnected(conn == Connected)
}

// refreshPrimary fetches a fresh snapshot and merges it. All device I/O
// happens before the live snapshot is touched, and the merge publishes the
// payloads together with the power flow.
func (c *Collector) refreshPrimary(ctx context.Context) (bool, error) {
	epoch := c.epoch.Load()
	fresh, err := c.fetch(ctx)
	if err != nil {
		return false, err
	}

	prev := c.snapshot.Load()
	base := prev
	if c.forceRebuild || c.builtEpoch != epoch {
		base = nil
	}

	var sample *installation.PowerFlowSample
	if installation.SameTopology(base, fresh) {
		pf, err := c.source.PowerFlow(ctx)
		if err != nil {
			return false, fmt.Errorf("reading power flow: %w", err)
		}
		sample = &pf
	}

	res, err := installation.Merge(base, fresh, sample)
	if err != nil {
		c.forceRebuild = true
		return false, err
	}

	if res.TopologyChanged {
		c.forceRebuild = false
		c.builtEpoch = epoch
		if prev != nil {
			res.Snapshot.SetGateway(prev.Gateway())
		}
		c.window.Reset()
		c.snapshot.Store(res.Snapshot)
		c.setConnectivity(Unconfirmed, "")
		c.metrics.TopologyRebuilt()
		logger.Ctx(ctx).InfoContext(ctx, "installation topology rebuilt",
			slog.Int("inverters", len(res.Snapshot.Inverters.Devices)),
			slog.Int("storages", len(res.Snapshot.Storages.Devices)),
			slog.Int("meters", len(res.Snapshot.Meters.Devices)))
		return true, nil
	}

	c.window.Push(*sample)
	c.setConnectivity(Connected, "")
	c.metrics.SetPower("grid", sample.GridPower)
	c.metrics.SetPower("load", sample.LoadPower)
	c.metrics.SetPower("solar", sample.SolarPower)
	c.metrics.SetPower("storage", sample.StoragePower)
	c.metrics.SetEfficiency(c.window.Efficiency())
	return false, nil
}

// fetch discovers the devices and reads the payload of every class present.
func (c *Collector) fetch(ctx context.Context) (*installation.Snapshot, error) {
	topo, err := topology.Discover(ctx, c.source, c.rules)
	if err != nil {
		return nil, err
	}

	inverters := make(map[string]*installation.InverterData)
	for _, id := range topo.Of(installation.Inverter) {
		data, err := c.source.Inverter(ctx, id.ID)
		if err != nil {
			return nil, fmt.Errorf("reading inverter %s: %w", id.ID, err)
		}
		inverters[id.ID] = data
	}

	var storages map[string]*installation.StorageData
	if topo.Has(installation.Storage) {
		if storages, err = c.source.Storages(ctx); err != nil {
			return nil, fmt.Errorf("reading storages: %w", err)
		}
	}

	var meters map[string]*installation.MeterData
	if topo.Has(installation.Meter) {
		if meters, err = c.source.Meters(ctx); err != nil {
			return nil, fmt.Errorf("reading meters: %w", err)
		}
	}

	devices := make([]*installation.Device, 0, len(topo.Identities))
	for _, id := range topo.Identities {
		var data *installation.Data
		switch id.Class {
		case installation.Inverter:
			if d := inverters[id.ID]; d != nil {
				data = &installation.Data{Inverter: d}
			}
		case installation.Storage:
			if d := storages[id.ID]; d != nil {
				data = &installation.Data{Storage: d}
			}
		case installation.Meter:
			if d := meters[id.ID]; d != nil {
				data = &installation.Data{Meter: d}
			}
		}
		devices = append(devices, installation.NewDevice(id.Class, id.ID, id.Model, id.Serial, data))
	}
	return installation.NewSnapshot(c.now().UTC(), devices), nil
}

// pollGateway refreshes the gateway state when it is missing or due. A
// failure clears the state and restarts the cadence; the primary snapshot is
// left alone.
func (c *Collector) pollGateway(ctx context.Context) error {
	snap := c.snapshot.Load()
	if snap == nil || c.gateway == nil || c.suspended.Load() > 0 || !c.gateway.Configured() {
		return nil
	}

	if snap.Gateway() != nil {
		due := c.gatewayCounter%c.gatewayEvery == 0
		c.gatewayCounter++
		if !due {
			return nil
		}
	}

	list, err := c.gateway.DeviceList(ctx)
	if err != nil {
		c.gatewayCounter = 0
		snap.SetGateway(nil)
		c.metrics.GatewayPolled("error")
		return err
	}
	snap.SetGateway(list)
	c.metrics.GatewayPolled("ok")
	return nil
}

// Corrected calibrates a power-flow sample. It returns nil without a sample
// or without calibration.
func (c *Collector) Corrected(pf *installation.PowerFlowSample) *CorrectedPower {
	if c.calibration == nil || pf == nil {
		return nil
	}
	return &CorrectedPower{
		GridPower:      c.calibration.CorrectGrid(pf.GridPower),
		LoadPower:      c.calibration.CorrectLoad(*pf),
		ConsumedFactor: c.calibration.Factor(calibration.Consumed),
		ProducedFactor: c.calibration.Factor(calibration.Produced),
	}
}

func (c *Collector) publish(ctx context.Context, n uint64, changed bool) {
	if c.broker == nil {
		return
	}
	ev := Event{
		Cycle:           n,
		Time:            c.now().UTC(),
		Status:          c.Status(),
		TopologyChanged: changed,
		Window:          c.window.Stats(),
	}
	if snap := c.snapshot.Load(); snap != nil {
		view := snap.View()
		ev.Snapshot = view
		ev.Corrected = c.Corrected(view.PowerFlow())
	}
	delivered := c.broker.Publish(ev)
	logger.Ctx(ctx).DebugContext(ctx, "cycle published", slog.Int("subscribers", delivered))
}
