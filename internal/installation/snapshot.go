package installation

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"energy-monitor/internal/gateway"
)

// PowerFlowSample is one site-level reading in signed watts. Negative grid
// power means export. Samples are never modified after creation.
type PowerFlowSample struct {
	Timestamp    time.Time `json:"timestamp"`
	GridPower    float64   `json:"grid_power_w"`
	LoadPower    float64   `json:"load_power_w"`
	SolarPower   float64   `json:"solar_power_w"`
	StoragePower float64   `json:"storage_power_w"`
}

// state is one generation of everything that changes between cycles. It is
// never modified once stored.
type state struct {
	payloads  map[string]*Data
	powerFlow *PowerFlowSample
	gateway   *gateway.DeviceList
}

// Snapshot is the current view of a whole site. Groups are fixed at creation;
// payloads, power flow and gateway state are swapped together as one state.
type Snapshot struct {
	CreatedAt time.Time
	Inverters Group
	Storages  Group
	Meters    Group
	Others    Group

	state atomic.Pointer[state]
}

// NewSnapshot assembles a snapshot from devices in discovery order. The
// devices become owned by the snapshot.
func NewSnapshot(createdAt time.Time, devices []*Device) *Snapshot {
	s := &Snapshot{
		CreatedAt: createdAt,
		Inverters: Group{Class: Inverter, Devices: []*Device{}},
		Storages:  Group{Class: Storage, Devices: []*Device{}},
		Meters:    Group{Class: Meter, Devices: []*Device{}},
		Others:    Group{Class: Other, Devices: []*Device{}},
	}
	payloads := make(map[string]*Data, len(devices))
	for _, d := range devices {
		g := s.group(d.Class)
		g.Devices = append(g.Devices, d)
		payloads[d.Key()] = d.initial
		d.owner = s
	}
	s.state.Store(&state{payloads: payloads})
	return s
}

func (s *Snapshot) group(c Class) *Group {
	switch c {
	case Inverter:
		return &s.Inverters
	case Storage:
		return &s.Storages
	case Meter:
		return &s.Meters
	default:
		return &s.Others
	}
}

// Group returns the device group of the given class.
func (s *Snapshot) Group(c Class) Group {
	return *s.group(c)
}

// Devices returns every device across all groups.
func (s *Snapshot) Devices() []*Device {
	var out []*Device
	for _, g := range []Group{s.Inverters, s.Storages, s.Meters, s.Others} {
		out = append(out, g.Devices...)
	}
	return out
}

// View pins the current state. Everything read through the view belongs to
// the same cycle.
func (s *Snapshot) View() *View {
	return &View{snap: s, st: s.state.Load()}
}

// update swaps in a modified copy of the current state.
func (s *Snapshot) update(fn func(next *state)) {
	for {
		cur := s.state.Load()
		next := *cur
		fn(&next)
		if s.state.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// PrimaryMeter returns the first meter with a payload, which is the one
// whose counters are calibrated.
func (s *Snapshot) PrimaryMeter() (*MeterData, bool) {
	return s.View().PrimaryMeter()
}

func (s *Snapshot) PowerFlow() *PowerFlowSample {
	return s.state.Load().powerFlow
}

func (s *Snapshot) SetPowerFlow(p *PowerFlowSample) {
	s.update(func(next *state) { next.powerFlow = p })
}

// Gateway returns the last gateway device list, or nil when the gateway is
// not configured or its last poll failed.
func (s *Snapshot) Gateway() *gateway.DeviceList {
	return s.state.Load().gateway
}

func (s *Snapshot) SetGateway(l *gateway.DeviceList) {
	s.update(func(next *state) { next.gateway = l })
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return s.View().MarshalJSON()
}

// View is a consistent, read-only picture of a snapshot at one instant.
type View struct {
	snap *Snapshot
	st   *state
}

// Snapshot returns the live snapshot the view was taken from.
func (v View) Snapshot() *Snapshot {
	return v.snap
}

func (v View) Group(c Class) Group {
	return v.snap.Group(c)
}

func (v View) Devices() []*Device {
	return v.snap.Devices()
}

// Data returns the payload of d as of the view.
func (v View) Data(d *Device) *Data {
	return v.st.payloads[d.Key()]
}

func (v View) PowerFlow() *PowerFlowSample {
	return v.st.powerFlow
}

func (v View) Gateway() *gateway.DeviceList {
	return v.st.gateway
}

// PrimaryMeter returns the first meter with a payload.
func (v View) PrimaryMeter() (*MeterData, bool) {
	for _, d := range v.snap.Meters.Devices {
		if data := v.Data(d); data != nil && data.Meter != nil {
			return data.Meter, true
		}
	}
	return nil, false
}

type viewDevice struct {
	device *Device
	data   *Data
}

func (d viewDevice) MarshalJSON() ([]byte, error) {
	return d.device.marshal(d.data)
}

type viewGroup struct {
	Class   Class        `json:"class"`
	Devices []viewDevice `json:"devices"`
}

func (v View) group(c Class) viewGroup {
	g := v.snap.Group(c)
	out := viewGroup{Class: g.Class, Devices: make([]viewDevice, len(g.Devices))}
	for i, d := range g.Devices {
		out.Devices[i] = viewDevice{device: d, data: v.Data(d)}
	}
	return out
}

func (v View) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CreatedAt time.Time           `json:"created_at"`
		Inverters viewGroup           `json:"inverters"`
		Storages  viewGroup           `json:"storages"`
		Meters    viewGroup           `json:"meters"`
		Others    viewGroup           `json:"others"`
		PowerFlow *PowerFlowSample    `json:"power_flow,omitempty"`
		Gateway   *gateway.DeviceList `json:"gateway,omitempty"`
	}{
		v.snap.CreatedAt,
		v.group(Inverter), v.group(Storage), v.group(Meter), v.group(Other),
		v.st.powerFlow, v.st.gateway,
	})
}
