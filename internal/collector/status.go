package collector

import (
	"time"

	"energy-monitor/internal/installation"
	"energy-monitor/internal/window"
)

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connectivity is the inverter link as seen by the last cycle.
type Connectivity int

const (
	// Unconfirmed follows a start or a topology rebuild until a cycle
	// completes on the incremental path.
	Unconfirmed Connectivity = iota
	Connected
	Disconnected
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unconfirmed"
	}
}

func (c Connectivity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type connState struct {
	connectivity Connectivity
	lastError    string
}

type Status struct {
	State        State        `json:"state"`
	Connectivity Connectivity `json:"connectivity"`
	LastError    string       `json:"last_error,omitempty"`
	Cycles       uint64       `json:"cycles"`
	DroppedTicks uint64       `json:"dropped_ticks"`
	Suspended    int32        `json:"gateway_suspended"`
	LastCycle    *time.Time   `json:"last_cycle,omitempty"`
}

// CorrectedPower is the site power flow after calibration.
type CorrectedPower struct {
	GridPower      float64 `json:"grid_power_w"`
	LoadPower      float64 `json:"load_power_w"`
	ConsumedFactor float64 `json:"consumed_factor"`
	ProducedFactor float64 `json:"produced_factor"`
}

// Event is published once per cycle, whether or not the cycle succeeded.
// Snapshot is the state of the installation as the cycle left it, and nil
// until the first successful refresh.
type Event struct {
	Cycle           uint64             `json:"cycle"`
	Time            time.Time          `json:"time"`
	Snapshot        *installation.View `json:"snapshot,omitempty"`
	Status          Status             `json:"status"`
	TopologyChanged bool               `json:"topology_changed"`
	Window          window.Stats       `json:"window"`
	Corrected       *CorrectedPower    `json:"corrected,omitempty"`
}
