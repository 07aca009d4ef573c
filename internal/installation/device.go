// Package installation models the live view of one site: its devices grouped
// by class, the latest power-flow sample and the optional gateway state.
package installation

import (
	"encoding/json"
)

// Class is the kind of a device as reported by the inventory.
type Class int

const (
	Other Class = iota
	Inverter
	Storage
	Meter
)

func (c Class) String() string {
	switch c {
	case Inverter:
		return "inverter"
	case Storage:
		return "storage"
	case Meter:
		return "meter"
	default:
		return "other"
	}
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Key builds the class-qualified identity of a device. Ids are only unique
// within one class (an inverter and a meter may both be "0").
func Key(class Class, id string) string {
	return class.String() + "/" + id
}

// InverterData is the measurement payload of an inverter.
type InverterData struct {
	ACPower     float64 `json:"ac_power_w"`
	DayEnergy   float64 `json:"day_energy_wh"`
	YearEnergy  float64 `json:"year_energy_wh"`
	TotalEnergy float64 `json:"total_energy_wh"`
	StatusCode  int     `json:"status_code"`
	ErrorCode   int     `json:"error_code"`
	DCVoltage   float64 `json:"dc_voltage_v,omitempty"`
	DCCurrent   float64 `json:"dc_current_a,omitempty"`
	ACVoltage   float64 `json:"ac_voltage_v,omitempty"`
	ACCurrent   float64 `json:"ac_current_a,omitempty"`
	ACFrequency float64 `json:"ac_frequency_hz,omitempty"`
}

// StorageData is the measurement payload of a battery.
type StorageData struct {
	StateOfCharge    float64 `json:"state_of_charge_pct"`
	Voltage          float64 `json:"voltage_dc_v"`
	Current          float64 `json:"current_dc_a"`
	CellTemperature  float64 `json:"temperature_cell_c"`
	CapacityMaximum  float64 `json:"capacity_maximum_wh"`
	DesignedCapacity float64 `json:"designed_capacity_wh"`
	Enabled          bool    `json:"enabled"`
}

// MeterData is the measurement payload of a smart meter. The energy counters
// are the raw cumulative values the calibration engine corrects.
type MeterData struct {
	PowerReal          float64    `json:"power_real_w"`
	PowerRealPhases    [3]float64 `json:"power_real_phases_w"`
	Voltages           [3]float64 `json:"voltages_v"`
	Currents           [3]float64 `json:"currents_a"`
	Frequency          float64    `json:"frequency_hz"`
	EnergyRealConsumed float64    `json:"energy_real_consumed_wh"`
	EnergyRealProduced float64    `json:"energy_real_produced_wh"`
	Location           int        `json:"location"`
}

// Data is the mutable measurement payload of a device. Only the field that
// matches the device class is set.
type Data struct {
	Inverter *InverterData `json:"inverter,omitempty"`
	Storage  *StorageData  `json:"storage,omitempty"`
	Meter    *MeterData    `json:"meter,omitempty"`
}

// Device is an immutable identity. Its measurement payload lives in the
// state of the snapshot that owns it, so a merge replaces every payload of a
// snapshot in one step.
type Device struct {
	ID     string
	Class  Class
	Model  string
	Serial string

	initial *Data
	owner   *Snapshot
}

// NewDevice creates a device with an initial payload, which may be nil. The
// payload moves into the snapshot the device is added to.
func NewDevice(class Class, id, model, serial string, data *Data) *Device {
	return &Device{ID: id, Class: class, Model: model, Serial: serial, initial: data}
}

// Key returns the class-qualified identity.
func (d *Device) Key() string {
	return Key(d.Class, d.ID)
}

// Data returns the current payload. Callers must not modify it. Reading
// several devices through a View gives payloads of the same cycle.
func (d *Device) Data() *Data {
	if d.owner == nil {
		return d.initial
	}
	return d.owner.state.Load().payloads[d.Key()]
}

func (d *Device) MarshalJSON() ([]byte, error) {
	return d.marshal(d.Data())
}

func (d *Device) marshal(data *Data) ([]byte, error) {
	return json.Marshal(struct {
		ID     string `json:"id"`
		Class  Class  `json:"class"`
		Model  string `json:"model,omitempty"`
		Serial string `json:"serial,omitempty"`
		Data   *Data  `json:"data,omitempty"`
	}{d.ID, d.Class, d.Model, d.Serial, data})
}

// Group is the ordered set of devices of one class found in a single
// topology pass. It is rebuilt wholesale, never edited.
type Group struct {
	Class   Class     `json:"class"`
	Devices []*Device `json:"devices"`
}

// IDs returns the device ids in group order.
func (g Group) IDs() []string {
	ids := make([]string, len(g.Devices))
	for i, d := range g.Devices {
		ids[i] = d.ID
	}
	return ids
}

// Find returns the device with the given id.
func (g Group) Find(id string) (*Device, bool) {
	for _, d := range g.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}
