package storage

import (
	"time"

	"gorm.io/gorm"
)

// PowerFlowReading is one stored cycle: the site power flow, its calibrated
// values and a few headline device figures.
type PowerFlowReading struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Cycle     uint64    `json:"cycle"`

	// Power flow (signed watts, negative grid = export)
	GridPower    float64 `json:"grid_power_w"`
	LoadPower    float64 `json:"load_power_w"`
	SolarPower   float64 `json:"solar_power_w"`
	StoragePower float64 `json:"storage_power_w"`

	// Calibrated
	GridPowerCorrected float64 `json:"grid_power_corrected_w"`
	LoadPowerCorrected float64 `json:"load_power_corrected_w"`

	// Window
	Efficiency float64 `json:"efficiency"`

	// Devices
	InverterPower  float64 `json:"inverter_power_w"`
	StateOfCharge  float64 `json:"state_of_charge_pct"`
	EnergyConsumed float64 `json:"energy_real_consumed_wh"`
	EnergyProduced float64 `json:"energy_real_produced_wh"`
	GatewayPower   float64 `json:"gateway_power_w"`

	Connectivity string `json:"connectivity"`
}

type DailyStats struct {
	Date          time.Time `json:"date"`
	MaxSolarPower float64   `json:"max_solar_power_w"`
	MaxLoadPower  float64   `json:"max_load_power_w"`
	AvgGridPower  float64   `json:"avg_grid_power_w"`
	AvgEfficiency float64   `json:"avg_efficiency"`
	ReadingsCount int64     `json:"readings_count"`
}
