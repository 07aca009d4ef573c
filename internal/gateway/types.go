package gateway

import "encoding/xml"

// DeviceList is the home-automation device inventory returned by
// getdevicelistinfos.
type DeviceList struct {
	XMLName xml.Name `xml:"devicelist" json:"-"`
	Version string   `xml:"version,attr" json:"version"`
	Devices []Device `xml:"device" json:"devices"`
}

// Device is one actor known to the gateway.
type Device struct {
	AIN             string       `xml:"identifier,attr" json:"ain"`
	ID              string       `xml:"id,attr" json:"id"`
	FunctionBitmask int          `xml:"functionbitmask,attr" json:"function_bitmask"`
	FirmwareVersion string       `xml:"fwversion,attr" json:"firmware_version"`
	Manufacturer    string       `xml:"manufacturer,attr" json:"manufacturer"`
	ProductName     string       `xml:"productname,attr" json:"product_name"`
	Present         bool         `xml:"present" json:"present"`
	Name            string       `xml:"name" json:"name"`
	Switch          *Switch      `xml:"switch" json:"switch,omitempty"`
	PowerMeter      *PowerMeter  `xml:"powermeter" json:"power_meter,omitempty"`
	Temperature     *Temperature `xml:"temperature" json:"temperature,omitempty"`
}

// Switch is the relay state of a switchable actor.
type Switch struct {
	State      bool   `xml:"state" json:"state"`
	Mode       string `xml:"mode" json:"mode"`
	Lock       bool   `xml:"lock" json:"lock"`
	DeviceLock bool   `xml:"devicelock" json:"device_lock"`
}

// PowerMeter values are in the gateway's native units.
type PowerMeter struct {
	VoltageMilliVolts int `xml:"voltage" json:"voltage_mv"`
	PowerMilliWatts   int `xml:"power" json:"power_mw"`
	EnergyWattHours   int `xml:"energy" json:"energy_wh"`
}

// Watts returns the current power draw.
func (p PowerMeter) Watts() float64 {
	return float64(p.PowerMilliWatts) / 1000
}

// Temperature is in tenths of a degree Celsius.
type Temperature struct {
	DeciCelsius int `xml:"celsius" json:"deci_celsius"`
	Offset      int `xml:"offset" json:"offset"`
}

// TotalPower sums the power draw of every present device with a meter.
func (l *DeviceList) TotalPower() float64 {
	if l == nil {
		return 0
	}
	var sum float64
	for _, d := range l.Devices {
		if d.Present && d.PowerMeter != nil {
			sum += d.PowerMeter.Watts()
		}
	}
	return sum
}

type sessionInfo struct {
	XMLName   xml.Name `xml:"SessionInfo"`
	SID       string   `xml:"SID"`
	Challenge string   `xml:"Challenge"`
	BlockTime int      `xml:"BlockTime"`
}
