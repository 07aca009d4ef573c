package solarapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"energy-monitor/internal/failure"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/topology"

	"github.com/samber/lo"
)

const apiPrefix = "solar_api/v1/"

type envelope struct {
	Head struct {
		Status *struct {
			Code        *int   `json:"Code"`
			Reason      string `json:"Reason"`
			UserMessage string `json:"UserMessage"`
		} `json:"Status"`
		Timestamp time.Time `json:"Timestamp"`
	} `json:"Head"`
	Body struct {
		Data json.RawMessage `json:"Data"`
	} `json:"Body"`
}

// get reads an API resource and decodes its Body.Data into dest. It returns
// the device timestamp from the envelope head.
func (c *Client) get(ctx context.Context, resource string, params url.Values, dest any) (time.Time, error) {
	path := apiPrefix + resource
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, status, err := c.Fetch(ctx, path, nil)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return time.Time{}, fmt.Errorf("%w: %s rejected credentials", failure.ErrAuthentication, resource)
	case status != http.StatusOK:
		return time.Time{}, fmt.Errorf("%w: %s returned status %d", failure.ErrProtocol, resource, status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return time.Time{}, fmt.Errorf("%w: decoding %s: %w", failure.ErrProtocol, resource, err)
	}
	if env.Head.Status == nil || env.Head.Status.Code == nil {
		return time.Time{}, fmt.Errorf("%w: %s has no status envelope", failure.ErrProtocol, resource)
	}
	if code := *env.Head.Status.Code; code != 0 {
		return time.Time{}, &failure.StatusError{
			Code:        code,
			Reason:      env.Head.Status.Reason,
			UserMessage: env.Head.Status.UserMessage,
			Request:     resource,
		}
	}
	if len(env.Body.Data) == 0 || string(env.Body.Data) == "null" {
		return time.Time{}, fmt.Errorf("%w: %s has no data", failure.ErrProtocol, resource)
	}
	if err := json.Unmarshal(env.Body.Data, dest); err != nil {
		return time.Time{}, fmt.Errorf("%w: decoding %s data: %w", failure.ErrProtocol, resource, err)
	}
	return env.Head.Timestamp, nil
}

type commandResponse struct {
	Success    *bool           `json:"success"`
	Failure    string          `json:"failure"`
	ResultData json.RawMessage `json:"resultData"`
}

// Command posts body (or GETs when nil) to a device command endpoint. A 400
// carrying a failure reason is returned as a *failure.CommandRejectedError.
func (c *Client) Command(ctx context.Context, path string, body any, dest any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	raw, status, err := c.Fetch(ctx, path, payload)
	if err != nil {
		return err
	}

	var res commandResponse
	if status == http.StatusOK || status == http.StatusBadRequest {
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("%w: decoding %s: %w", failure.ErrProtocol, path, err)
		}
	}

	switch status {
	case http.StatusOK:
	case http.StatusBadRequest:
		reason := res.Failure
		if reason == "" {
			reason = "unknown bad request"
		}
		return &failure.CommandRejectedError{Request: path, Reason: reason}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s rejected credentials", failure.ErrAuthentication, path)
	default:
		return fmt.Errorf("%w: %s returned status %d", failure.ErrProtocol, path, status)
	}

	if res.Success == nil || !*res.Success {
		return fmt.Errorf("%w: %s did not report success: %s", failure.ErrProtocol, path, string(raw))
	}
	if dest != nil && len(res.ResultData) > 0 && string(res.ResultData) != "null" {
		if err := json.Unmarshal(res.ResultData, dest); err != nil {
			return fmt.Errorf("%w: decoding %s result: %w", failure.ErrProtocol, path, err)
		}
	}
	return nil
}

var inventoryKinds = []string{"Inverter", "Storage", "Meter", "Ohmpilot", "SensorCard", "StringControl"}

type inventoryItem struct {
	DT     int    `json:"DT"`
	Serial string `json:"Serial"`
}

// Inventory lists every device the inverter knows of, grouped by kind in a
// fixed order and by ascending id within a kind.
func (c *Client) Inventory(ctx context.Context) ([]topology.Entry, error) {
	params := url.Values{}
	params.Set("DeviceClass", "System")

	var data map[string]map[string]inventoryItem
	if _, err := c.get(ctx, "GetActiveDeviceInfo.cgi", params, &data); err != nil {
		return nil, err
	}

	kinds := append([]string{}, inventoryKinds...)
	var extra []string
	for k := range data {
		if !lo.Contains(inventoryKinds, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	kinds = append(kinds, extra...)

	var entries []topology.Entry
	for _, kind := range kinds {
		items := data[kind]
		ids := make([]string, 0, len(items))
		for id := range items {
			ids = append(ids, id)
		}
		sortIDs(ids)
		for _, id := range ids {
			entries = append(entries, topology.Entry{
				Kind:       kind,
				ID:         id,
				DeviceType: items[id].DT,
				Serial:     items[id].Serial,
			})
		}
	}
	return entries, nil
}

// sortIDs orders numeric ids numerically and everything else lexically after
// them.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

type valueUnit struct {
	Value float64 `json:"Value"`
	Unit  string  `json:"Unit"`
}

type commonInverterData struct {
	PAC          valueUnit `json:"PAC"`
	UAC          valueUnit `json:"UAC"`
	IAC          valueUnit `json:"IAC"`
	FAC          valueUnit `json:"FAC"`
	UDC          valueUnit `json:"UDC"`
	IDC          valueUnit `json:"IDC"`
	DayEnergy    valueUnit `json:"DAY_ENERGY"`
	YearEnergy   valueUnit `json:"YEAR_ENERGY"`
	TotalEnergy  valueUnit `json:"TOTAL_ENERGY"`
	DeviceStatus struct {
		StatusCode int `json:"StatusCode"`
		ErrorCode  int `json:"ErrorCode"`
	} `json:"DeviceStatus"`
}

// Inverter reads the common realtime data of one inverter.
func (c *Client) Inverter(ctx context.Context, id string) (*installation.InverterData, error) {
	params := url.Values{}
	params.Set("Scope", "Device")
	params.Set("DeviceId", id)
	params.Set("DataCollection", "CommonInverterData")

	var d commonInverterData
	if _, err := c.get(ctx, "GetInverterRealtimeData.cgi", params, &d); err != nil {
		return nil, err
	}
	return &installation.InverterData{
		ACPower:     d.PAC.Value,
		DayEnergy:   d.DayEnergy.Value,
		YearEnergy:  d.YearEnergy.Value,
		TotalEnergy: d.TotalEnergy.Value,
		StatusCode:  d.DeviceStatus.StatusCode,
		ErrorCode:   d.DeviceStatus.ErrorCode,
		DCVoltage:   d.UDC.Value,
		DCCurrent:   d.IDC.Value,
		ACVoltage:   d.UAC.Value,
		ACCurrent:   d.IAC.Value,
		ACFrequency: d.FAC.Value,
	}, nil
}

type meterData struct {
	PowerRealSum       float64 `json:"PowerReal_P_Sum"`
	PowerRealPhase1    float64 `json:"PowerReal_P_Phase_1"`
	PowerRealPhase2    float64 `json:"PowerReal_P_Phase_2"`
	PowerRealPhase3    float64 `json:"PowerReal_P_Phase_3"`
	VoltagePhase1      float64 `json:"Voltage_AC_Phase_1"`
	VoltagePhase2      float64 `json:"Voltage_AC_Phase_2"`
	VoltagePhase3      float64 `json:"Voltage_AC_Phase_3"`
	CurrentPhase1      float64 `json:"Current_AC_Phase_1"`
	CurrentPhase2      float64 `json:"Current_AC_Phase_2"`
	CurrentPhase3      float64 `json:"Current_AC_Phase_3"`
	Frequency          float64 `json:"Frequency_Phase_Average"`
	EnergyRealConsumed float64 `json:"EnergyReal_WAC_Sum_Consumed"`
	EnergyRealProduced float64 `json:"EnergyReal_WAC_Sum_Produced"`
	Location           int     `json:"Meter_Location_Current"`
}

// Meters reads the realtime data of every smart meter, keyed by meter id.
func (c *Client) Meters(ctx context.Context) (map[string]*installation.MeterData, error) {
	params := url.Values{}
	params.Set("Scope", "System")

	var raw map[string]meterData
	if _, err := c.get(ctx, "GetMeterRealtimeData.cgi", params, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*installation.MeterData, len(raw))
	for id, m := range raw {
		out[id] = &installation.MeterData{
			PowerReal:          m.PowerRealSum,
			PowerRealPhases:    [3]float64{m.PowerRealPhase1, m.PowerRealPhase2, m.PowerRealPhase3},
			Voltages:           [3]float64{m.VoltagePhase1, m.VoltagePhase2, m.VoltagePhase3},
			Currents:           [3]float64{m.CurrentPhase1, m.CurrentPhase2, m.CurrentPhase3},
			Frequency:          m.Frequency,
			EnergyRealConsumed: m.EnergyRealConsumed,
			EnergyRealProduced: m.EnergyRealProduced,
			Location:           m.Location,
		}
	}
	return out, nil
}

type storageData struct {
	Controller struct {
		StateOfCharge    float64 `json:"StateOfCharge_Relative"`
		Voltage          float64 `json:"Voltage_DC"`
		Current          float64 `json:"Current_DC"`
		CellTemperature  float64 `json:"Temperature_Cell"`
		CapacityMaximum  float64 `json:"Capacity_Maximum"`
		DesignedCapacity float64 `json:"DesignedCapacity"`
		Enable           int     `json:"Enable"`
	} `json:"Controller"`
}

// Storages reads the realtime data of every battery, keyed by storage id.
func (c *Client) Storages(ctx context.Context) (map[string]*installation.StorageData, error) {
	params := url.Values{}
	params.Set("Scope", "System")

	var raw map[string]storageData
	if _, err := c.get(ctx, "GetStorageRealtimeData.cgi", params, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*installation.StorageData, len(raw))
	for id, s := range raw {
		ctl := s.Controller
		out[id] = &installation.StorageData{
			StateOfCharge:    ctl.StateOfCharge,
			Voltage:          ctl.Voltage,
			Current:          ctl.Current,
			CellTemperature:  ctl.CellTemperature,
			CapacityMaximum:  ctl.CapacityMaximum,
			DesignedCapacity: ctl.DesignedCapacity,
			Enabled:          ctl.Enable == 1,
		}
	}
	return out, nil
}

type powerFlowData struct {
	Site struct {
		Grid    *float64 `json:"P_Grid"`
		Load    *float64 `json:"P_Load"`
		PV      *float64 `json:"P_PV"`
		Storage *float64 `json:"P_Akku"`
	} `json:"Site"`
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// PowerFlow reads the site-level power flow.
func (c *Client) PowerFlow(ctx context.Context) (installation.PowerFlowSample, error) {
	var d powerFlowData
	ts, err := c.get(ctx, "GetPowerFlowRealtimeData.fcgi", nil, &d)
	if err != nil {
		return installation.PowerFlowSample{}, err
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return installation.PowerFlowSample{
		Timestamp:    ts.UTC(),
		GridPower:    orZero(d.Site.Grid),
		LoadPower:    orZero(d.Site.Load),
		SolarPower:   orZero(d.Site.PV),
		StoragePower: orZero(d.Site.Storage),
	}, nil
}

// StandbyStatus is the inverter's standby state.
type StandbyStatus struct {
	IsStandby    bool `json:"isStandby"`
	RequestState int  `json:"requestState"`
}

// StandbyState reads whether the inverter is in standby.
func (c *Client) StandbyState(ctx context.Context) (*StandbyStatus, error) {
	var s StandbyStatus
	if err := c.Command(ctx, "commands/StandbyState", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
