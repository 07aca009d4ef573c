package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/gateway"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/window"
)

func TestTopicValues(t *testing.T) {
	snap := installation.NewSnapshot(time.Now(), []*installation.Device{
		installation.NewDevice(installation.Storage, "0", "", "", &installation.Data{
			Storage: &installation.StorageData{StateOfCharge: 42},
		}),
		installation.NewDevice(installation.Meter, "0", "", "", &installation.Data{
			Meter: &installation.MeterData{EnergyRealConsumed: 1500, EnergyRealProduced: 2500},
		}),
	})
	snap.SetPowerFlow(&installation.PowerFlowSample{GridPower: -300, LoadPower: -900, SolarPower: 1200})
	snap.SetGateway(&gateway.DeviceList{Devices: []gateway.Device{
		{Present: true, PowerMeter: &gateway.PowerMeter{PowerMilliWatts: 12500}},
	}})

	ev := collector.Event{
		Snapshot:  snap.View(),
		Status:    collector.Status{Connectivity: collector.Connected},
		Window:    window.Stats{Efficiency: 0.95},
		Corrected: &collector.CorrectedPower{GridPower: -270, LoadPower: -930},
	}

	v := topicValues(ev)
	assert.Equal(t, "connected", v["connectivity"])
	assert.Equal(t, -300.0, v["grid_power"])
	assert.Equal(t, -270.0, v["grid_power_corrected"])
	assert.Equal(t, 42.0, v["state_of_charge"])
	assert.Equal(t, 1.5, v["energy_consumed"])
	assert.Equal(t, 12.5, v["gateway_power"])
	assert.Equal(t, 0.95, v["efficiency"])
}

func TestTopicValuesWithoutSnapshot(t *testing.T) {
	v := topicValues(collector.Event{Status: collector.Status{Connectivity: collector.Disconnected}})
	assert.Equal(t, "disconnected", v["connectivity"])
	assert.NotContains(t, v, "grid_power")
}

func TestDiscoveryConfigMatchesStateTopics(t *testing.T) {
	p := &Publisher{topicPrefix: "home/energy"}
	for _, s := range sensors {
		cfg := p.discoveryConfig(s)
		assert.Equal(t, "home/energy/"+s.ID, cfg["state_topic"])
		if s.DeviceClass == "" {
			assert.NotContains(t, cfg, "device_class")
		}
	}
}

func TestDisabledPublisher(t *testing.T) {
	p, err := NewPublisher(context.Background(), PublisherConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, p.Publish(collector.Event{}))
	assert.NoError(t, p.PublishHomeAssistantDiscovery())
	assert.False(t, p.IsConnected())
	p.Close()
}
