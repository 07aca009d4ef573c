package installation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/failure"
	"energy-monitor/internal/gateway"
)

func meter(id string, consumed float64) *Device {
	return NewDevice(Meter, id, "TS 65A-3", "m"+id, &Data{Meter: &MeterData{EnergyRealConsumed: consumed}})
}

func inverter(id string, power float64) *Device {
	return NewDevice(Inverter, id, "Symo GEN24", "i"+id, &Data{Inverter: &InverterData{ACPower: power}})
}

func storage(id string, soc float64) *Device {
	return NewDevice(Storage, id, "BYD HVS", "s"+id, &Data{Storage: &StorageData{StateOfCharge: soc}})
}

func TestMergeWithoutPrevious(t *testing.T) {
	fresh := NewSnapshot(time.Now(), []*Device{inverter("1", 100)})

	res, err := Merge(nil, fresh, nil)
	require.NoError(t, err)
	assert.True(t, res.TopologyChanged)
	assert.Same(t, fresh, res.Snapshot)
}

func TestMergeIncrementalKeepsIdentity(t *testing.T) {
	inv := inverter("1", 100)
	m0 := meter("0", 1000)
	bat := storage("0", 40)
	prev := NewSnapshot(time.Now(), []*Device{inv, bat, m0})
	flow := &PowerFlowSample{GridPower: 10}
	prev.SetPowerFlow(flow)

	fresh := NewSnapshot(time.Now(), []*Device{inverter("1", 2500), storage("0", 41), meter("0", 1001)})

	res, err := Merge(prev, fresh, nil)
	require.NoError(t, err)
	assert.False(t, res.TopologyChanged)
	require.Same(t, prev, res.Snapshot)

	assert.Same(t, inv, res.Snapshot.Inverters.Devices[0])
	assert.Same(t, m0, res.Snapshot.Meters.Devices[0])
	assert.Same(t, bat, res.Snapshot.Storages.Devices[0])
	assert.Equal(t, 2500.0, inv.Data().Inverter.ACPower)
	assert.Equal(t, 41.0, bat.Data().Storage.StateOfCharge)
	assert.Equal(t, 1001.0, m0.Data().Meter.EnergyRealConsumed)
	assert.Same(t, flow, prev.PowerFlow(), "a nil sample keeps the power flow")
}

func TestMergeRebuildsOnTopologyChange(t *testing.T) {
	base := func() *Snapshot {
		return NewSnapshot(time.Now(), []*Device{inverter("1", 1), meter("0", 1), meter("1", 1)})
	}

	cases := map[string]*Snapshot{
		"added":     NewSnapshot(time.Now(), []*Device{inverter("1", 1), meter("0", 1), meter("1", 1), meter("2", 1)}),
		"removed":   NewSnapshot(time.Now(), []*Device{inverter("1", 1), meter("0", 1)}),
		"reordered": NewSnapshot(time.Now(), []*Device{inverter("1", 1), meter("1", 1), meter("0", 1)}),
		"storage":   NewSnapshot(time.Now(), []*Device{inverter("1", 1), storage("0", 1), meter("0", 1), meter("1", 1)}),
	}
	for name, fresh := range cases {
		t.Run(name, func(t *testing.T) {
			prev := base()
			res, err := Merge(prev, fresh, &PowerFlowSample{GridPower: 1})
			require.NoError(t, err)
			assert.True(t, res.TopologyChanged)
			assert.Nil(t, prev.PowerFlow())
			assert.Same(t, fresh, res.Snapshot)
			assert.Equal(t, 1.0, prev.Meters.Devices[0].Data().Meter.EnergyRealConsumed, "previous graph untouched")
		})
	}
}

func TestMergeEmptyClasses(t *testing.T) {
	prev := NewSnapshot(time.Now(), nil)
	fresh := NewSnapshot(time.Now(), nil)

	res, err := Merge(prev, fresh, nil)
	require.NoError(t, err)
	assert.False(t, res.TopologyChanged)
	assert.Empty(t, res.Snapshot.Storages.Devices)
	assert.NotNil(t, res.Snapshot.Storages.Devices)
}

func TestMergePayloadsConsistencyError(t *testing.T) {
	m0 := meter("0", 1)
	prev := NewSnapshot(time.Now(), []*Device{m0, meter("1", 1)})
	fresh := NewSnapshot(time.Now(), []*Device{meter("0", 5)})

	_, err := mergePayloads(prev, fresh)
	require.ErrorIs(t, err, failure.ErrConsistency)
	assert.Contains(t, err.Error(), "meter/1")
	assert.Equal(t, 1.0, m0.Data().Meter.EnergyRealConsumed, "nothing is applied before the error")
}

func TestMergeSwapsPayloadsAndPowerFlowTogether(t *testing.T) {
	m0 := meter("0", 0)
	prev := NewSnapshot(time.Now(), []*Device{inverter("1", 0), m0})
	gw := &gateway.DeviceList{Version: "1"}
	prev.SetGateway(gw)

	fresh := NewSnapshot(time.Now(), []*Device{inverter("1", 7), meter("0", 7)})
	before := prev.View()

	_, err := Merge(prev, fresh, &PowerFlowSample{GridPower: 7})
	require.NoError(t, err)

	after := prev.View()
	assert.Equal(t, 7.0, after.PowerFlow().GridPower)
	assert.Equal(t, 7.0, after.Data(m0).Meter.EnergyRealConsumed)
	assert.Same(t, gw, after.Gateway(), "gateway state survives the merge")

	assert.Nil(t, before.PowerFlow(), "an earlier view is not affected")
	assert.Equal(t, 0.0, before.Data(m0).Meter.EnergyRealConsumed)
}

func TestViewIsNeverTorn(t *testing.T) {
	m0 := meter("0", 0)
	prev := NewSnapshot(time.Now(), []*Device{m0})
	prev.SetPowerFlow(&PowerFlowSample{GridPower: 0})

	const rounds = 5000
	done := make(chan struct{})
	var torn int
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			v := prev.View()
			m, ok := v.PrimaryMeter()
			if !ok || v.PowerFlow() == nil || m.EnergyRealConsumed != v.PowerFlow().GridPower {
				torn++
			}
		}
	}()

	for i := 1; i <= rounds; i++ {
		fresh := NewSnapshot(time.Now(), []*Device{meter("0", float64(i))})
		_, err := Merge(prev, fresh, &PowerFlowSample{GridPower: float64(i)})
		require.NoError(t, err)
	}
	<-done
	assert.Zero(t, torn)
}

func TestSnapshotAccessors(t *testing.T) {
	s := NewSnapshot(time.Now(), []*Device{
		NewDevice(Meter, "0", "", "", nil),
		meter("1", 42),
		NewDevice(Other, "x", "", "", nil),
	})

	m, ok := s.PrimaryMeter()
	require.True(t, ok)
	assert.Equal(t, 42.0, m.EnergyRealConsumed, "meters without payload are skipped")
	assert.Len(t, s.Devices(), 3)
	assert.Equal(t, []string{"x"}, s.Group(Other).IDs())
	assert.Nil(t, s.Gateway())

	raw, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"class":"meter"`)
	assert.Contains(t, string(raw), `"energy_real_consumed_wh":42`)

	loose := meter("9", 3)
	assert.Equal(t, 3.0, loose.Data().Meter.EnergyRealConsumed, "a device outside a snapshot keeps its payload")
}
