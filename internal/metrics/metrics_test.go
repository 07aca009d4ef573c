package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	m := NewCollector("test", prometheus.NewRegistry())

	m.ObserveCycle("ok", 0.2)
	m.ObserveCycle("ok", 0.1)
	m.ObserveCycle("error", 0.1)
	m.DroppedTick()
	m.SetConnected(true)
	m.SetPower("grid", -500)
	m.SinkHandled("mqtt", errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, -500.0, testutil.ToFloat64(m.Power.WithLabelValues("grid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sinks.WithLabelValues("mqtt", "error")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var m *Collector
	assert.NotPanics(t, func() {
		m.ObserveCycle("ok", 1)
		m.DroppedTick()
		m.SetConnected(false)
		m.TopologyRebuilt()
		m.GatewayPolled("ok")
		m.SetPower("load", 1)
		m.SetEfficiency(1)
		m.SinkHandled("amqp", nil)
	})
}
