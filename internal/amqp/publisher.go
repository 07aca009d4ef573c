package amqp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
)

// Pusher is the part of Client the publisher needs.
type Pusher interface {
	Push(ctx context.Context, data []byte) error
}

var _ Pusher = (*Client)(nil)

// Message is the queue payload of one cycle.
type Message struct {
	Cycle           uint64                    `json:"cycle"`
	Time            time.Time                 `json:"time"`
	Connectivity    string                    `json:"connectivity"`
	LastError       string                    `json:"last_error,omitempty"`
	TopologyChanged bool                      `json:"topology_changed"`
	GridPower       *float64                  `json:"grid_power_w,omitempty"`
	LoadPower       *float64                  `json:"load_power_w,omitempty"`
	SolarPower      *float64                  `json:"solar_power_w,omitempty"`
	StoragePower    *float64                  `json:"storage_power_w,omitempty"`
	Corrected       *collector.CorrectedPower `json:"corrected,omitempty"`
	Efficiency      float64                   `json:"efficiency"`
	Devices         int                       `json:"devices"`
}

func messageFromEvent(ev collector.Event) Message {
	m := Message{
		Cycle:           ev.Cycle,
		Time:            ev.Time,
		Connectivity:    ev.Status.Connectivity.String(),
		LastError:       ev.Status.LastError,
		TopologyChanged: ev.TopologyChanged,
		Corrected:       ev.Corrected,
		Efficiency:      ev.Window.Efficiency,
	}
	if ev.Snapshot == nil {
		return m
	}
	m.Devices = len(ev.Snapshot.Devices())
	if pf := ev.Snapshot.PowerFlow(); pf != nil {
		m.GridPower = &pf.GridPower
		m.LoadPower = &pf.LoadPower
		m.SolarPower = &pf.SolarPower
		m.StoragePower = &pf.StoragePower
	}
	return m
}

type Publisher struct {
	pusher  Pusher
	timeout time.Duration
	metrics *metrics.Collector
}

func NewPublisher(p Pusher, timeout time.Duration, m *metrics.Collector) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{pusher: p, timeout: timeout, metrics: m}
}

func (p *Publisher) Publish(ctx context.Context, ev collector.Event) error {
	data, err := json.Marshal(messageFromEvent(ev))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.pusher.Push(ctx, data)
}

// Run forwards events until ctx is done or the channel closes.
func (p *Publisher) Run(ctx context.Context, events <-chan collector.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := p.Publish(ctx, ev)
			p.metrics.SinkHandled("amqp", err)
			if err != nil {
				logger.Ctx(ctx).WarnContext(ctx, "queue publish failed", slog.Uint64("cycle", ev.Cycle), slog.Any("error", err))
			}
		}
	}
}
