// Package calibration learns correction factors for the smart meter's energy
// counters from a persisted history of calibration events.
package calibration

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
)

// DefaultMaxItems caps the history; the oldest items are dropped first.
const DefaultMaxItems = 50

// Direction is the energy counter a factor applies to.
type Direction int

const (
	Consumed Direction = iota
	Produced
)

func (d Direction) String() string {
	if d == Produced {
		return "produced"
	}
	return "consumed"
}

// HistoryItem is one calibration event: the offsets between the true meter
// reading and the raw counters at that instant. A NaN offset means that
// direction was not sampled.
type HistoryItem struct {
	Timestamp      time.Time `yaml:"timestamp"`
	ConsumedOffset float64   `yaml:"consumed_offset_wh"`
	ProducedOffset float64   `yaml:"produced_offset_wh"`
	EnergyConsumed float64   `yaml:"energy_real_consumed_wh"`
	EnergyProduced float64   `yaml:"energy_real_produced_wh"`
}

// MarshalJSON writes unsampled offsets as null.
func (h HistoryItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp      time.Time `json:"timestamp"`
		ConsumedOffset *float64  `json:"consumed_offset_wh"`
		ProducedOffset *float64  `json:"produced_offset_wh"`
		EnergyConsumed float64   `json:"energy_real_consumed_wh"`
		EnergyProduced float64   `json:"energy_real_produced_wh"`
	}{h.Timestamp, finite(h.ConsumedOffset), finite(h.ProducedOffset), h.EnergyConsumed, h.EnergyProduced})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (h HistoryItem) offset(d Direction) float64 {
	if d == Produced {
		return h.ProducedOffset
	}
	return h.ConsumedOffset
}

func (h HistoryItem) raw(d Direction) float64 {
	if d == Produced {
		return h.EnergyProduced
	}
	return h.EnergyConsumed
}

// Counters are the live raw energy counters of the primary meter.
type Counters struct {
	Consumed float64
	Produced float64
}

type memo struct {
	generation uint64
	factor     float64
}

// Engine owns the history of one installation and the factors derived
// from it.
type Engine struct {
	store    Store
	maxItems int
	now      func() time.Time

	mu         sync.Mutex
	loaded     bool
	history    []HistoryItem
	generation uint64
	factors    map[Direction]memo
}

// NewEngine creates an engine and loads its history from store. An absent or
// unreadable history starts empty.
func NewEngine(ctx context.Context, store Store, maxItems int) *Engine {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	e := &Engine{
		store:    store,
		maxItems: maxItems,
		now:      time.Now,
		factors:  make(map[Direction]memo, 2),
	}
	e.load(ctx)
	return e
}

func (e *Engine) load(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return
	}
	e.loaded = true

	if e.store == nil {
		return
	}
	items, err := e.store.Load(ctx)
	if err != nil {
		logger.Ctx(ctx).WarnContext(ctx, "calibration history unreadable, starting empty", slog.Any("error", err))
		return
	}
	if len(items) > e.maxItems {
		items = items[len(items)-e.maxItems:]
	}
	e.history = items
	e.generation++
}

// Record appends one calibration event using counters as the raw baseline
// and saves the history. A failed save is logged; the in-memory history
// stays authoritative.
func (e *Engine) Record(ctx context.Context, consumedOffset, producedOffset float64, counters Counters) HistoryItem {
	item := HistoryItem{
		Timestamp:      e.now().UTC(),
		ConsumedOffset: consumedOffset,
		ProducedOffset: producedOffset,
		EnergyConsumed: counters.Consumed,
		EnergyProduced: counters.Produced,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, item)
	if over := len(e.history) - e.maxItems; over > 0 {
		e.history = append([]HistoryItem(nil), e.history[over:]...)
	}
	e.generation++

	if e.store != nil {
		if err := e.store.Save(ctx, e.history); err != nil {
			logger.Ctx(ctx).ErrorContext(ctx, "failed to save calibration history", slog.Any("error", err))
		}
	}
	logger.Ctx(ctx).InfoContext(ctx, "calibration recorded",
		slog.Float64("consumed_offset", consumedOffset),
		slog.Float64("produced_offset", producedOffset),
		slog.Int("items", len(e.history)))
	return item
}

// History returns a copy of the history, oldest first.
func (e *Engine) History() []HistoryItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HistoryItem(nil), e.history...)
}

// Factor returns the correction factor for d. It is recomputed only when the
// history changed since the last call.
func (e *Engine) Factor(d Direction) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.factors[d]; ok && m.generation == e.generation {
		return m.factor
	}
	f := factor(e.history, d)
	e.factors[d] = memo{generation: e.generation, factor: f}
	return f
}

// factor compares the earliest and latest items with a finite offset for d.
func factor(history []HistoryItem, d Direction) float64 {
	var first, last *HistoryItem
	usable := 0
	for i := range history {
		if finite(history[i].offset(d)) == nil {
			continue
		}
		if first == nil {
			first = &history[i]
		}
		last = &history[i]
		usable++
	}
	if usable < 2 {
		return 1
	}

	raw := last.raw(d) - first.raw(d)
	if raw == 0 {
		return 1
	}
	return (raw + last.offset(d) - first.offset(d)) / raw
}

// CorrectGrid scales grid power by the produced factor while exporting and by
// the consumed factor otherwise.
func (e *Engine) CorrectGrid(grid float64) float64 {
	if grid < 0 {
		return grid * e.Factor(Produced)
	}
	return grid * e.Factor(Consumed)
}

// CorrectLoad shifts the load by the difference between raw and corrected
// grid power.
func (e *Engine) CorrectLoad(s installation.PowerFlowSample) float64 {
	return s.LoadPower + s.GridPower - e.CorrectGrid(s.GridPower)
}

// Factors reports both factors.
func (e *Engine) Factors() map[string]float64 {
	return map[string]float64{
		Consumed.String(): e.Factor(Consumed),
		Produced.String(): e.Factor(Produced),
	}
}
