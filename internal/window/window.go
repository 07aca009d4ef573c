// Package window keeps the last few power-flow samples and derives running
// aggregates from them.
package window

import (
	"math"
	"sync"

	"energy-monitor/internal/installation"
)

// DefaultSize is the number of samples kept when no size is configured.
const DefaultSize = 10

// Field selects one flow category of a sample.
type Field int

const (
	Grid Field = iota
	Load
	Solar
	Storage
)

var fields = []Field{Grid, Load, Solar, Storage}

func (f Field) String() string {
	switch f {
	case Grid:
		return "grid"
	case Load:
		return "load"
	case Solar:
		return "solar"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

func (f Field) value(s installation.PowerFlowSample) float64 {
	switch f {
	case Grid:
		return s.GridPower
	case Load:
		return s.LoadPower
	case Solar:
		return s.SolarPower
	case Storage:
		return s.StoragePower
	default:
		return 0
	}
}

// Window is a bounded FIFO of samples. The oldest sample is evicted once the
// window holds more than its size.
type Window struct {
	mu      sync.RWMutex
	size    int
	samples []installation.PowerFlowSample
}

func New(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{size: size, samples: make([]installation.PowerFlowSample, 0, size+1)}
}

func (w *Window) Size() int { return w.size }

// Push appends s and evicts from the front until the bound holds again.
func (w *Window) Push(s installation.PowerFlowSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		n := copy(w.samples, w.samples[len(w.samples)-w.size:])
		w.samples = w.samples[:n]
	}
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// Samples returns a copy of the window, oldest first.
func (w *Window) Samples() []installation.PowerFlowSample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]installation.PowerFlowSample(nil), w.samples...)
}

// Last returns the newest sample.
func (w *Window) Last() (installation.PowerFlowSample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return installation.PowerFlowSample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

func (w *Window) sum(f Field) float64 {
	var total float64
	for _, s := range w.samples {
		total += f.value(s)
	}
	return total
}

func (w *Window) Sum(f Field) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sum(f)
}

// Average returns the mean of f, or false when the window is empty.
func (w *Window) Average(f Field) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.sum(f) / float64(len(w.samples)), true
}

// ACSum is the power on the AC side of the inverter: grid plus load.
func (w *Window) ACSum() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sum(Grid) + w.sum(Load)
}

// DCSum is the power on the DC side of the inverter: solar plus storage.
func (w *Window) DCSum() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sum(Solar) + w.sum(Storage)
}

// LossSum is what the signed flows fail to balance to.
func (w *Window) LossSum() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lossSum()
}

func (w *Window) lossSum() float64 {
	return (w.sum(Grid) + w.sum(Load)) + (w.sum(Solar) + w.sum(Storage))
}

// LossAverage returns the mean loss per sample, or false when empty.
func (w *Window) LossAverage() (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.lossSum() / float64(len(w.samples)), true
}

// Efficiency is 1 - |loss| / (sum of the categories with a non-negative
// sum). The divisor is floored at the smallest positive float and the result
// is always finite.
func (w *Window) Efficiency() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.efficiency()
}

func (w *Window) efficiency() float64 {
	var positive float64
	for _, f := range fields {
		if s := w.sum(f); s >= 0 {
			positive += s
		}
	}
	e := 1 - math.Abs(w.lossSum())/math.Max(positive, math.SmallestNonzeroFloat64)
	if math.IsInf(e, -1) {
		return -math.MaxFloat64
	}
	return e
}

// Stats is a point-in-time copy of the aggregates.
type Stats struct {
	Count       int                `json:"count"`
	Size        int                `json:"size"`
	Sums        map[string]float64 `json:"sums"`
	Averages    map[string]float64 `json:"averages,omitempty"`
	ACSum       float64            `json:"ac_sum_w"`
	DCSum       float64            `json:"dc_sum_w"`
	LossSum     float64            `json:"loss_sum_w"`
	LossAverage *float64           `json:"loss_average_w,omitempty"`
	Efficiency  float64            `json:"efficiency"`
}

func (w *Window) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := Stats{
		Count:      len(w.samples),
		Size:       w.size,
		Sums:       make(map[string]float64, len(fields)),
		ACSum:      w.sum(Grid) + w.sum(Load),
		DCSum:      w.sum(Solar) + w.sum(Storage),
		LossSum:    w.lossSum(),
		Efficiency: w.efficiency(),
	}
	for _, f := range fields {
		st.Sums[f.String()] = w.sum(f)
	}
	if n := float64(len(w.samples)); n > 0 {
		st.Averages = make(map[string]float64, len(fields))
		for _, f := range fields {
			st.Averages[f.String()] = st.Sums[f.String()] / n
		}
		avg := st.LossSum / n
		st.LossAverage = &avg
	}
	return st
}
