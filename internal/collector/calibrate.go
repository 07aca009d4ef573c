package collector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"energy-monitor/internal/calibration"
)

var ErrNoMeter = errors.New("no smart meter reading available")

// Reading is a true meter reading taken by hand. Either side may be unset.
type Reading struct {
	Consumed *float64 `json:"energy_consumed_wh"`
	Produced *float64 `json:"energy_produced_wh"`
}

// Calibrate records the difference between a true meter reading and the
// live raw counters of the primary meter. An unset side is recorded as NaN
// so it does not take part in that direction's factor.
func (c *Collector) Calibrate(ctx context.Context, r Reading) (calibration.HistoryItem, error) {
	if c.calibration == nil {
		return calibration.HistoryItem{}, errors.New("calibration is not enabled")
	}
	if r.Consumed == nil && r.Produced == nil {
		return calibration.HistoryItem{}, errors.New("calibration needs a consumed or produced reading")
	}

	snap := c.snapshot.Load()
	if snap == nil {
		return calibration.HistoryItem{}, ErrNoMeter
	}
	meter, ok := snap.PrimaryMeter()
	if !ok {
		return calibration.HistoryItem{}, ErrNoMeter
	}

	consumed, produced := math.NaN(), math.NaN()
	if r.Consumed != nil {
		consumed = *r.Consumed - meter.EnergyRealConsumed
	}
	if r.Produced != nil {
		produced = *r.Produced - meter.EnergyRealProduced
	}
	if math.IsInf(consumed, 0) || math.IsInf(produced, 0) {
		return calibration.HistoryItem{}, fmt.Errorf("reading out of range: %+v", r)
	}

	return c.calibration.Record(ctx, consumed, produced, calibration.Counters{
		Consumed: meter.EnergyRealConsumed,
		Produced: meter.EnergyRealProduced,
	}), nil
}
