package storage

import (
	"context"
	"log/slog"
	"time"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
)

// Recorder stores cycle events, at most one per interval.
type Recorder struct {
	db        *Database
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.Collector

	last      time.Time
	lastClean time.Time
}

func NewRecorder(db *Database, interval, retention time.Duration, m *metrics.Collector) *Recorder {
	return &Recorder{db: db, interval: interval, retention: retention, metrics: m}
}

// Run consumes events until ctx is done or the channel closes.
func (r *Recorder) Run(ctx context.Context, events <-chan collector.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := r.Handle(ctx, ev); err != nil {
				logger.Ctx(ctx).WarnContext(ctx, "failed to store reading", slog.Any("error", err))
			}
		}
	}
}

// Handle stores ev if it carries a sample and the interval has passed. It
// reports whether a row was written.
func (r *Recorder) Handle(ctx context.Context, ev collector.Event) (bool, error) {
	reading, ok := ReadingFromEvent(ev)
	if !ok {
		return false, nil
	}
	if !r.last.IsZero() && reading.Timestamp.Sub(r.last) < r.interval {
		return false, nil
	}

	err := r.db.SaveReading(reading)
	r.metrics.SinkHandled("database", err)
	if err != nil {
		return false, err
	}
	r.last = reading.Timestamp

	if r.retention > 0 && time.Since(r.lastClean) > time.Hour {
		r.lastClean = time.Now()
		if err := r.db.CleanOldReadings(r.retention); err != nil {
			logger.Ctx(ctx).WarnContext(ctx, "failed to clean old readings", slog.Any("error", err))
		}
	}
	return true, nil
}
