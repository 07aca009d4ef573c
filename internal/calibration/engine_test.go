package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/installation"
)

type memStore struct {
	items   []HistoryItem
	loadErr error
	saveErr error
	loads   int
	saves   int
}

func (m *memStore) Load(context.Context) ([]HistoryItem, error) {
	m.loads++
	return m.items, m.loadErr
}

func (m *memStore) Save(_ context.Context, items []HistoryItem) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.items = append([]HistoryItem(nil), items...)
	return nil
}

func TestFactor(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name    string
		history []HistoryItem
		want    float64
	}{
		{"empty", nil, 1},
		{"single item", []HistoryItem{{ConsumedOffset: 5, EnergyConsumed: 100}}, 1},
		{"constant offset", []HistoryItem{
			{ConsumedOffset: 10, EnergyConsumed: 100},
			{ConsumedOffset: 10, EnergyConsumed: 300},
		}, 1.0},
		{"growing offset", []HistoryItem{
			{ConsumedOffset: 0, EnergyConsumed: 100},
			{ConsumedOffset: 40, EnergyConsumed: 300},
		}, 1.2},
		{"unsampled items skipped", []HistoryItem{
			{ConsumedOffset: nan, EnergyConsumed: 50},
			{ConsumedOffset: 0, EnergyConsumed: 100},
			{ConsumedOffset: nan, EnergyConsumed: 200},
			{ConsumedOffset: 40, EnergyConsumed: 300},
			{ConsumedOffset: nan, EnergyConsumed: 400},
		}, 1.2},
		{"only one usable", []HistoryItem{
			{ConsumedOffset: nan, EnergyConsumed: 100},
			{ConsumedOffset: 40, EnergyConsumed: 300},
		}, 1},
		{"no raw movement", []HistoryItem{
			{ConsumedOffset: 0, EnergyConsumed: 100},
			{ConsumedOffset: 40, EnergyConsumed: 100},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, factor(tt.history, Consumed), 1e-12)
		})
	}
}

func TestFactorPerDirection(t *testing.T) {
	store := &memStore{items: []HistoryItem{
		{ConsumedOffset: 0, ProducedOffset: math.NaN(), EnergyConsumed: 100, EnergyProduced: 1000},
		{ConsumedOffset: math.NaN(), ProducedOffset: -100, EnergyConsumed: 150, EnergyProduced: 1000},
		{ConsumedOffset: 40, ProducedOffset: math.NaN(), EnergyConsumed: 300, EnergyProduced: 1500},
		{ConsumedOffset: math.NaN(), ProducedOffset: -200, EnergyConsumed: 350, EnergyProduced: 2000},
	}}
	e := NewEngine(context.Background(), store, 0)

	assert.InDelta(t, 1.2, e.Factor(Consumed), 1e-12)
	assert.InDelta(t, 0.9, e.Factor(Produced), 1e-12)
	assert.Equal(t, map[string]float64{"consumed": e.Factor(Consumed), "produced": e.Factor(Produced)}, e.Factors())
}

func TestCorrection(t *testing.T) {
	store := &memStore{items: []HistoryItem{
		{ConsumedOffset: 0, ProducedOffset: 0, EnergyConsumed: 100, EnergyProduced: 1000},
		{ConsumedOffset: 40, ProducedOffset: -100, EnergyConsumed: 300, EnergyProduced: 2000},
	}}
	e := NewEngine(context.Background(), store, 0)

	assert.InDelta(t, 1200.0, e.CorrectGrid(1000), 1e-9)
	assert.InDelta(t, -900.0, e.CorrectGrid(-1000), 1e-9)

	s := installation.PowerFlowSample{GridPower: 1000, LoadPower: -1500}
	assert.InDelta(t, -1700.0, e.CorrectLoad(s), 1e-9)
}

func TestFactorMemoizedUntilHistoryChanges(t *testing.T) {
	e := NewEngine(context.Background(), &memStore{}, 3)
	e.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	e.Record(context.Background(), 0, math.NaN(), Counters{Consumed: 100})
	e.Record(context.Background(), 10, math.NaN(), Counters{Consumed: 200})
	e.Record(context.Background(), 20, math.NaN(), Counters{Consumed: 300})
	assert.InDelta(t, 1.1, e.Factor(Consumed), 1e-12)

	// the history stays at its cap, yet the new item must change the factor
	e.Record(context.Background(), 100, math.NaN(), Counters{Consumed: 400})
	require.Len(t, e.History(), 3)
	assert.InDelta(t, (200.0+90.0)/200.0, e.Factor(Consumed), 1e-12)
}

func TestRecordCapsHistory(t *testing.T) {
	store := &memStore{}
	e := NewEngine(context.Background(), store, DefaultMaxItems)

	for i := 0; i < DefaultMaxItems+1; i++ {
		e.Record(context.Background(), float64(i), math.NaN(), Counters{Consumed: float64(i * 10)})
	}

	h := e.History()
	require.Len(t, h, DefaultMaxItems)
	assert.Equal(t, 1.0, h[0].ConsumedOffset)
	assert.Equal(t, float64(DefaultMaxItems), h[len(h)-1].ConsumedOffset)
	for i := 1; i < len(h); i++ {
		assert.Greater(t, h[i].EnergyConsumed, h[i-1].EnergyConsumed)
	}
	assert.Len(t, store.items, DefaultMaxItems)
	assert.Equal(t, DefaultMaxItems+1, store.saves)
}

func TestRecordKeepsHistoryWhenSaveFails(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	e := NewEngine(context.Background(), store, 0)

	item := e.Record(context.Background(), 5, math.NaN(), Counters{Consumed: 10, Produced: 20})
	assert.Equal(t, 10.0, item.EnergyConsumed)
	assert.True(t, math.IsNaN(item.ProducedOffset))
	assert.Len(t, e.History(), 1)
	assert.Equal(t, 1, store.saves)
}

func TestLoadOnce(t *testing.T) {
	store := &memStore{items: []HistoryItem{{ConsumedOffset: 1}}}
	e := NewEngine(context.Background(), store, 0)
	e.load(context.Background())
	assert.Equal(t, 1, store.loads)
	assert.Len(t, e.History(), 1)
}

func TestUnreadableHistoryStartsEmpty(t *testing.T) {
	e := NewEngine(context.Background(), &memStore{loadErr: errors.New("boom")}, 0)
	assert.Empty(t, e.History())
	assert.Equal(t, 1.0, e.Factor(Produced))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.yaml")
	store := NewFileStore(path)

	items, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	want := []HistoryItem{
		{Timestamp: ts, ConsumedOffset: 12.5, ProducedOffset: math.NaN(), EnergyConsumed: 1000, EnergyProduced: 2000},
	}
	require.NoError(t, store.Save(context.Background(), want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ".nan")

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(ts))
	assert.Equal(t, 12.5, got[0].ConsumedOffset)
	assert.True(t, math.IsNaN(got[0].ProducedOffset))
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not: [a list"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)

	e := NewEngine(context.Background(), NewFileStore(path), 0)
	assert.Empty(t, e.History())
}

func TestHistoryItemJSON(t *testing.T) {
	data, err := json.Marshal(HistoryItem{ConsumedOffset: math.NaN(), ProducedOffset: 3})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"consumed_offset_wh":null`)
	assert.Contains(t, string(data), `"produced_offset_wh":3`)
}
