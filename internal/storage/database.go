package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/installation"
)

type Database struct {
	db *gorm.DB
}

type powerSample struct {
	Timestamp  time.Time
	SolarPower float64
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&PowerFlowReading{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// ReadingFromEvent flattens a cycle event. It returns false when the cycle
// carried no power-flow sample.
func ReadingFromEvent(ev collector.Event) (*PowerFlowReading, bool) {
	if ev.Snapshot == nil {
		return nil, false
	}
	pf := ev.Snapshot.PowerFlow()
	if pf == nil {
		return nil, false
	}

	r := &PowerFlowReading{
		Timestamp:          pf.Timestamp,
		Cycle:              ev.Cycle,
		GridPower:          pf.GridPower,
		LoadPower:          pf.LoadPower,
		SolarPower:         pf.SolarPower,
		StoragePower:       pf.StoragePower,
		GridPowerCorrected: pf.GridPower,
		LoadPowerCorrected: pf.LoadPower,
		Efficiency:         ev.Window.Efficiency,
		Connectivity:       ev.Status.Connectivity.String(),
	}
	if ev.Corrected != nil {
		r.GridPowerCorrected = ev.Corrected.GridPower
		r.LoadPowerCorrected = ev.Corrected.LoadPower
	}
	for _, d := range ev.Snapshot.Group(installation.Inverter).Devices {
		if data := ev.Snapshot.Data(d); data != nil && data.Inverter != nil {
			r.InverterPower += data.Inverter.ACPower
		}
	}
	for _, d := range ev.Snapshot.Group(installation.Storage).Devices {
		if data := ev.Snapshot.Data(d); data != nil && data.Storage != nil {
			r.StateOfCharge = data.Storage.StateOfCharge
			break
		}
	}
	if m, ok := ev.Snapshot.PrimaryMeter(); ok {
		r.EnergyConsumed = m.EnergyRealConsumed
		r.EnergyProduced = m.EnergyRealProduced
	}
	r.GatewayPower = ev.Snapshot.Gateway().TotalPower()
	return r, true
}

func (d *Database) SaveReading(r *PowerFlowReading) error {
	return d.db.Create(r).Error
}

func (d *Database) GetLatestReading() (*PowerFlowReading, error) {
	var reading PowerFlowReading
	result := d.db.Order("timestamp desc").First(&reading)
	if result.Error != nil {
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) GetReadingsByRange(from, to time.Time) ([]PowerFlowReading, error) {
	var readings []PowerFlowReading
	result := d.db.Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp desc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetReadingsWithLimit(limit int) ([]PowerFlowReading, error) {
	var readings []PowerFlowReading
	result := d.db.Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetDailyStats(date time.Time) (*DailyStats, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	stats := DailyStats{Date: startOfDay}
	row := struct {
		MaxSolar float64
		MaxLoad  float64
		AvgGrid  float64
		AvgEff   float64
		Count    int64
	}{}
	// load is negative while consuming, so its peak is the minimum
	result := d.db.Model(&PowerFlowReading{}).
		Where("timestamp >= ? AND timestamp < ?", startOfDay, endOfDay).
		Select("COALESCE(MAX(solar_power), 0) AS max_solar, COALESCE(-MIN(load_power), 0) AS max_load, " +
			"COALESCE(AVG(grid_power), 0) AS avg_grid, COALESCE(AVG(efficiency), 0) AS avg_eff, COUNT(*) AS count").
		Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}

	stats.MaxSolarPower = row.MaxSolar
	stats.MaxLoadPower = row.MaxLoad
	stats.AvgGridPower = row.AvgGrid
	stats.AvgEfficiency = row.AvgEff
	stats.ReadingsCount = row.Count
	return &stats, nil
}

// GetAverageSolarForTimeOfDay averages the solar power of the last days that
// falls into the same time-of-day bucket as now.
func (d *Database) GetAverageSolarForTimeOfDay(now time.Time, days int, bucketMinutes int) (float64, int, error) {
	if days <= 0 {
		days = 30
	}
	if bucketMinutes <= 0 {
		bucketMinutes = 30
	}

	start := now.AddDate(0, 0, -days)

	var samples []powerSample
	result := d.db.Model(&PowerFlowReading{}).
		Select("timestamp, solar_power").
		Where("timestamp >= ? AND timestamp <= ?", start, now).
		Find(&samples)
	if result.Error != nil {
		return 0, 0, result.Error
	}

	localNow := now.In(time.Local)
	targetMinutes := localNow.Hour()*60 + localNow.Minute()
	bucketStart := (targetMinutes / bucketMinutes) * bucketMinutes
	bucketEnd := bucketStart + bucketMinutes

	var total float64
	count := 0
	for _, sample := range samples {
		ts := sample.Timestamp.In(time.Local)
		minutes := ts.Hour()*60 + ts.Minute()
		if minutes >= bucketStart && minutes < bucketEnd {
			total += sample.SolarPower
			count++
		}
	}

	if count == 0 {
		return 0, 0, nil
	}
	return total / float64(count), count, nil
}

func (d *Database) CleanOldReadings(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return d.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&PowerFlowReading{}).Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
