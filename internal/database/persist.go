package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/parser"
	"github.com/skylightwx/skylight/internal/poller"
	"github.com/skylightwx/skylight/internal/record"
)

const upsertSourceSQL = `
INSERT INTO sources (observation_type, dwd_station_id, wmo_station_id, station_name, lat, lon, height)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (observation_type, dwd_station_id, lat, lon, height) DO UPDATE SET
	wmo_station_id = EXCLUDED.wmo_station_id,
	station_name = EXCLUDED.station_name
RETURNING id
`

const upsertWeatherSQL = `
INSERT INTO weather (source_id, timestamp, temperature, wind_direction, wind_speed, precipitation, sunshine, pressure_msl)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_id, timestamp) DO UPDATE SET
	temperature = COALESCE(EXCLUDED.temperature, weather.temperature),
	wind_direction = COALESCE(EXCLUDED.wind_direction, weather.wind_direction),
	wind_speed = COALESCE(EXCLUDED.wind_speed, weather.wind_speed),
	precipitation = COALESCE(EXCLUDED.precipitation, weather.precipitation),
	sunshine = COALESCE(EXCLUDED.sunshine, weather.sunshine),
	pressure_msl = COALESCE(EXCLUDED.pressure_msl, weather.pressure_msl)
`

const upsertLedgerSQL = `
INSERT INTO parsed_files (url, last_modified, file_size, parsed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	last_modified = EXCLUDED.last_modified,
	file_size = EXCLUDED.file_size,
	parsed_at = EXCLUDED.parsed_at
`

// sourceKey is the source identity within one file; it keeps the
// per-record source upserts down to one round-trip per station.
type sourceKey struct {
	observationType string
	stationID       string
	lat, lon        float64
	height          float64
}

// SaveRecords persists everything parse yields in a single
// transaction: source rows are resolved-or-inserted, weather rows are
// upserted with null-preserving composition, and the ledger entry (if
// given) is written last. Either all of it becomes visible or none.
func (c *Client) SaveRecords(
	ctx context.Context, file *ParsedFile,
	parse func(yield func(record.Record) error) error,
) error {
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sourceIDs := make(map[sourceKey]int64)
		count := 0
		err := parse(func(r record.Record) error {
			sourceID, err := upsertSource(tx, &r, sourceIDs)
			if err != nil {
				return err
			}
			if err := tx.Exec(upsertWeatherSQL,
				sourceID, r.Timestamp,
				r.Temperature, r.WindDirection, r.WindSpeed,
				r.Precipitation, r.Sunshine, r.PressureMSL,
			).Error; err != nil {
				return fmt.Errorf("upserting weather row: %w", err)
			}
			count++
			return nil
		})
		if err != nil {
			return err
		}
		if file != nil {
			if err := writeLedger(tx, file); err != nil {
				return err
			}
		}
		log.Infof("persisted %d records from %d sources", count, len(sourceIDs))
		return nil
	})
}

func upsertSource(tx *gorm.DB, r *record.Record, cache map[sourceKey]int64) (int64, error) {
	key := sourceKey{
		observationType: r.ObservationType,
		stationID:       r.StationID,
		lat:             r.Lat,
		lon:             r.Lon,
		height:          r.Height,
	}
	if id, ok := cache[key]; ok {
		return id, nil
	}
	var id int64
	if err := tx.Raw(upsertSourceSQL,
		r.ObservationType, r.StationID, r.WMOStationID, r.StationName,
		r.Lat, r.Lon, r.Height,
	).Scan(&id).Error; err != nil {
		return 0, fmt.Errorf("upserting source: %w", err)
	}
	cache[key] = id
	return id, nil
}

func writeLedger(tx *gorm.DB, file *ParsedFile) error {
	parsedAt := file.ParsedAt
	if parsedAt.IsZero() {
		parsedAt = time.Now().UTC()
	}
	if err := tx.Exec(upsertLedgerSQL,
		file.URL, file.LastModified, file.FileSize, parsedAt,
	).Error; err != nil {
		return fmt.Errorf("updating parsed-file ledger: %w", err)
	}
	return nil
}

// WriteLedger records a file as parsed outside of a record batch. Used
// for malformed files, so they are not refetched until their remote
// fingerprint changes.
func (c *Client) WriteLedger(ctx context.Context, file *ParsedFile) error {
	return writeLedger(c.DB.WithContext(ctx), file)
}

// ParsedFiles loads the whole ledger as a fingerprint map for the
// poller's change detection.
func (c *Client) ParsedFiles(ctx context.Context) (map[string]poller.Fingerprint, error) {
	var rows []ParsedFile
	if err := c.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading parsed-file ledger: %w", err)
	}
	ledger := make(map[string]poller.Fingerprint, len(rows))
	for _, row := range rows {
		ledger[row.URL] = poller.Fingerprint{
			LastModified: row.LastModified,
			FileSize:     row.FileSize,
		}
	}
	return ledger, nil
}

// ForecastLocation resolves a station's coordinates from its forecast
// source, for parsers whose input files carry none. Implements
// parser.LocationResolver.
func (c *Client) ForecastLocation(stationID string) (parser.Location, bool, error) {
	var source Source
	err := c.DB.
		Where("observation_type = ? AND dwd_station_id = ?", record.TypeForecast, stationID).
		Order("id DESC").
		Limit(1).
		Take(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return parser.Location{}, false, nil
	}
	if err != nil {
		return parser.Location{}, false, fmt.Errorf("resolving station %s: %w", stationID, err)
	}
	return parser.Location{
		Lat:         source.Lat,
		Lon:         source.Lon,
		Height:      source.Height,
		StationName: source.StationName,
	}, true, nil
}

// Clean removes expired forecast rows. Observation rows are kept: the
// retention policy only applies to model output that newer runs have
// superseded.
func (c *Client) Clean(ctx context.Context, horizonDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -horizonDays)
	result := c.DB.WithContext(ctx).Exec(`
		DELETE FROM weather
		USING sources
		WHERE weather.source_id = sources.id
		  AND sources.observation_type = ?
		  AND weather.timestamp < ?`,
		record.TypeForecast, cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("cleaning expired rows: %w", result.Error)
	}
	log.Infof("removed %d expired forecast rows", result.RowsAffected)
	return result.RowsAffected, nil
}
