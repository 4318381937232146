// Package query answers point-in-time weather questions: nearest-source
// resolution over a great-circle earth-box index, temporal record
// selection by source preference, and single-pass fallback filling of
// missing fields.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/skylightwx/skylight/internal/database"
	"github.com/skylightwx/skylight/internal/record"
)

// ErrNotFound is returned when no source or weather row matches the
// given criteria. API handlers map it to a 404.
var ErrNotFound = errors.New("no results match the given criteria")

// ErrMissingCriteria is returned when neither coordinates nor any
// station identifier were supplied.
var ErrMissingCriteria = errors.New(
	"supply lat/lon, dwd_station_id, wmo_station_id, or source_id")

// DefaultMaxDist is the search radius in meters when none is given.
const DefaultMaxDist = 50000

// Criteria selects sources. Exactly one mode applies, checked in
// order: SourceID, DWDStationID, WMOStationID, then Lat/Lon.
type Criteria struct {
	Lat          *float64
	Lon          *float64
	MaxDist      int
	DWDStationID string
	WMOStationID string
	SourceID     *int64
	IgnoreType   bool
}

// SourceRow is a source search hit; Distance is only set in
// geographic mode.
type SourceRow struct {
	database.Source
	Distance *float64 `json:"distance,omitempty"`
}

// WeatherRow is one returned weather record, annotated with the
// sources that filled originally-missing fields.
type WeatherRow struct {
	database.Weather
	FallbackSourceIDs map[string]int64 `json:"fallback_source_ids,omitempty"`
}

// Result bundles the selected weather rows with the source rows that
// actually contributed to them.
type Result struct {
	Weather []WeatherRow `json:"weather"`
	Sources []SourceRow  `json:"sources,omitempty"`
}

// Service runs queries against the weather database.
type Service struct {
	db *database.Client
}

func New(db *database.Client) *Service {
	return &Service{db: db}
}

// preferenceRank orders observation types by how authoritative their
// records are for a point-in-time query.
const preferenceRank = `CASE observation_type
	WHEN 'current' THEN 0
	WHEN 'recent' THEN 1
	WHEN 'historical' THEN 2
	WHEN 'forecast' THEN 3
	ELSE 4 END`

const distanceExpr = `earth_distance(ll_to_earth(?, ?), ll_to_earth(lat, lon))`

// Sources returns all sources matching the criteria. In geographic
// mode the result is ordered by observation-type preference and then
// distance; IgnoreType orders by distance alone.
func (s *Service) Sources(ctx context.Context, c Criteria) ([]SourceRow, error) {
	sql, args, err := sourcesSQL(c)
	if err != nil {
		return nil, err
	}
	var rows []SourceRow
	if err := s.db.DB.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows, nil
}

func sourcesSQL(c Criteria) (string, []interface{}, error) {
	sel := "id, observation_type, dwd_station_id, wmo_station_id, station_name, lat, lon, height"
	orderBy := preferenceRank
	var where string
	var args []interface{}

	switch {
	case c.SourceID != nil:
		where = "id = ?"
		args = append(args, *c.SourceID)
	case c.DWDStationID != "":
		where = "dwd_station_id = ?"
		args = append(args, c.DWDStationID)
	case c.WMOStationID != "":
		where = "wmo_station_id = ?"
		args = append(args, c.WMOStationID)
	case c.Lat != nil && c.Lon != nil:
		maxDist := c.MaxDist
		if maxDist <= 0 {
			maxDist = DefaultMaxDist
		}
		sel += ", " + distanceExpr + " AS distance"
		where = "earth_box(ll_to_earth(?, ?), ?) @> ll_to_earth(lat, lon) AND " + distanceExpr + " < ?"
		args = append(args,
			*c.Lat, *c.Lon, // select distance
			*c.Lat, *c.Lon, maxDist, // earth_box
			*c.Lat, *c.Lon, maxDist, // distance bound
		)
		if c.IgnoreType {
			orderBy = "distance"
		} else {
			orderBy += ", distance"
		}
	default:
		return "", nil, ErrMissingCriteria
	}

	sql := fmt.Sprintf("SELECT %s FROM sources WHERE %s ORDER BY %s", sel, where, orderBy)
	return sql, args, nil
}

// Weather returns, for each timestamp in [date, lastDate], the record
// from the most-preferred source that has one. A zero lastDate
// defaults to date + 1 day. With fallback enabled, missing fields are
// filled from less-preferred sources using one additional query.
func (s *Service) Weather(
	ctx context.Context, date, lastDate time.Time, c Criteria, fallback bool,
) (*Result, error) {
	if lastDate.IsZero() {
		lastDate = date.AddDate(0, 0, 1)
	}

	if c.SourceID != nil {
		rows, err := s.weatherRows(ctx, date, lastDate, []int64{*c.SourceID}, nil)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			// Distinguish an unknown source id from a silent period.
			if _, err := s.Sources(ctx, c); err != nil {
				return nil, err
			}
		}
		return &Result{Weather: rows}, nil
	}

	sources, err := s.Sources(ctx, c)
	if err != nil {
		return nil, err
	}
	sourceIDs := make([]int64, len(sources))
	for i, src := range sources {
		sourceIDs[i] = src.ID
	}

	rows, err := s.weatherRows(ctx, date, lastDate, sourceIDs, nil)
	if err != nil {
		return nil, err
	}
	if fallback {
		if err := s.fillMissingFields(ctx, rows, sourceIDs); err != nil {
			return nil, err
		}
	}

	used := make(map[int64]bool)
	for _, row := range rows {
		used[row.SourceID] = true
		for _, id := range row.FallbackSourceIDs {
			used[id] = true
		}
	}
	result := &Result{Weather: rows}
	for _, src := range sources {
		if used[src.ID] {
			result.Sources = append(result.Sources, src)
		}
	}
	return result, nil
}

// weatherRows picks one record per timestamp, preferring sources in
// the order given. notNull restricts the scan to rows where all named
// fields are present.
func (s *Service) weatherRows(
	ctx context.Context, date, lastDate time.Time, sourceIDs []int64, notNull []string,
) ([]WeatherRow, error) {
	sql, args := weatherSQL(date, lastDate, sourceIDs, notNull)
	var rows []WeatherRow
	if err := s.db.DB.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying weather: %w", err)
	}
	return rows, nil
}

func weatherSQL(date, lastDate time.Time, sourceIDs []int64, notNull []string) (string, []interface{}) {
	where := "timestamp BETWEEN ? AND ? AND source_id IN ?"
	args := []interface{}{date, lastDate, sourceIDs}

	var conditions []string
	for _, field := range notNull {
		conditions = append(conditions, field+" IS NOT NULL")
	}
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}

	sql := `SELECT DISTINCT ON (timestamp) * FROM weather WHERE ` + where +
		` ORDER BY timestamp, array_position(?::bigint[], source_id)`
	args = append(args, pq.Array(sourceIDs))
	return sql, args
}

// fillMissingFields performs the single fallback pass: one extra query
// over the same sources, restricted to rows where every
// originally-missing field is present, then a per-timestamp copy.
// A fallback row covering only part of the missing fields is skipped;
// bounding the work to one query is worth the occasional miss.
func (s *Service) fillMissingFields(ctx context.Context, rows []WeatherRow, sourceIDs []int64) error {
	notNull, first, last := missingFieldSpan(rows)
	if len(notNull) == 0 {
		return nil
	}
	fallbackRows, err := s.weatherRows(ctx, first, last, sourceIDs, notNull)
	if err != nil {
		return err
	}
	applyFallback(rows, fallbackRows)
	return nil
}

// missingFieldSpan returns the union of missing measurement fields
// across rows and the timestamp span of the incomplete rows. An empty
// union means every row is complete.
func missingFieldSpan(rows []WeatherRow) (notNull []string, first, last time.Time) {
	missing := make(map[string]bool)
	for i := range rows {
		for _, field := range record.Fields {
			if *rows[i].Field(field) != nil {
				continue
			}
			if len(missing) == 0 {
				first = rows[i].Timestamp
			}
			last = rows[i].Timestamp
			missing[field] = true
		}
	}
	for _, field := range record.Fields {
		if missing[field] {
			notNull = append(notNull, field)
		}
	}
	return notNull, first, last
}

// applyFallback copies, per timestamp, every still-missing field from
// the matching fallback row and records the contributing source in
// FallbackSourceIDs.
func applyFallback(rows []WeatherRow, fallback []WeatherRow) {
	byTimestamp := make(map[time.Time]*WeatherRow, len(fallback))
	for i := range fallback {
		byTimestamp[fallback[i].Timestamp.UTC()] = &fallback[i]
	}

	for i := range rows {
		row := &rows[i]
		fb, ok := byTimestamp[row.Timestamp.UTC()]
		if !ok || fb.SourceID == row.SourceID {
			continue
		}
		for _, field := range record.Fields {
			if *row.Field(field) != nil || *fb.Field(field) == nil {
				continue
			}
			if row.FallbackSourceIDs == nil {
				row.FallbackSourceIDs = make(map[string]int64)
			}
			*row.Field(field) = *fb.Field(field)
			row.FallbackSourceIDs[field] = fb.SourceID
		}
	}
}
