package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skylightwx/skylight/internal/record"
	"github.com/skylightwx/skylight/internal/units"
)

// Column headers in the POI files are long English descriptions; a few
// of them contain stray spaces upstream, preserved here literally.
var currentObsElements = map[string]string{
	"dry_bulb_temperature_at_2_meter_above_ground":                      "temperature",
	"mean_wind_direction_during_last_10 min_at_10_meters_above_ground":  "wind_direction",
	"mean_wind_speed_during last_10_min_at_10_meters_above_ground":      "wind_speed",
	"precipitation_amount_last_hour":                                    "precipitation",
	"pressure_reduced_to_mean_sea_level":                                "pressure_msl",
	"total_time_of_sunshine_during_last_hour":                           "sunshine",
}

var currentObsConverters = map[string]func(float64) float64{
	"temperature":  units.CelsiusToKelvin,
	"pressure_msl": units.HPaToPa,
	"sunshine":     units.MinutesToSeconds,
	"wind_speed":   units.KmhToMs,
}

const (
	currentObsDateColumn = "surface observations"
	currentObsHourColumn = "Parameter description"
)

// CurrentObservationsParser decodes the semicolon-delimited POI
// reports carrying the last ~24 hours of observations for one station.
// The file has no coordinates of its own; they are resolved from the
// station's forecast source.
type CurrentObservationsParser struct {
	env  Env
	path string
	url  string
}

func (p *CurrentObservationsParser) ShouldSkip() bool { return false }

func (p *CurrentObservationsParser) Parse(yield func(record.Record) error) error {
	f, err := os.Open(p.path)
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	dateIdx, ok := columns[currentObsDateColumn]
	if !ok {
		return &ParseError{Path: p.path, Err: fmt.Errorf("missing column %q", currentObsDateColumn)}
	}
	hourIdx, ok := columns[currentObsHourColumn]
	if !ok {
		return &ParseError{Path: p.path, Err: fmt.Errorf("missing column %q", currentObsHourColumn)}
	}

	// First data row names the station, second row repeats the header
	// in German and is skipped.
	idRow, err := reader.Read()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	stationID := strings.TrimRight(idRow[dateIdx], "_")
	if _, err := reader.Read(); err != nil {
		return &ParseError{Path: p.path, Err: err}
	}

	if p.env.Locations == nil {
		return fmt.Errorf("current observations parser needs a location resolver")
	}
	loc, found, err := p.env.Locations.ForecastLocation(stationID)
	if err != nil {
		return err
	}
	if !found {
		return &MissingStationError{StationID: stationID}
	}

	var records []record.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ParseError{Path: p.path, Err: err}
		}
		r := record.Record{
			ObservationType: record.TypeCurrent,
			Source:          p.url,
			StationID:       stationID,
			WMOStationID:    stationID,
			StationName:     loc.StationName,
			Lat:             loc.Lat,
			Lon:             loc.Lon,
			Height:          loc.Height,
		}
		r.Timestamp, err = time.Parse("02.01.06 15:04", row[dateIdx]+" "+row[hourIdx])
		if err != nil {
			return &ParseError{Path: p.path, Err: err}
		}
		r.Timestamp = r.Timestamp.UTC()
		for column, field := range currentObsElements {
			idx, ok := columns[column]
			if !ok || idx >= len(row) {
				continue
			}
			value, err := parseDecimalComma(row[idx])
			if err != nil {
				return &ParseError{Path: p.path, Err: fmt.Errorf("column %q: %w", column, err)}
			}
			if value != nil {
				if convert, ok := currentObsConverters[field]; ok {
					*value = convert(*value)
				}
			}
			*r.Field(field) = value
		}
		p.env.Ignored.Apply(p.url, &r)
		r.Sanitize()
		records = append(records, r)
	}

	// The file lists newest first; emit in timestamp order.
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	for _, r := range records {
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

// parseDecimalComma parses a float using the upstream decimal comma;
// the sentinel "---" denotes a missing sample.
func parseDecimalComma(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "---" || s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
