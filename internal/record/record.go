// Package record defines the normalized weather record produced by all
// parsers, plus the sanitization rules applied before persisting.
package record

import (
	"time"

	"github.com/skylightwx/skylight/internal/log"
)

// Observation types, in query preference order (most preferred first,
// forecast last).
const (
	TypeCurrent    = "current"
	TypeRecent     = "recent"
	TypeHistorical = "historical"
	TypeForecast   = "forecast"
	TypeSynop      = "synop"
)

// Record is one normalized observation or forecast point together with
// the identity of the station that produced it. Measurement fields are
// pointers so that missing samples survive as JSON null all the way to
// the API.
type Record struct {
	ObservationType string    `json:"observation_type"`
	Source          string    `json:"source"`
	StationID       string    `json:"station_id"`
	WMOStationID    string    `json:"wmo_station_id,omitempty"`
	StationName     string    `json:"station_name"`
	Lat             float64   `json:"lat"`
	Lon             float64   `json:"lon"`
	Height          float64   `json:"height"`
	Timestamp       time.Time `json:"timestamp"`

	Temperature   *float64 `json:"temperature"`   // kelvin
	WindDirection *float64 `json:"wind_direction"` // degrees, [0, 360)
	WindSpeed     *float64 `json:"wind_speed"`     // m/s
	Precipitation *float64 `json:"precipitation"`  // mm
	Sunshine      *float64 `json:"sunshine"`       // seconds
	PressureMSL   *float64 `json:"pressure_msl"`   // pascal
}

// Fields enumerates the measurement field names as they appear in
// ignored-values files and in the database schema.
var Fields = []string{
	"temperature", "wind_direction", "wind_speed",
	"precipitation", "sunshine", "pressure_msl",
}

// Field returns a pointer to the measurement slot named by field, or
// nil for an unknown name.
func (r *Record) Field(field string) **float64 {
	switch field {
	case "temperature":
		return &r.Temperature
	case "wind_direction":
		return &r.WindDirection
	case "wind_speed":
		return &r.WindSpeed
	case "precipitation":
		return &r.Precipitation
	case "sunshine":
		return &r.Sunshine
	case "pressure_msl":
		return &r.PressureMSL
	}
	return nil
}

// Sanitize enforces the measurement invariants in place: negative
// precipitation is nulled, and wind directions in [360, 720) are folded
// back into range while anything else out of range is nulled.
func (r *Record) Sanitize() {
	if r.Precipitation != nil && *r.Precipitation < 0 {
		log.Warnf(
			"ignoring negative precipitation %v for station %s at %s",
			*r.Precipitation, r.StationID, r.Timestamp.Format(time.RFC3339))
		r.Precipitation = nil
	}
	if r.WindDirection != nil {
		switch d := *r.WindDirection; {
		case d >= 0 && d < 360:
		case d >= 360 && d < 720:
			log.Warnf(
				"fixing out-of-bounds wind direction %v for station %s at %s",
				d, r.StationID, r.Timestamp.Format(time.RFC3339))
			folded := d - 360
			r.WindDirection = &folded
		default:
			log.Warnf(
				"ignoring invalid wind direction %v for station %s at %s",
				d, r.StationID, r.Timestamp.Format(time.RFC3339))
			r.WindDirection = nil
		}
	}
}
