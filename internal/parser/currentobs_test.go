package parser

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skylightwx/skylight/internal/record"
)

type stubResolver struct {
	loc   Location
	found bool
}

func (s stubResolver) ForecastLocation(stationID string) (Location, bool, error) {
	return s.loc, s.found, nil
}

const currentObsCSV = "surface observations;Parameter description;" +
	"dry_bulb_temperature_at_2_meter_above_ground;" +
	"precipitation_amount_last_hour;" +
	"pressure_reduced_to_mean_sea_level;" +
	"total_time_of_sunshine_during_last_hour;" +
	"mean_wind_speed_during last_10_min_at_10_meters_above_ground;" +
	"mean_wind_direction_during_last_10 min_at_10_meters_above_ground\n" +
	"10381_;;;;;;;\n" +
	"Datum;Uhrzeit (UTC);Temperatur;Niederschlag;Druck;Sonnenschein;Wind;Windrichtung\n" +
	"01.06.23;14:00;24,1;0,2;1012,8;60;18;190\n" +
	"01.06.23;13:00;23,5;---;1013,2;30;36;180\n"

func writeCurrentObs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "10381-BEOB.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCurrentObservationsParser(t *testing.T) {
	env := Env{Locations: stubResolver{
		loc:   Location{Lat: 52.5, Lon: 13.4, Height: 40, StationName: "BERLIN-BUCH"},
		found: true,
	}}
	p := &CurrentObservationsParser{
		env:  env,
		path: writeCurrentObs(t, currentObsCSV),
		url:  "https://example.com/10381-BEOB.csv",
	}

	records := collect(t, p)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	// Rows arrive newest-first but must be emitted in timestamp order.
	if !records[0].Timestamp.Before(records[1].Timestamp) {
		t.Error("records not sorted by timestamp")
	}

	r := records[0]
	if r.ObservationType != record.TypeCurrent {
		t.Errorf("observation type %q", r.ObservationType)
	}
	if r.StationID != "10381" {
		t.Errorf("station id %q, trailing underscore not stripped?", r.StationID)
	}
	if r.Lat != 52.5 || r.Lon != 13.4 || r.Height != 40 {
		t.Errorf("location not resolved: %v/%v/%v", r.Lat, r.Lon, r.Height)
	}
	if !r.Timestamp.Equal(time.Date(2023, 6, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp %v", r.Timestamp)
	}
	// 23,5 degrees Celsius with a decimal comma.
	if r.Temperature == nil || math.Abs(*r.Temperature-296.65) > 1e-9 {
		t.Errorf("temperature %v, expected 296.65", r.Temperature)
	}
	if r.Precipitation != nil {
		t.Errorf("expected --- to become null, got %v", *r.Precipitation)
	}
	if r.PressureMSL == nil || math.Abs(*r.PressureMSL-101320) > 1e-9 {
		t.Errorf("pressure %v, expected 101320 Pa", r.PressureMSL)
	}
	if r.Sunshine == nil || *r.Sunshine != 1800 {
		t.Errorf("sunshine %v, expected 1800 s", r.Sunshine)
	}
	if r.WindSpeed == nil || *r.WindSpeed != 10 {
		t.Errorf("wind speed %v, expected 10 m/s", r.WindSpeed)
	}
	if r.WindDirection == nil || *r.WindDirection != 180 {
		t.Errorf("wind direction %v", r.WindDirection)
	}
}

func TestCurrentObservationsMissingStation(t *testing.T) {
	env := Env{Locations: stubResolver{found: false}}
	p := &CurrentObservationsParser{
		env:  env,
		path: writeCurrentObs(t, currentObsCSV),
		url:  "https://example.com/10381-BEOB.csv",
	}
	err := p.Parse(func(record.Record) error { return nil })
	var missing *MissingStationError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingStationError, got %v", err)
	}
	if missing.StationID != "10381" {
		t.Errorf("station id %q", missing.StationID)
	}
}
