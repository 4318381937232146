package parser

import (
	"archive/zip"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skylightwx/skylight/internal/record"
)

const geographyMetadata = "Stations_id;Stationshoehe;Geogr.Breite;Geogr.Laenge;von_datum;bis_datum;Stationsname\n" +
	"44;44;52.9336;8.2370;20040901;20090731;Grossenkneten\n" +
	"44;50;52.9437;8.2370;20090801;;Grossenkneten\n" +
	"Legende: die Angaben gelten jeweils ab dem Datum von_datum\n"

const temperatureProduct = "STATIONS_ID;MESS_DATUM;QN_9;TT_TU;RF_TU;eor\n" +
	"44;2004090100;1;12.5;80;eor\n" +
	"44;2009080100;1;-999;78;eor\n" +
	"44;2023060112;1;23.5;60;eor\n"

func writeObservationsZip(t *testing.T, filename, product string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), filename)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	meta, _ := zw.Create("Metadaten_Geographie_00044.txt")
	meta.Write([]byte(geographyMetadata))
	prod, _ := zw.Create("produkt_tu_stunde_20040901_20231231_00044.txt")
	prod.Write([]byte(product))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTemperatureObservationsParser(t *testing.T) {
	path := writeObservationsZip(t, "stundenwerte_TU_00044_akt.zip", temperatureProduct)
	env := Env{MinDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := &ObservationsParser{env: env, path: path, url: "https://example.com/stundenwerte_TU_00044_akt.zip", variant: temperatureVariant}

	records := collect(t, p)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.ObservationType != record.TypeRecent {
		t.Errorf("observation type %q", first.ObservationType)
	}
	if first.StationID != "00044" {
		t.Errorf("station id %q", first.StationID)
	}
	if first.Source != "Observations:Recent:produkt_tu_stunde_20040901_20231231_00044.txt" {
		t.Errorf("source %q", first.Source)
	}
	if !first.Timestamp.Equal(time.Date(2004, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp %v", first.Timestamp)
	}
	if first.Temperature == nil || math.Abs(*first.Temperature-285.65) > 1e-9 {
		t.Errorf("temperature %v, expected 285.65", first.Temperature)
	}
	// First row predates the 2009 move: original height applies.
	if first.Height != 44 || first.Lat != 52.9336 {
		t.Errorf("location history pick: height=%v lat=%v", first.Height, first.Lat)
	}

	second := records[1]
	if second.Temperature != nil {
		t.Errorf("sentinel -999 should become null, got %v", *second.Temperature)
	}
	// 2009-08-01 falls on the first day of the newer location entry.
	if second.Height != 50 || second.Lat != 52.9437 {
		t.Errorf("location history pick: height=%v lat=%v", second.Height, second.Lat)
	}
}

func TestObservationsParserMinDateFilter(t *testing.T) {
	path := writeObservationsZip(t, "stundenwerte_TU_00044_hist.zip", temperatureProduct)
	env := Env{MinDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := &ObservationsParser{env: env, path: path, url: "u", variant: temperatureVariant}

	records := collect(t, p)
	if len(records) != 1 {
		t.Fatalf("expected only the 2023 record, got %d", len(records))
	}
	if records[0].ObservationType != record.TypeHistorical {
		t.Errorf("observation type %q", records[0].ObservationType)
	}
}

func TestObservationsParserIgnoredValues(t *testing.T) {
	url := "https://example.com/stundenwerte_TU_00044_akt.zip"
	path := writeObservationsZip(t, "stundenwerte_TU_00044_akt.zip", temperatureProduct)
	env := Env{
		MinDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Ignored: record.IgnoredValues{
			url: {
				time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC): {
					// 23.5 degC converts to 296.65 K before the check.
					"temperature": 296.65,
				},
			},
		},
	}
	p := &ObservationsParser{env: env, path: path, url: url, variant: temperatureVariant}

	records := collect(t, p)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Temperature != nil {
		t.Errorf("configured bad value should be nulled, got %v", *records[0].Temperature)
	}
}

func TestObservationsShouldSkip(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		min      time.Time
		max      time.Time
		expected bool
	}{
		{
			name:     "ancient historical file",
			filename: "stundenwerte_TU_00044_19500101_19551231_hist.zip",
			min:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: true,
		},
		{
			name:     "overlapping historical file",
			filename: "stundenwerte_TU_00044_20190101_20211231_hist.zip",
			min:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
		{
			name:     "beyond max date",
			filename: "stundenwerte_TU_00044_20300101_20301231_hist.zip",
			min:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			max:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: true,
		},
		{
			name:     "recent file never skipped",
			filename: "stundenwerte_TU_00044_akt.zip",
			min:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &ObservationsParser{
				env:     Env{MinDate: tt.min, MaxDate: tt.max},
				path:    "/cache/" + tt.filename,
				variant: temperatureVariant,
			}
			if got := p.ShouldSkip(); got != tt.expected {
				t.Errorf("ShouldSkip() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestForFilename(t *testing.T) {
	tests := []struct {
		filename string
		parser   string
	}{
		{"MOSMIX_S_LATEST_240.kmz", "MOSMIXParser"},
		{"10381-BEOB.csv", "CurrentObservationsParser"},
		{"stundenwerte_FF_00044_akt.zip", "WindObservationsParser"},
		{"stundenwerte_P0_00044_akt.zip", "PressureObservationsParser"},
		{"stundenwerte_RR_00044_akt.zip", "PrecipitationObservationsParser"},
		{"stundenwerte_SD_00044_akt.zip", "SunshineObservationsParser"},
		{"stundenwerte_TU_00044_19500101_19551231_hist.zip", "TemperatureObservationsParser"},
	}
	for _, tt := range tests {
		p, name, ok := ForFilename(tt.filename, Env{}, "/tmp/"+tt.filename, "")
		if !ok {
			t.Errorf("no parser for %q", tt.filename)
			continue
		}
		if name != tt.parser {
			t.Errorf("%q dispatched to %s, expected %s", tt.filename, name, tt.parser)
		}
		if p == nil {
			t.Errorf("nil parser for %q", tt.filename)
		}
		if byName, ok := ByName(name, Env{}, "", ""); !ok || byName == nil {
			t.Errorf("ByName(%q) failed", name)
		}
	}

	if _, _, ok := ForFilename("README.txt", Env{}, "", ""); ok {
		t.Error("unexpected parser for README.txt")
	}
}
