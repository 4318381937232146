package parser

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/record"
)

func init() {
	if err := log.Init(true); err != nil {
		panic(err)
	}
}

const mosmixKML = `<?xml version="1.0" encoding="ISO-8859-1"?>
<kml:kml xmlns:kml="http://www.opengis.net/kml/2.2" xmlns:dwd="https://opendata.dwd.de/weather/lib/pointforecast_dwd_extension_V1_0.xsd">
<kml:Document>
<kml:ExtendedData>
<dwd:ProductDefinition>
<dwd:ProductID>MOSMIX</dwd:ProductID>
<dwd:IssueTime>2023-06-01T12:00:00.000Z</dwd:IssueTime>
<dwd:ForecastTimeSteps>
<dwd:TimeStep>2023-06-01T13:00:00.000Z</dwd:TimeStep>
<dwd:TimeStep>2023-06-01T14:00:00.000Z</dwd:TimeStep>
<dwd:TimeStep>2023-06-01T15:00:00.000Z</dwd:TimeStep>
</dwd:ForecastTimeSteps>
</dwd:ProductDefinition>
</kml:ExtendedData>
<kml:Placemark>
<kml:name>10381</kml:name>
<kml:description>BERLIN-BUCH</kml:description>
<kml:ExtendedData>
<dwd:Forecast dwd:elementName="TTT"><dwd:value> 296.65  297.15  - </dwd:value></dwd:Forecast>
<dwd:Forecast dwd:elementName="DD"><dwd:value> 370.00  180.00  90.00 </dwd:value></dwd:Forecast>
<dwd:Forecast dwd:elementName="FF"><dwd:value> 5.20  4.10  3.00 </dwd:value></dwd:Forecast>
<dwd:Forecast dwd:elementName="RR1c"><dwd:value> 0.00  -0.10  1.30 </dwd:value></dwd:Forecast>
<dwd:Forecast dwd:elementName="SunD1"><dwd:value> 600.00  0.00  3600.00 </dwd:value></dwd:Forecast>
<dwd:Forecast dwd:elementName="PPPP"><dwd:value> 101320.00  101310.00  101300.00 </dwd:value></dwd:Forecast>
</kml:ExtendedData>
<kml:Point><kml:coordinates>13.40,52.50,40.00</kml:coordinates></kml:Point>
</kml:Placemark>
</kml:Document>
</kml:kml>`

func writeKMZ(t *testing.T, kml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "MOSMIX_S_LATEST_240.kmz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	entry, err := zw.Create("MOSMIX_S_LATEST_240.kml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Write([]byte(kml)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(t *testing.T, p Parser) []record.Record {
	t.Helper()
	var records []record.Record
	if err := p.Parse(func(r record.Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return records
}

func TestMOSMIXParser(t *testing.T) {
	path := writeKMZ(t, mosmixKML)
	p := &MOSMIXParser{path: path, url: "https://example.com/MOSMIX_S_LATEST_240.kmz"}

	records := collect(t, p)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.ObservationType != record.TypeForecast {
		t.Errorf("observation type %q", first.ObservationType)
	}
	if first.Source != "MOSMIX:2023-06-01T12:00:00.000Z" {
		t.Errorf("source %q", first.Source)
	}
	if first.StationID != "10381" || first.StationName != "BERLIN-BUCH" {
		t.Errorf("station identity %q/%q", first.StationID, first.StationName)
	}
	// Coordinates are lon,lat,height in the document.
	if first.Lat != 52.5 || first.Lon != 13.4 || first.Height != 40 {
		t.Errorf("coordinates lat=%v lon=%v height=%v", first.Lat, first.Lon, first.Height)
	}
	if !first.Timestamp.Equal(time.Date(2023, 6, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp %v", first.Timestamp)
	}
	if first.Temperature == nil || *first.Temperature != 296.65 {
		t.Errorf("temperature %v", first.Temperature)
	}
	// 370 degrees folds to 10.
	if first.WindDirection == nil || *first.WindDirection != 10 {
		t.Errorf("wind direction %v", first.WindDirection)
	}
	if first.PressureMSL == nil || *first.PressureMSL != 101320 {
		t.Errorf("pressure %v", first.PressureMSL)
	}

	second := records[1]
	// Negative precipitation is nulled by sanitization.
	if second.Precipitation != nil {
		t.Errorf("expected null precipitation, got %v", *second.Precipitation)
	}

	third := records[2]
	// "-" encodes a missing sample.
	if third.Temperature != nil {
		t.Errorf("expected null temperature, got %v", *third.Temperature)
	}
	if third.Precipitation == nil || *third.Precipitation != 1.3 {
		t.Errorf("precipitation %v", third.Precipitation)
	}
}

func TestMOSMIXParserRejectsMultiEntryArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MOSMIX_S_LATEST_240.kmz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range []string{"a.kml", "b.kml"} {
		entry, _ := zw.Create(name)
		entry.Write([]byte(mosmixKML))
	}
	zw.Close()
	f.Close()

	p := &MOSMIXParser{path: path}
	err = p.Parse(func(record.Record) error { return nil })
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
