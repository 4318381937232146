package tasks

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/skylightwx/skylight/internal/config"
	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/record"
)

func init() {
	if err := log.Init(true); err != nil {
		panic(err)
	}
}

const taskTestKML = `<?xml version="1.0" encoding="ISO-8859-1"?>
<kml:kml xmlns:kml="http://www.opengis.net/kml/2.2" xmlns:dwd="https://opendata.dwd.de/weather/lib/pointforecast_dwd_extension_V1_0.xsd">
<kml:Document>
<kml:ExtendedData>
<dwd:ProductDefinition>
<dwd:ProductID>MOSMIX</dwd:ProductID>
<dwd:IssueTime>2023-06-01T12:00:00.000Z</dwd:IssueTime>
<dwd:ForecastTimeSteps>
<dwd:TimeStep>2023-06-01T13:00:00.000Z</dwd:TimeStep>
</dwd:ForecastTimeSteps>
</dwd:ProductDefinition>
</kml:ExtendedData>
<kml:Placemark>
<kml:name>10381</kml:name>
<kml:description>BERLIN-BUCH</kml:description>
<kml:ExtendedData>
<dwd:Forecast dwd:elementName="TTT"><dwd:value> 296.65 </dwd:value></dwd:Forecast>
</kml:ExtendedData>
<kml:Point><kml:coordinates>13.40,52.50,40.00</kml:coordinates></kml:Point>
</kml:Placemark>
</kml:Document>
</kml:kml>`

func kmzBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("MOSMIX_S_LATEST_240.kml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Write([]byte(taskTestKML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	settings := &config.Settings{
		CacheDir:          t.TempDir(),
		IgnoredValuesPath: filepath.Join(t.TempDir(), "ignored.yml"),
	}
	runner, err := New(settings, nil)
	if err != nil {
		t.Fatal(err)
	}
	return runner
}

func countRecords(records *int) func(record.Record) error {
	return func(record.Record) error {
		*records++
		return nil
	}
}

func TestParseKeepsUserSuppliedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MOSMIX_S_LATEST_240.kmz")
	if err := os.WriteFile(path, kmzBytes(t), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := newTestRunner(t)

	var records int
	if err := runner.Parse(context.Background(), path, "", false, countRecords(&records)); err != nil {
		t.Fatal(err)
	}
	if records != 1 {
		t.Fatalf("expected 1 record, got %d", records)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("user-supplied file must survive parsing: %v", err)
	}
}

func TestParseDiscardsDownloadedFile(t *testing.T) {
	payload := kmzBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	runner := newTestRunner(t)
	var records int
	err := runner.Parse(
		context.Background(), "", srv.URL+"/MOSMIX_S_LATEST_240.kmz", false, countRecords(&records))
	if err != nil {
		t.Fatal(err)
	}
	if records != 1 {
		t.Fatalf("expected 1 record, got %d", records)
	}

	// The download cache must be empty again after a successful parse.
	var leftover []string
	err = filepath.WalkDir(runner.settings.CacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			leftover = append(leftover, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(leftover) != 0 {
		t.Errorf("downloaded files not cleaned up: %v", leftover)
	}
}

func TestResolveRequiresPathOrURL(t *testing.T) {
	runner := newTestRunner(t)
	if _, _, _, err := runner.resolve(context.Background(), "", ""); err == nil {
		t.Error("expected an error when neither path nor URL is given")
	}
	if _, _, _, err := runner.resolve(context.Background(), "/tmp/README.txt", ""); err == nil {
		t.Error("expected an error for a filename no parser matches")
	}
}
