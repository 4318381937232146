package parser

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/skylightwx/skylight/internal/record"
	"github.com/skylightwx/skylight/internal/units"
)

// variant describes one hourly climate product. Element keys are taken
// from the produkt file header verbatim; several of them carry leading
// spaces upstream.
type variant struct {
	elements   map[string]string // record field -> column key
	converters map[string]func(float64) float64
}

var (
	temperatureVariant = variant{
		elements:   map[string]string{"temperature": "TT_TU"},
		converters: map[string]func(float64) float64{"temperature": units.CelsiusToKelvin},
	}
	precipitationVariant = variant{
		elements: map[string]string{"precipitation": "  R1"},
	}
	windVariant = variant{
		elements: map[string]string{"wind_speed": "   F", "wind_direction": "   D"},
	}
	sunshineVariant = variant{
		elements:   map[string]string{"sunshine": "SD_SO"},
		converters: map[string]func(float64) float64{"sunshine": units.MinutesToSeconds},
	}
	pressureVariant = variant{
		elements:   map[string]string{"pressure_msl": "  P0"},
		converters: map[string]func(float64) float64{"pressure_msl": units.HPaToPa},
	}
)

var (
	histRangeRe = regexp.MustCompile(`_(\d{8})_(\d{8})_hist\.zip$`)
	metadataRe  = regexp.MustCompile(`^Metadaten_Geographie_(\d+)\.txt$`)
)

const obsSentinel = "-999"

// locationEntry is one row of the station's location history.
type locationEntry struct {
	validFrom time.Time
	loc       Location
}

// ObservationsParser decodes the hourly climate ZIP products: a
// geography metadata file plus exactly one produkt_* CSV keyed by
// MESS_DATUM.
type ObservationsParser struct {
	env     Env
	path    string
	url     string
	variant variant
}

// ShouldSkip consults the date range embedded in historical filenames
// against the configured ingest window.
func (p *ObservationsParser) ShouldSkip() bool {
	m := histRangeRe.FindStringSubmatch(p.path)
	if m == nil {
		return false
	}
	start, err1 := time.Parse("20060102", m[1])
	end, err2 := time.Parse("20060102", m[2])
	if err1 != nil || err2 != nil {
		return false
	}
	if end.Before(p.env.MinDate) {
		return true
	}
	if !p.env.MaxDate.IsZero() && start.After(p.env.MaxDate) {
		return true
	}
	return false
}

func (p *ObservationsParser) observationType() (string, error) {
	switch base := filepath.Base(p.path); {
	case strings.HasSuffix(base, "_akt.zip"):
		return record.TypeRecent, nil
	case strings.HasSuffix(base, "_hist.zip"):
		return record.TypeHistorical, nil
	}
	return "", fmt.Errorf("unable to determine observation type from %q", p.path)
}

func (p *ObservationsParser) Parse(yield func(record.Record) error) error {
	zr, err := zip.OpenReader(p.path)
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	defer zr.Close()

	observationType, err := p.observationType()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}

	stationID, metadataFile, err := findStationID(zr)
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	history, err := p.parseLocationHistory(metadataFile)
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}

	productFile, err := findProductFile(zr)
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	return p.parseRecords(productFile, observationType, stationID, history, yield)
}

func findStationID(zr *zip.ReadCloser) (string, *zip.File, error) {
	for _, f := range zr.File {
		if m := metadataRe.FindStringSubmatch(f.Name); m != nil {
			return m[1], f, nil
		}
	}
	return "", nil, fmt.Errorf("no geography metadata entry found")
}

func findProductFile(zr *zip.ReadCloser) (*zip.File, error) {
	var product *zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "produkt_") {
			if product != nil {
				return nil, fmt.Errorf("multiple produkt entries found")
			}
			product = f
		}
	}
	if product == nil {
		return nil, fmt.Errorf("no produkt entry found")
	}
	return product, nil
}

// parseLocationHistory reads the time-indexed station locations,
// sorted by valid_from ascending. Iteration order of the source file
// is not trusted.
func (p *ObservationsParser) parseLocationHistory(zf *zip.File) ([]locationEntry, error) {
	f, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := latin1CSV(f)
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"von_datum", "Geogr.Breite", "Geogr.Laenge", "Stationshoehe", "Stationsname"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("geography metadata misses column %q", required)
		}
	}

	var history []locationEntry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		validFrom, err := time.Parse("20060102", strings.TrimSpace(row[columns["von_datum"]]))
		if err != nil {
			// Trailing free-text rows are common in these files.
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row[columns["Geogr.Breite"]]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(row[columns["Geogr.Laenge"]]), 64)
		height, err3 := strconv.ParseFloat(strings.TrimSpace(row[columns["Stationshoehe"]]), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("malformed geography metadata row %v", row)
		}
		history = append(history, locationEntry{
			validFrom: validFrom,
			loc: Location{
				Lat:         lat,
				Lon:         lon,
				Height:      height,
				StationName: strings.TrimSpace(row[columns["Stationsname"]]),
			},
		})
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("empty geography metadata")
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].validFrom.Before(history[j].validFrom)
	})
	return history, nil
}

// locationAt returns the latest history entry valid at t. Timestamps
// before the first entry fall back to that entry.
func locationAt(history []locationEntry, t time.Time) Location {
	loc := history[0].loc
	for _, entry := range history {
		if entry.validFrom.After(t) {
			break
		}
		loc = entry.loc
	}
	return loc
}

func (p *ObservationsParser) parseRecords(
	zf *zip.File, observationType, stationID string,
	history []locationEntry, yield func(record.Record) error,
) error {
	f, err := zf.Open()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	defer f.Close()

	source := fmt.Sprintf(
		"Observations:%s:%s", titleCase(observationType), zf.Name)

	reader := latin1CSV(f)
	header, err := reader.Read()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}
	// Element keys are matched against the raw header, leading spaces
	// included.
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	dateIdx, ok := columns["MESS_DATUM"]
	if !ok {
		return &ParseError{Path: p.path, Err: fmt.Errorf("produkt file misses MESS_DATUM")}
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ParseError{Path: p.path, Err: err}
		}
		timestamp, err := time.Parse("2006010215", strings.TrimSpace(row[dateIdx]))
		if err != nil {
			return &ParseError{Path: p.path, Err: err}
		}
		timestamp = timestamp.UTC()
		if timestamp.Before(p.env.MinDate) || p.env.after(timestamp) {
			continue
		}

		loc := locationAt(history, timestamp)
		r := record.Record{
			ObservationType: observationType,
			Source:          source,
			StationID:       stationID,
			StationName:     loc.StationName,
			Lat:             loc.Lat,
			Lon:             loc.Lon,
			Height:          loc.Height,
			Timestamp:       timestamp,
		}
		for field, key := range p.variant.elements {
			idx, ok := columns[key]
			if !ok || idx >= len(row) {
				continue
			}
			raw := strings.TrimSpace(row[idx])
			if raw == obsSentinel || raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return &ParseError{Path: p.path, Err: fmt.Errorf("column %q: %w", key, err)}
			}
			if convert, ok := p.variant.converters[field]; ok {
				v = convert(v)
			}
			*r.Field(field) = &v
		}
		p.env.Ignored.Apply(p.url, &r)
		r.Sanitize()
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// latin1CSV wraps a DWD Latin-1 payload in a semicolon CSV reader.
func latin1CSV(r io.Reader) *csv.Reader {
	reader := csv.NewReader(transform.NewReader(r, charmap.ISO8859_1.NewDecoder()))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}
