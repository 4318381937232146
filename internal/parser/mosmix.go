package parser

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/record"
	"github.com/skylightwx/skylight/internal/units"
)

// mosmixElements maps forecast element names to record fields.
var mosmixElements = map[string]string{
	"TTT":   "temperature",
	"DD":    "wind_direction",
	"FF":    "wind_speed",
	"RR1c":  "precipitation",
	"SunD1": "sunshine",
	"PPPP":  "pressure_msl",
}

// MOSMIXParser decodes the MOSMIX_S forecast product: a KMZ archive
// holding a single KML document with a shared forecast time axis and
// per-station value strings.
type MOSMIXParser struct {
	env  Env
	path string
	url  string
}

// Field tags carry no namespace on purpose: the document mixes the kml
// and dwd namespaces and we only care about local names.
type mosmixDocument struct {
	ProductID  string           `xml:"Document>ExtendedData>ProductDefinition>ProductID"`
	IssueTime  string           `xml:"Document>ExtendedData>ProductDefinition>IssueTime"`
	TimeSteps  []string         `xml:"Document>ExtendedData>ProductDefinition>ForecastTimeSteps>TimeStep"`
	Placemarks []mosmixStation  `xml:"Document>Placemark"`
}

type mosmixStation struct {
	Name        string           `xml:"name"`
	Description string           `xml:"description"`
	Coordinates string           `xml:"Point>coordinates"`
	Forecasts   []mosmixForecast `xml:"ExtendedData>Forecast"`
}

type mosmixForecast struct {
	ElementName string `xml:"elementName,attr"`
	Value       string `xml:"value"`
}

func (p *MOSMIXParser) ShouldSkip() bool { return false }

func (p *MOSMIXParser) Parse(yield func(record.Record) error) error {
	doc, err := p.decode()
	if err != nil {
		return &ParseError{Path: p.path, Err: err}
	}

	timestamps := make([]time.Time, len(doc.TimeSteps))
	for i, step := range doc.TimeSteps {
		if timestamps[i], err = units.ParseTimestamp(step); err != nil {
			return &ParseError{Path: p.path, Err: err}
		}
	}
	source := doc.ProductID + ":" + doc.IssueTime
	log.Debugf("got %d timestamps for source %s", len(timestamps), source)

	for _, station := range doc.Placemarks {
		if err := p.parseStation(station, timestamps, source, yield); err != nil {
			return err
		}
	}
	return nil
}

func (p *MOSMIXParser) decode() (*mosmixDocument, error) {
	zr, err := zip.OpenReader(p.path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	if len(zr.File) != 1 {
		return nil, fmt.Errorf("expected exactly one archive entry, found %d", len(zr.File))
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	// The document declares Latin-1; let the decoder honor it.
	dec.CharsetReader = charset.NewReaderLabel
	var doc mosmixDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *MOSMIXParser) parseStation(
	station mosmixStation, timestamps []time.Time, source string,
	yield func(record.Record) error,
) error {
	// Coordinates are ordered lon,lat,height, not lat,lon.
	coords := strings.Split(strings.TrimSpace(station.Coordinates), ",")
	if len(coords) != 3 {
		return &ParseError{Path: p.path, Err: fmt.Errorf(
			"station %s: malformed coordinates %q", station.Name, station.Coordinates)}
	}
	lon, err1 := strconv.ParseFloat(coords[0], 64)
	lat, err2 := strconv.ParseFloat(coords[1], 64)
	height, err3 := strconv.ParseFloat(coords[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return &ParseError{Path: p.path, Err: fmt.Errorf(
			"station %s: malformed coordinates %q", station.Name, station.Coordinates)}
	}

	values := make(map[string][]*float64, len(mosmixElements))
	for _, fc := range station.Forecasts {
		field, ok := mosmixElements[fc.ElementName]
		if !ok {
			continue
		}
		samples, err := parseValueList(fc.Value)
		if err != nil {
			return &ParseError{Path: p.path, Err: fmt.Errorf("station %s: %w", station.Name, err)}
		}
		if len(samples) != len(timestamps) {
			return &ParseError{Path: p.path, Err: fmt.Errorf(
				"station %s: element %s has %d samples for %d timestamps",
				station.Name, fc.ElementName, len(samples), len(timestamps))}
		}
		values[field] = samples
	}

	for i, timestamp := range timestamps {
		r := record.Record{
			ObservationType: record.TypeForecast,
			Source:          source,
			StationID:       station.Name,
			WMOStationID:    station.Name,
			StationName:     station.Description,
			Lat:             lat,
			Lon:             lon,
			Height:          height,
			Timestamp:       timestamp,
		}
		for field, samples := range values {
			*r.Field(field) = samples[i]
		}
		p.env.Ignored.Apply(p.url, &r)
		r.Sanitize()
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

// parseValueList splits a whitespace-separated float list; missing
// samples are encoded as "-".
func parseValueList(s string) ([]*float64, error) {
	fields := strings.Fields(s)
	out := make([]*float64, len(fields))
	for i, field := range fields {
		if field == "-" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("bad sample %q: %w", field, err)
		}
		out[i] = &v
	}
	return out, nil
}
