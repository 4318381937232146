// Package parser implements the format-specific decoders for the DWD
// open data feeds. Every parser normalizes its input into
// record.Record values; dispatch is by filename.
package parser

import (
	"fmt"
	"regexp"
	"time"

	"github.com/skylightwx/skylight/internal/record"
)

// Parser decodes one downloaded file into normalized records.
//
// Parse pushes records through yield one at a time, in timestamp order
// per station. Returning an error from yield stops the parse and
// propagates the error, so consumers can abort early; open file and
// ZIP handles are released before Parse returns either way.
type Parser interface {
	// ShouldSkip reports whether the file can be skipped outright,
	// e.g. because its filename-embedded date range falls outside the
	// configured ingest window.
	ShouldSkip() bool
	Parse(yield func(record.Record) error) error
}

// ParseError marks a malformed input file. Jobs failing with a
// ParseError are not retried until the remote fingerprint changes.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingStationError indicates that a current-observations file
// references a station for which no forecast source exists yet. The
// file is retried on a later cycle, once a forecast ingest has
// created the station.
type MissingStationError struct {
	StationID string
}

func (e *MissingStationError) Error() string {
	return fmt.Sprintf("no forecast source for station %s", e.StationID)
}

// Location is a station position as recorded by an earlier forecast
// ingest.
type Location struct {
	Lat         float64
	Lon         float64
	Height      float64
	StationName string
}

// LocationResolver supplies station coordinates for parsers whose
// input files carry none. The database client implements it. found is
// false when no forecast source exists for the station.
type LocationResolver interface {
	ForecastLocation(stationID string) (loc Location, found bool, err error)
}

// Env is the immutable per-process context shared by all parsers.
type Env struct {
	MinDate   time.Time
	MaxDate   time.Time // zero means unbounded
	Ignored   record.IgnoredValues
	Locations LocationResolver
}

// after reports whether t exceeds the configured MaxDate.
func (e Env) after(t time.Time) bool {
	return !e.MaxDate.IsZero() && t.After(e.MaxDate)
}

type registration struct {
	pattern *regexp.Regexp
	name    string
	build   func(env Env, path, url string) Parser
}

// Dispatch order matters: first match wins.
var registry = []registration{
	{
		pattern: regexp.MustCompile(`^MOSMIX_S_LATEST_240\.kmz$`),
		name:    "MOSMIXParser",
		build: func(env Env, path, url string) Parser {
			return &MOSMIXParser{env: env, path: path, url: url}
		},
	},
	{
		pattern: regexp.MustCompile(`^\w{5}-BEOB\.csv$`),
		name:    "CurrentObservationsParser",
		build: func(env Env, path, url string) Parser {
			return &CurrentObservationsParser{env: env, path: path, url: url}
		},
	},
	{
		pattern: regexp.MustCompile(`^stundenwerte_FF_`),
		name:    "WindObservationsParser",
		build:   observationsFactory(windVariant),
	},
	{
		pattern: regexp.MustCompile(`^stundenwerte_P0_`),
		name:    "PressureObservationsParser",
		build:   observationsFactory(pressureVariant),
	},
	{
		pattern: regexp.MustCompile(`^stundenwerte_RR_`),
		name:    "PrecipitationObservationsParser",
		build:   observationsFactory(precipitationVariant),
	},
	{
		pattern: regexp.MustCompile(`^stundenwerte_SD_`),
		name:    "SunshineObservationsParser",
		build:   observationsFactory(sunshineVariant),
	},
	{
		pattern: regexp.MustCompile(`^stundenwerte_TU_`),
		name:    "TemperatureObservationsParser",
		build:   observationsFactory(temperatureVariant),
	},
}

func observationsFactory(v variant) func(env Env, path, url string) Parser {
	return func(env Env, path, url string) Parser {
		return &ObservationsParser{env: env, path: path, url: url, variant: v}
	}
}

// ForFilename resolves the parser responsible for filename, or ok=false
// when no pattern matches.
func ForFilename(filename string, env Env, path, url string) (p Parser, name string, ok bool) {
	for _, reg := range registry {
		if reg.pattern.MatchString(filename) {
			return reg.build(env, path, url), reg.name, true
		}
	}
	return nil, "", false
}

// ByName builds the named parser, used when replaying a queued job.
func ByName(name string, env Env, path, url string) (Parser, bool) {
	for _, reg := range registry {
		if reg.name == name {
			return reg.build(env, path, url), true
		}
	}
	return nil, false
}
