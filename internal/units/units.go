// Package units provides the measurement conversions and timestamp
// parsing shared by all parsers. Records are stored in SI units:
// kelvin, pascal, meters per second, and seconds.
package units

import (
	"fmt"
	"time"
)

// CelsiusToKelvin converts a temperature in degrees Celsius to kelvin.
func CelsiusToKelvin(c float64) float64 {
	return c + 273.15
}

// KelvinToCelsius is the inverse of CelsiusToKelvin.
func KelvinToCelsius(k float64) float64 {
	return k - 273.15
}

// HPaToPa converts a pressure in hectopascal to pascal.
func HPaToPa(hpa float64) float64 {
	return hpa * 100
}

// PaToHPa is the inverse of HPaToPa.
func PaToHPa(pa float64) float64 {
	return pa / 100
}

// KmhToMs converts a speed in kilometers per hour to meters per second.
func KmhToMs(kmh float64) float64 {
	return kmh / 3.6
}

// MsToKmh is the inverse of KmhToMs.
func MsToKmh(ms float64) float64 {
	return ms * 3.6
}

// MinutesToSeconds converts a duration in minutes to seconds.
func MinutesToSeconds(minutes float64) float64 {
	return minutes * 60
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006010215",
}

// ParseTimestamp parses ISO 8601 timestamps as well as the compact
// YYYYMMDDHH form used by the climate observation products. Inputs
// that carry no zone are interpreted as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
