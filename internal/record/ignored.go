package record

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/units"
)

// IgnoredValues maps known-bad upstream values to null. The file is
// keyed by source URL, then by timestamp, then by measurement field;
// the stored value is the bad value to suppress. Loaded once at
// startup and never mutated afterwards.
type IgnoredValues map[string]map[time.Time]map[string]float64

// LoadIgnoredValues reads the YAML ignore file at path. A missing file
// is not an error: it yields an empty map.
func LoadIgnoredValues(path string) (IgnoredValues, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IgnoredValues{}, nil
		}
		return nil, fmt.Errorf("reading ignored values: %w", err)
	}

	var raw map[string]map[string]map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing ignored values: %w", err)
	}

	ignored := make(IgnoredValues, len(raw))
	for url, byTimestamp := range raw {
		ignored[url] = make(map[time.Time]map[string]float64, len(byTimestamp))
		for ts, fields := range byTimestamp {
			timestamp, err := units.ParseTimestamp(ts)
			if err != nil {
				return nil, fmt.Errorf("ignored values for %s: %w", url, err)
			}
			ignored[url][timestamp] = fields
		}
	}
	return ignored, nil
}

// Apply nulls every field of r whose current value matches a configured
// bad value for the given source URL. A configured value that no longer
// matches is reported so the ignore entry can be retired.
func (iv IgnoredValues) Apply(url string, r *Record) {
	fields, ok := iv[url][r.Timestamp]
	if !ok {
		return
	}
	for field, badValue := range fields {
		slot := r.Field(field)
		if slot == nil {
			log.Warnf("ignored values for %s name unknown field %q", url, field)
			continue
		}
		if *slot != nil && **slot == badValue {
			*slot = nil
		} else {
			log.Warnf(
				"ignored value %v of field %q for %s at %s no longer exists",
				badValue, field, url, r.Timestamp.Format(time.RFC3339))
		}
	}
}
