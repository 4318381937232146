package database

import (
	"time"
)

// Source is the stable identity of a station under one observation
// type at one location. Sources are inserted on first sighting and
// never mutated apart from their display name and WMO id; a station
// that moves yields a new row.
type Source struct {
	ID              int64   `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	ObservationType string  `gorm:"column:observation_type;not null" json:"observation_type"`
	DWDStationID    string  `gorm:"column:dwd_station_id" json:"dwd_station_id"`
	WMOStationID    string  `gorm:"column:wmo_station_id" json:"wmo_station_id,omitempty"`
	StationName     string  `gorm:"column:station_name" json:"station_name"`
	Lat             float64 `gorm:"column:lat;not null" json:"lat"`
	Lon             float64 `gorm:"column:lon;not null" json:"lon"`
	Height          float64 `gorm:"column:height;not null" json:"height"`
}

// TableName specifies the table name for Source
func (Source) TableName() string {
	return "sources"
}

// Weather is one persisted observation or forecast point, keyed by
// (source_id, timestamp). Null measurements stay null.
type Weather struct {
	SourceID      int64     `gorm:"primaryKey;column:source_id" json:"source_id"`
	Timestamp     time.Time `gorm:"primaryKey;column:timestamp" json:"timestamp"`
	Temperature   *float64  `gorm:"column:temperature" json:"temperature"`
	WindDirection *float64  `gorm:"column:wind_direction" json:"wind_direction"`
	WindSpeed     *float64  `gorm:"column:wind_speed" json:"wind_speed"`
	Precipitation *float64  `gorm:"column:precipitation" json:"precipitation"`
	Sunshine      *float64  `gorm:"column:sunshine" json:"sunshine"`
	PressureMSL   *float64  `gorm:"column:pressure_msl" json:"pressure_msl"`
}

// TableName specifies the table name for Weather
func (Weather) TableName() string {
	return "weather"
}

// Field returns a pointer to the measurement slot named by the
// database column, or nil for an unknown name.
func (w *Weather) Field(column string) **float64 {
	switch column {
	case "temperature":
		return &w.Temperature
	case "wind_direction":
		return &w.WindDirection
	case "wind_speed":
		return &w.WindSpeed
	case "precipitation":
		return &w.Precipitation
	case "sunshine":
		return &w.Sunshine
	case "pressure_msl":
		return &w.PressureMSL
	}
	return nil
}

// ParsedFile is the ledger entry recording a successfully ingested
// remote file, used by the poller for fingerprint-based deduplication.
type ParsedFile struct {
	URL          string    `gorm:"primaryKey;column:url" json:"url"`
	LastModified time.Time `gorm:"column:last_modified;not null" json:"last_modified"`
	FileSize     int64     `gorm:"column:file_size;not null" json:"file_size"`
	ParsedAt     time.Time `gorm:"column:parsed_at;not null" json:"parsed_at"`
}

// TableName specifies the table name for ParsedFile
func (ParsedFile) TableName() string {
	return "parsed_files"
}
