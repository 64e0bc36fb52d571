// Package config holds the resolved configuration for a transformer run:
// everything derived from CLI flags and an optional config file.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds the global configuration for a transformer run.
type Config struct {
	// Core input/output
	OsmPBF string

	// Feature toggles
	SkipElevation bool
	Interpolate   bool

	// Tag rules
	RemoveTag    string
	TagRulesFile string
	TagRulesLua  string

	// Elevation
	GeoTiffFolders []string
	CacheLimit     int64
	Threshold      float64

	// Area mapping (CSV source)
	AreaMapping                string
	AreaMappingIDCol           int
	AreaMappingGeoCol          int
	AreaMappingGeoType         string
	AreaMappingHasHeader       bool
	AreaMappingProcessedPrefix string

	// Area mapping (PostGIS source, §4.8)
	AreaMappingPG      string
	AreaMappingPGTable string

	// Statistics export (§4.10)
	StatsParquet string

	// System metrics (§4.11)
	MetricsInterval time.Duration

	// Tile download (§4.9)
	DownloadSRTM  bool
	DownloadGMTED bool
	DownloadDir   string
	Workers       int

	// Node location index
	IndexType string

	// Logging
	LogFile string
	Debug   bool
}

// Default returns a configuration with the defaults named in the
// external-interfaces flag table.
func Default() *Config {
	return &Config{
		RemoveTag:                  `(.*:)?source(:.*)?|(.*:)?note(:.*)?|url|created_by|fixme|wikipedia`,
		GeoTiffFolders:             []string{"tiffs", "srtmdata", "gmteddata"},
		CacheLimit:                 1_073_741_824,
		Threshold:                  0.5,
		AreaMappingIDCol:           0,
		AreaMappingGeoCol:          1,
		AreaMappingGeoType:         "wkt",
		AreaMappingHasHeader:       false,
		AreaMappingProcessedPrefix: "",
		AreaMappingPGTable:         "areas",
		MetricsInterval:            30 * time.Second,
		DownloadDir:                "./osm_data",
		Workers:                    runtime.NumCPU(),
		IndexType:                  "flex_mem",
	}
}

// Validate checks invariants across flags that a single flag's own
// parsing cannot catch, returning a configuration error (exit 1).
func (c *Config) Validate() error {
	if c.DownloadSRTM || c.DownloadGMTED {
		return nil // osm_pbf is not required when only downloading tiles
	}
	if c.OsmPBF == "" {
		return fmt.Errorf("--osm_pbf is required")
	}
	if c.AreaMapping != "" && c.AreaMappingPG != "" {
		return fmt.Errorf("--area_mapping and --area_mapping_pg are mutually exclusive")
	}
	if c.AreaMappingGeoType != "wkt" && c.AreaMappingGeoType != "geojson" {
		return fmt.Errorf("--area_mapping_geo_type must be \"wkt\" or \"geojson\", got %q", c.AreaMappingGeoType)
	}
	if c.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	return nil
}
