package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/osm-transform/osm-transform/internal/config"
	"github.com/osm-transform/osm-transform/internal/driver"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/osmtags"
)

const version = "1.0.0"

var (
	cfg        = config.Default()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:     "osm-transform",
	Short:   "Preprocess OSM PBF extracts for routing graph builders",
	Version: version,
	Long: `osm-transform filters an OSM PBF extract down to the ways, relations and
nodes a routing graph builder needs, strips unwanted tags, and enriches
surviving nodes with elevation and area (e.g. country) membership.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(configFile); err != nil {
				return err
			}
		}
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Debug, cfg.LogFile)
		} else {
			logger.Init(cfg.Debug)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			cmd.Usage()
			os.Exit(1)
		}
		// Compile the tag rules once up front so a bad removal regex, YAML
		// override file or Lua script is reported as a configuration error.
		rules, err := osmtags.New(osmtags.Options{
			RemoveTagRegex: cfg.RemoveTag,
			OverridesPath:  cfg.TagRulesFile,
			LuaScriptPath:  cfg.TagRulesLua,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		rules.Close()
		if err := driver.Run(cmd.Context(), cfg); err != nil {
			exitWithError("run failed", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	flags := rootCmd.Flags()
	flags.BoolP("version", "v", false, "print the version and exit")

	flags.StringVarP(&cfg.OsmPBF, "osm_pbf", "p", "", "input PBF file")
	flags.BoolVarP(&cfg.SkipElevation, "skip_elevation", "e", false, "disable elevation enrichment")
	flags.BoolVar(&cfg.DownloadSRTM, "srtm", false, "download SRTM tiles and exit")
	flags.BoolVar(&cfg.DownloadGMTED, "gmted", false, "download GMTED tiles and exit")
	flags.BoolVarP(&cfg.Interpolate, "interpolate", "i", false, "enable edge subdivision")
	flags.StringVarP(&cfg.RemoveTag, "remove_tag", "T", cfg.RemoveTag, "override default tag removal regex")
	flags.StringSliceVarP(&cfg.GeoTiffFolders, "geo_tiff_folders", "F", cfg.GeoTiffFolders, "raster directories to index")
	flags.Int64VarP(&cfg.CacheLimit, "cache_limit", "S", cfg.CacheLimit, "raster cache byte budget")
	flags.Float64VarP(&cfg.Threshold, "threshold", "t", cfg.Threshold, "interpolation elevation threshold in metres")

	flags.StringVarP(&cfg.AreaMapping, "area_mapping", "a", "", "CSV of polygon -> id")
	flags.IntVar(&cfg.AreaMappingIDCol, "area_mapping_id_col", cfg.AreaMappingIDCol, "id column index")
	flags.IntVar(&cfg.AreaMappingGeoCol, "area_mapping_geo_col", cfg.AreaMappingGeoCol, "geometry column index")
	flags.StringVar(&cfg.AreaMappingGeoType, "area_mapping_geo_type", cfg.AreaMappingGeoType, "wkt or geojson")
	flags.BoolVar(&cfg.AreaMappingHasHeader, "area_mapping_has_header", cfg.AreaMappingHasHeader, "CSV has a header row")
	flags.StringVar(&cfg.AreaMappingProcessedPrefix, "area_mapping_processed_file_prefix", cfg.AreaMappingProcessedPrefix, "prefix for processed cache files")
	flags.StringVar(&cfg.AreaMappingPG, "area_mapping_pg", "", "PostGIS DSN for area source (mutually exclusive with --area_mapping)")
	flags.StringVar(&cfg.AreaMappingPGTable, "area_mapping_pg_table", cfg.AreaMappingPGTable, "PostGIS area table name")

	flags.StringVar(&cfg.TagRulesFile, "tag_rules", "", "YAML tag-rule override file")
	flags.StringVar(&cfg.TagRulesLua, "tag_rules_lua", "", "Lua classify_way hook script")

	flags.StringVar(&cfg.StatsParquet, "stats_parquet", "", "write run statistics to a Parquet file")
	flags.DurationVar(&cfg.MetricsInterval, "metrics_interval", cfg.MetricsInterval, "system metrics logging interval")

	flags.StringVar(&cfg.IndexType, "index_type", cfg.IndexType, "node-location index backend (flex_mem or sparse_mmap)")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "parallelism bound for tile downloading")

	flags.StringVarP(&configFile, "config_file", "f", "", "INI-style config file")
	flags.BoolVarP(&cfg.Debug, "debug_mode", "d", false, "verbose diagnostics")
	flags.StringVar(&cfg.LogFile, "log_file", "", "optional rotating JSON log file")
}

func loadConfigFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	bind := func(key string, set func(string)) {
		if v.IsSet(key) {
			set(v.GetString(key))
		}
	}

	bind("osm_pbf", func(s string) { cfg.OsmPBF = s })
	bind("remove_tag", func(s string) { cfg.RemoveTag = s })
	bind("area_mapping", func(s string) { cfg.AreaMapping = s })
	bind("area_mapping_geo_type", func(s string) { cfg.AreaMappingGeoType = s })
	bind("area_mapping_processed_file_prefix", func(s string) { cfg.AreaMappingProcessedPrefix = s })
	bind("area_mapping_pg", func(s string) { cfg.AreaMappingPG = s })
	bind("tag_rules", func(s string) { cfg.TagRulesFile = s })
	bind("tag_rules_lua", func(s string) { cfg.TagRulesLua = s })
	bind("index_type", func(s string) { cfg.IndexType = s })
	bind("log_file", func(s string) { cfg.LogFile = s })

	if v.IsSet("skip_elevation") {
		cfg.SkipElevation = v.GetBool("skip_elevation")
	}
	if v.IsSet("interpolate") {
		cfg.Interpolate = v.GetBool("interpolate")
	}
	if v.IsSet("cache_limit") {
		cfg.CacheLimit = v.GetInt64("cache_limit")
	}
	if v.IsSet("threshold") {
		cfg.Threshold = v.GetFloat64("threshold")
	}
	if v.IsSet("area_mapping_id_col") {
		cfg.AreaMappingIDCol = v.GetInt("area_mapping_id_col")
	}
	if v.IsSet("area_mapping_geo_col") {
		cfg.AreaMappingGeoCol = v.GetInt("area_mapping_geo_col")
	}
	if v.IsSet("area_mapping_has_header") {
		cfg.AreaMappingHasHeader = v.GetBool("area_mapping_has_header")
	}
	if v.IsSet("debug_mode") {
		cfg.Debug = v.GetBool("debug_mode")
	}
	if v.IsSet("geo_tiff_folders") {
		cfg.GeoTiffFolders = v.GetStringSlice("geo_tiff_folders")
	}

	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(3)
}
