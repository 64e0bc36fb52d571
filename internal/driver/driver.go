// Package driver orchestrates a full transformer run: it opens the input
// PBF, runs the first pass to build retention id-sets, loads the elevation
// and area services, runs the rewrite pass, and assembles the final
// output file (concatenating split node/way streams when interpolation
// is enabled).
package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/osm-transform/osm-transform/internal/area"
	"github.com/osm-transform/osm-transform/internal/config"
	"github.com/osm-transform/osm-transform/internal/download"
	"github.com/osm-transform/osm-transform/internal/elevation"
	"github.com/osm-transform/osm-transform/internal/firstpass"
	"github.com/osm-transform/osm-transform/internal/ids"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/metrics"
	"github.com/osm-transform/osm-transform/internal/nodeindex"
	"github.com/osm-transform/osm-transform/internal/osmtags"
	"github.com/osm-transform/osm-transform/internal/progress"
	"github.com/osm-transform/osm-transform/internal/rewrite"
	"github.com/osm-transform/osm-transform/internal/stats"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	pbfwrite "github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"
)

// Run executes one full transformer invocation against cfg. It returns a
// non-nil error only for conditions the caller should exit(3) on; bad
// argument combinations are expected to have already been rejected by
// cfg.Validate.
func Run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()
	start := time.Now()

	if cfg.DownloadSRTM || cfg.DownloadGMTED {
		return runDownloads(ctx, cfg)
	}

	collector := metrics.NewCollector(cfg.MetricsInterval, log)
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go collector.Start(metricsCtx)

	rules, err := osmtags.New(osmtags.Options{
		RemoveTagRegex: cfg.RemoveTag,
		OverridesPath:  cfg.TagRulesFile,
		LuaScriptPath:  cfg.TagRulesLua,
	})
	if err != nil {
		return fmt.Errorf("compile tag rules: %w", err)
	}
	defer rules.Close()

	fpStats, validIDs, noElevation, err := runFirstPass(ctx, cfg.OsmPBF, rules)
	if err != nil {
		return err
	}

	var elev *elevation.Service
	if !cfg.SkipElevation {
		elev = elevation.New(cfg.CacheLimit, cfg.Debug)
		if err := elev.Load(cfg.GeoTiffFolders); err != nil {
			log.Warn("elevation tile indexing failed, continuing without elevation", zap.Error(err))
			elev = nil
		}
		if elev != nil {
			defer elev.Close()
		}
	}

	var areaSvc *area.Service
	if cfg.AreaMapping != "" {
		areaSvc = area.New(area.Options{
			IDCol:           cfg.AreaMappingIDCol,
			GeoCol:          cfg.AreaMappingGeoCol,
			GeoType:         cfg.AreaMappingGeoType,
			HasHeader:       cfg.AreaMappingHasHeader,
			ProcessedPrefix: cfg.AreaMappingProcessedPrefix,
			Debug:           cfg.Debug,
		})
		if err := areaSvc.Load(cfg.AreaMapping); err != nil {
			log.Warn("area mapping load failed, continuing without area enrichment", zap.Error(err))
			areaSvc = nil
		}
	} else if cfg.AreaMappingPG != "" {
		areaSvc = area.New(area.Options{GeoType: "wkt", Debug: cfg.Debug})
		if err := areaSvc.LoadPostGIS(ctx, cfg.AreaMappingPG, cfg.AreaMappingPGTable); err != nil {
			log.Warn("PostGIS area load failed, continuing without area enrichment", zap.Error(err))
			areaSvc = nil
		}
	}

	var locIndex nodeindex.Index
	if cfg.Interpolate {
		mmapPath := cfg.OsmPBF + ".nodeidx.tmp"
		locIndex, err = nodeindex.New(cfg.IndexType, mmapPath)
		if err != nil {
			return fmt.Errorf("allocate node-location index: %w", err)
		}
		defer locIndex.Close()
	}

	rwStats, elevCounts, err := runRewritePass(ctx, cfg, rules, validIDs, noElevation, elev, areaSvc, locIndex, fpStats)
	if err != nil {
		return err
	}

	stopMetrics()

	summary := stats.Summary{
		WaysBefore:      fpStats.WayCount,
		WaysAfter:       fpStats.WayValidCount,
		RelationsBefore: fpStats.RelationCount,
		RelationsAfter:  fpStats.RelationValid,
		Rewrite:         rwStats,
		Elevation:       elevCounts,
		Duration:        time.Since(start),
	}
	stats.PrintSummary(summary)
	if cfg.StatsParquet != "" {
		if err := stats.WriteParquet(cfg.StatsParquet, summary); err != nil {
			log.Warn("failed to write stats parquet", zap.Error(err))
		}
	}

	return nil
}

// runDownloads implements the §4.9 "--srtm"/"--gmted" standalone command:
// exit 0 if at least one tile succeeded, 3 if every tile failed.
func runDownloads(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()
	var total download.Result

	if cfg.DownloadSRTM {
		res, err := download.Run(ctx, download.SRTM, cfg.DownloadDir, cfg.Workers)
		if err != nil {
			return fmt.Errorf("download SRTM tiles: %w", err)
		}
		log.Info("SRTM download complete", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
	}
	if cfg.DownloadGMTED {
		res, err := download.Run(ctx, download.GMTED, cfg.DownloadDir, cfg.Workers)
		if err != nil {
			return fmt.Errorf("download GMTED tiles: %w", err)
		}
		log.Info("GMTED download complete", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
	}

	if total.Succeeded == 0 && total.Failed > 0 {
		return fmt.Errorf("all %d tile downloads failed", total.Failed)
	}
	return nil
}

func runFirstPass(ctx context.Context, path string, rules *osmtags.Rules) (firstpass.Stats, *ids.ValidIDs, *ids.NoElevation, error) {
	f, err := os.Open(path)
	if err != nil {
		return firstpass.Stats{}, nil, nil, fmt.Errorf("open input for first pass: %w", err)
	}
	defer f.Close()

	fi, _ := f.Stat()
	tick := progress.NewTicker(ctx, progress.LoggingCallback("first pass", f, fi))
	go tick.Run()

	handler := firstpass.New(rules)
	if err := handler.Run(ctx, f); err != nil {
		return firstpass.Stats{}, nil, nil, fmt.Errorf("first pass: %w", err)
	}
	return handler.Stats(), handler.ValidIDs(), handler.NoElevation(), nil
}

func runRewritePass(ctx context.Context, cfg *config.Config, rules *osmtags.Rules, validIDs *ids.ValidIDs, noElevation *ids.NoElevation, elev *elevation.Service, areaSvc *area.Service, locIndex nodeindex.Index, fpStats firstpass.Stats) (rewrite.Stats, elevation.Counts, error) {
	in, err := os.Open(cfg.OsmPBF)
	if err != nil {
		return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("open input for rewrite pass: %w", err)
	}
	defer in.Close()

	outputPath := outputPathFor(cfg.OsmPBF)

	srcHeader, err := readInputHeader(cfg.OsmPBF)
	if err != nil {
		logger.Get().Warn("failed to read input PBF header, writing output with a default header", zap.Error(err))
		srcHeader = nil
	}
	encOpts := headerOptions(srcHeader)

	var nodeEncoder, wrEncoder *pbfwrite.Encoder
	var nodePath, wrPath string
	var nodeFile, wrFile *os.File

	if cfg.Interpolate {
		nodePath = cfg.OsmPBF + ".n.pbf"
		wrPath = cfg.OsmPBF + ".wr.pbf"
		nodeFile, err = os.Create(nodePath)
		if err != nil {
			return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("create node temp file: %w", err)
		}
		wrFile, err = os.Create(wrPath)
		if err != nil {
			nodeFile.Close()
			return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("create way/relation temp file: %w", err)
		}
		nodeEncoder = pbfwrite.NewEncoder(nodeFile, encOpts...)
		wrEncoder = pbfwrite.NewEncoder(wrFile, encOpts...)
	} else {
		out, err := os.Create(outputPath)
		if err != nil {
			return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("create output: %w", err)
		}
		defer out.Close()
		nodeEncoder = pbfwrite.NewEncoder(out, encOpts...)
		wrEncoder = nodeEncoder
	}

	if errs, err := nodeEncoder.Start(); err != nil {
		return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("start node encoder: %w", err)
	} else {
		go drainErrs(errs)
	}
	if wrEncoder != nodeEncoder {
		if errs, err := wrEncoder.Start(); err != nil {
			return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("start way/relation encoder: %w", err)
		} else {
			go drainErrs(errs)
		}
	}

	opts := rewrite.Options{
		Rules:             rules,
		ValidIDs:          validIDs,
		NoElevation:       noElevation,
		Elevation:         elev,
		AddElevation:      elev != nil,
		Area:              areaSvc,
		LocationIndex:     locIndex,
		Interpolate:       cfg.Interpolate,
		InterpolateThresh: cfg.Threshold,
	}
	handler := rewrite.New(opts, nodeEncoder, wrEncoder)

	fi, _ := in.Stat()
	tick := progress.NewTicker(ctx, progress.LoggingCallback("rewrite pass", in, fi))
	go tick.Run()

	runErr := handler.Run(ctx, in)

	if err := nodeEncoder.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close node encoder: %w", err)
	}
	if wrEncoder != nodeEncoder {
		if err := wrEncoder.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("close way/relation encoder: %w", err)
		}
	}
	if runErr != nil {
		return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("rewrite pass: %w", runErr)
	}

	if cfg.Interpolate {
		if err := concatenate(ctx, outputPath, nodePath, wrPath, encOpts...); err != nil {
			return rewrite.Stats{}, elevation.Counts{}, fmt.Errorf("assemble output: %w", err)
		}
		os.Remove(nodePath)
		os.Remove(wrPath)
	}

	var elevCounts elevation.Counts
	if elev != nil {
		elevCounts = elev.Counts()
	}

	rwStats := handler.Stats()
	rewrite.LogSummary(rwStats, elevCounts, fpStats.WayCount, fpStats.WayValidCount, fpStats.RelationCount, fpStats.RelationValid)
	return rwStats, elevCounts, nil
}

// concatenate assembles the final output by decoding the node stream and
// the way/relation stream in turn and re-emitting every entity through a
// single shared encoder, matching §4's node-records-before-way-records
// ordering requirement. nodePath and wrPath are each a complete,
// self-contained PBF produced by its own independently-Start()'ed encoder
// (every Start() writes its own OSMHeader blob), so a raw byte
// concatenation of the two files would embed two headers in the result.
// Re-encoding through one shared, already-Start()'ed encoder keeps the
// output a single valid PBF stream, one header followed by one block
// sequence.
func concatenate(ctx context.Context, outputPath, nodePath, wrPath string, encOpts ...pbfwrite.EncoderOption) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	enc := pbfwrite.NewEncoder(out, encOpts...)
	errs, err := enc.Start()
	if err != nil {
		return fmt.Errorf("start assembly encoder: %w", err)
	}
	go drainErrs(errs)

	if err := copyEntities(ctx, enc, nodePath); err != nil {
		return fmt.Errorf("copy node stream: %w", err)
	}
	if err := copyEntities(ctx, enc, wrPath); err != nil {
		return fmt.Errorf("copy way/relation stream: %w", err)
	}

	return enc.Close()
}

// copyEntities decodes every node, way, and relation in the PBF at path
// and writes each through enc, discarding the source file's own header.
func copyEntities(ctx context.Context, enc *pbfwrite.Encoder, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := osmpbf.New(ctx, f, runtime.NumCPU())
	defer scanner.Close()

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			enc.WriteNode(o)
		case *osm.Way:
			enc.WriteWay(o)
		case *osm.Relation:
			enc.WriteRelation(o)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// readInputHeader reads the source PBF's OSMHeader blob without scanning
// any entities, so the output encoders can carry over the input's bbox
// and feature lists instead of starting from a blank header.
func readInputHeader(path string) (*osmpbf.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return osmpbf.Header(f)
}

// headerOptions builds the encoder options that carry src's bbox and
// feature lists forward into a new output file, per §6's "copy input
// headers; override generator string" — only the writing-program field
// is ever overridden, matching original_source/src/osm-transform.cpp's
// header(reader.header()).set("generator", ...) construction. src may be
// nil (header unreadable); the encoder then falls back to its defaults.
func headerOptions(src *osmpbf.Header) []pbfwrite.EncoderOption {
	opts := []pbfwrite.EncoderOption{pbfwrite.WithWritingProgram("osm-transform")}
	if src == nil {
		return opts
	}
	if src.Bounds != nil {
		opts = append(opts, pbfwrite.WithBoundingBox(src.Bounds.MinLat, src.Bounds.MinLon, src.Bounds.MaxLat, src.Bounds.MaxLon))
	}
	if len(src.RequiredFeatures) > 0 {
		opts = append(opts, pbfwrite.WithRequiredFeatures(src.RequiredFeatures))
	}
	if len(src.OptionalFeatures) > 0 {
		opts = append(opts, pbfwrite.WithOptionalFeatures(src.OptionalFeatures))
	}
	return opts
}

func outputPathFor(inputPath string) string {
	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, stem+".transformed"+ext)
}

func drainErrs(errs <-chan error) {
	for err := range errs {
		if err != nil {
			logger.Get().Error("pbf encoder error", zap.Error(err))
		}
	}
}
