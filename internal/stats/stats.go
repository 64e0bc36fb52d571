// Package stats reports the end-of-run summary described in §7: a
// console log line always, and an optional single-row Parquet export for
// batch aggregation across many extracts.
package stats

import (
	"os"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/osm-transform/osm-transform/internal/elevation"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/rewrite"
	"go.uber.org/zap"
)

// Summary aggregates the counters both passes accumulated over a run.
type Summary struct {
	WaysBefore      int64
	WaysAfter       int64
	RelationsBefore int64
	RelationsAfter  int64
	Rewrite         rewrite.Stats
	Elevation       elevation.Counts
	Duration        time.Duration
}

func reductionPct(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return (1 - float64(after)/float64(before)) * 100
}

// PrintSummary logs the run summary at info level. This always runs,
// independent of --stats_parquet.
func PrintSummary(s Summary) {
	logger.Get().Info("run complete",
		zap.Duration("duration", s.Duration),
		zap.Int64("ways_before", s.WaysBefore),
		zap.Int64("ways_after", s.WaysAfter),
		zap.Float64("ways_reduction_pct", reductionPct(s.WaysBefore, s.WaysAfter)),
		zap.Int64("relations_before", s.RelationsBefore),
		zap.Int64("relations_after", s.RelationsAfter),
		zap.Float64("relations_reduction_pct", reductionPct(s.RelationsBefore, s.RelationsAfter)),
		zap.Int64("nodes_with_elevation", s.Rewrite.NodesWithElevation),
		zap.Int64("nodes_with_elevation_not_found", s.Rewrite.NodesWithElevationNotFound),
		zap.Int64("nodes_added_by_interpolation", s.Rewrite.NodesAddedByInterpolation),
		zap.Int("elevation_custom", s.Elevation.Custom),
		zap.Int("elevation_srtm", s.Elevation.SRTM),
		zap.Int("elevation_gmted", s.Elevation.GMTED),
		zap.Int64("nodes_no_country", s.Rewrite.NodesWithNoCountry),
		zap.Int64("nodes_single_country", s.Rewrite.NodesWithSingleCountry),
		zap.Int64("nodes_multiple_countries", s.Rewrite.NodesWithMultipleCountries),
	)
}

// WriteParquet writes a single-row Parquet file holding the same
// counters as PrintSummary, for downstream aggregation across many runs.
func WriteParquet(path string, s Summary) error {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "duration_seconds", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ways_before", Type: arrow.PrimitiveTypes.Int64},
		{Name: "ways_after", Type: arrow.PrimitiveTypes.Int64},
		{Name: "relations_before", Type: arrow.PrimitiveTypes.Int64},
		{Name: "relations_after", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_with_elevation", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_with_elevation_not_found", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_added_by_interpolation", Type: arrow.PrimitiveTypes.Int64},
		{Name: "elevation_custom", Type: arrow.PrimitiveTypes.Int64},
		{Name: "elevation_srtm", Type: arrow.PrimitiveTypes.Int64},
		{Name: "elevation_gmted", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_no_country", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_single_country", Type: arrow.PrimitiveTypes.Int64},
		{Name: "nodes_multiple_countries", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)
	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return err
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	builder.Field(0).(*array.Float64Builder).Append(s.Duration.Seconds())
	builder.Field(1).(*array.Int64Builder).Append(s.WaysBefore)
	builder.Field(2).(*array.Int64Builder).Append(s.WaysAfter)
	builder.Field(3).(*array.Int64Builder).Append(s.RelationsBefore)
	builder.Field(4).(*array.Int64Builder).Append(s.RelationsAfter)
	builder.Field(5).(*array.Int64Builder).Append(s.Rewrite.NodesWithElevation)
	builder.Field(6).(*array.Int64Builder).Append(s.Rewrite.NodesWithElevationNotFound)
	builder.Field(7).(*array.Int64Builder).Append(s.Rewrite.NodesAddedByInterpolation)
	builder.Field(8).(*array.Int64Builder).Append(int64(s.Elevation.Custom))
	builder.Field(9).(*array.Int64Builder).Append(int64(s.Elevation.SRTM))
	builder.Field(10).(*array.Int64Builder).Append(int64(s.Elevation.GMTED))
	builder.Field(11).(*array.Int64Builder).Append(s.Rewrite.NodesWithNoCountry)
	builder.Field(12).(*array.Int64Builder).Append(s.Rewrite.NodesWithSingleCountry)
	builder.Field(13).(*array.Int64Builder).Append(s.Rewrite.NodesWithMultipleCountries)

	rec := builder.NewRecord()
	defer rec.Release()

	if err := writer.Write(rec); err != nil {
		writer.Close()
		f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
