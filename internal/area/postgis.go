package area

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/paulmach/orb/encoding/wkt"
	"go.uber.org/zap"
)

// LoadPostGIS implements §4.8: load area polygons from a PostGIS table
// `(id text, name text, geom geometry)` instead of the CSV source,
// converting each row's WKT representation through the same add_area
// path the CSV loader uses. Row order is the query's ORDER BY id order,
// standing in for the CSV path's row-number-as-id rule.
func (s *Service) LoadPostGIS(ctx context.Context, dsn, table string) error {
	log := logger.Get()
	log.Info("loading area mapping from PostGIS", zap.String("table", table))

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to PostGIS area source: %w", err)
	}
	defer conn.Close(ctx)

	query := fmt.Sprintf("SELECT id, name, ST_AsText(geom) FROM %s ORDER BY id", table)
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query PostGIS area source: %w", err)
	}
	defer rows.Close()

	var index uint16
	validRows := 0
	for rows.Next() {
		index++
		var rowID, name, geomWKT string
		if err := rows.Scan(&rowID, &name, &geomWKT); err != nil {
			log.Warn("PostGIS area row scan failed, skipping", zap.Error(err))
			continue
		}

		geom, err := wkt.Unmarshal(geomWKT)
		if err != nil {
			log.Warn("PostGIS area row has invalid geometry, skipping", zap.String("id", rowID), zap.Error(err))
			continue
		}

		s.areaName[index] = name
		if err := s.addAreaGeometry(index, geom); err != nil {
			log.Warn("failed to index PostGIS area geometry", zap.String("id", rowID), zap.Error(err))
			continue
		}
		validRows++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate PostGIS area rows: %w", err)
	}

	s.logSummary()
	if validRows > 0 {
		log.Info("areas indexed from PostGIS", zap.Int("count", validRows))
		s.initialized = true
	}
	return nil
}
