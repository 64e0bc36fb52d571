// Package area implements the area service: a 1°×1° global grid index
// over a polygon set, used to resolve a WGS84 point to zero or more
// named areas (e.g. country codes).
package area

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/encoding/wkt"
	"go.uber.org/zap"
)

const (
	gridWidth  = 360
	gridHeight = 180
	gridSize   = gridWidth * gridHeight

	// multipleAreas is the cell_index sentinel meaning "more than one area
	// overlaps this cell, consult cellOverlaps"; AreaId 0 means "no area".
	multipleAreas = uint16(0xFFFF)
)

// Counts tallies how many lookups resolved to zero, one, or multiple
// areas; maintained by the caller (the rewrite pass), exposed here only
// as the type the caller accumulates into.
type Counts struct {
	NoArea   int
	Single   int
	Multiple int
}

// overlap is one entry of a multi-area cell: the area id and the portion
// of its polygon that falls inside that cell.
type overlap struct {
	areaID uint16
	geom   orb.Geometry
}

// Options configures CSV ingestion, mirroring the original's
// area_mapping_* flags.
type Options struct {
	IDCol             int
	GeoCol            int
	GeoType           string // "wkt" or "geojson"
	HasHeader         bool
	ProcessedPrefix   string
	Debug             bool
}

// Service is the area service described in §4.3.
type Service struct {
	opts Options

	grid        [gridSize]orb.Polygon
	cellIndex   [gridSize]uint16
	cellOverlap map[uint16][]overlap
	areaName    map[uint16]string

	initialized bool
}

// New builds an area service with its grid cells pre-constructed but no
// mapping loaded yet.
func New(opts Options) *Service {
	s := &Service{
		opts:        opts,
		cellOverlap: make(map[uint16][]overlap),
		areaName:    make(map[uint16]string),
	}
	for latIdx := 0; latIdx < gridHeight; latIdx++ {
		for lonIdx := 0; lonIdx < gridWidth; lonIdx++ {
			boxLon := float64(lonIdx - 180)
			boxLat := float64(latIdx - 90)
			s.grid[latIdx*gridWidth+lonIdx] = orb.Polygon{orb.Ring{
				{boxLon, boxLat},
				{boxLon + 1, boxLat},
				{boxLon + 1, boxLat + 1},
				{boxLon, boxLat + 1},
				{boxLon, boxLat},
			}}
		}
	}
	return s
}

// Initialized reports whether Load succeeded in populating the mapping.
func (s *Service) Initialized() bool { return s.initialized }

func (s *Service) cacheFiles() (areaPath, indexPath, idPath string) {
	p := s.opts.ProcessedPrefix
	return p + "area.csv", p + "index.csv", p + "id.csv"
}

// Load implements §4.3's load: prefer the processed cache files if all
// three exist, else stream the source CSV and persist a cache for next
// time.
func (s *Service) Load(path string) error {
	log := logger.Get()
	log.Info("loading area mapping")

	areaPath, indexPath, idPath := s.cacheFiles()
	if fileExists(areaPath) && fileExists(indexPath) && fileExists(idPath) {
		if err := s.loadProcessed(areaPath, indexPath, idPath); err != nil {
			return err
		}
		s.initialized = true
		s.logSummary()
		return nil
	}

	validRows, err := s.loadSource(path)
	if err != nil {
		return err
	}

	if err := s.saveProcessed(areaPath, indexPath, idPath); err != nil {
		log.Warn("failed to save processed area mapping cache", zap.Error(err))
	}

	s.logSummary()
	if validRows > 0 {
		log.Info("areas indexed", zap.Int("count", validRows))
		s.initialized = true
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Service) loadProcessed(areaPath, indexPath, idPath string) error {
	if err := forEachCSVLine(areaPath, ";", func(row []string) {
		if len(row) < 3 {
			logger.Get().Warn("processed area mapping file is corrupted")
			return
		}
		cell, err1 := strconv.Atoi(row[0])
		areaID, err2 := strconv.Atoi(row[1])
		geom, err3 := wkt.Unmarshal(row[2])
		if err1 != nil || err2 != nil || err3 != nil {
			logger.Get().Warn("processed area mapping file is corrupted")
			return
		}
		s.cellOverlap[uint16(cell)] = append(s.cellOverlap[uint16(cell)], overlap{areaID: uint16(areaID), geom: geom})
	}); err != nil {
		return err
	}

	if err := forEachCSVLine(indexPath, ";", func(row []string) {
		if len(row) < 2 {
			return
		}
		cell, err1 := strconv.Atoi(row[0])
		areaID, err2 := strconv.Atoi(row[1])
		if err1 != nil || err2 != nil {
			return
		}
		s.cellIndex[cell] = uint16(areaID)
	}); err != nil {
		return err
	}

	return forEachCSVLine(idPath, ";", func(row []string) {
		if len(row) < 2 {
			return
		}
		id, err := strconv.Atoi(row[0])
		if err != nil {
			return
		}
		s.areaName[uint16(id)] = row[1]
	})
}

func forEachCSVLine(path, sep string, fn func(row []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		fn(strings.Split(scanner.Text(), sep))
	}
	return scanner.Err()
}

// loadSource streams the raw area-mapping CSV (escape `\`, sep `;`, quote
// `"`) and returns the number of rows that produced a valid area.
//
// Matches the original's row-number-as-id behavior precisely, including
// its quirk: the index counter advances on every line, valid or not, so
// a run of invalid rows leaves gaps in the id sequence rather than
// renumbering subsequent valid rows. This is preserved rather than
// "fixed" so cache files regenerated from the same CSV always assign the
// same ids.
func (s *Service) loadSource(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open area mapping file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	log := logger.Get()
	index := 0
	if !s.opts.HasHeader {
		index++
	}
	validRows := 0

	for scanner.Scan() {
		row := splitEscaped(scanner.Text(), ';', '\\', '"')
		maxCol := s.opts.IDCol
		if s.opts.GeoCol > maxCol {
			maxCol = s.opts.GeoCol
		}
		if len(row) <= maxCol {
			log.Warn("area mapping CSV row has incorrect number of columns")
			index++
			continue
		}

		if !geoColValid(row[s.opts.GeoCol], s.opts.GeoType) {
			if index > 0 {
				log.Warn("area mapping CSV row has invalid geometry column value", zap.Int("row", index+1))
			}
			index++
			continue
		}

		if index == 0 {
			log.Warn("area mapping CSV seems to contain data in the first row though has_header is set")
			index++
		}

		if index > math.MaxUint16 {
			log.Warn("area mapping CSV row index exceeds uint16 area id space, skipping", zap.Int("row", index+1))
			index++
			continue
		}

		validRows++
		areaID := uint16(index)
		s.areaName[areaID] = row[s.opts.IDCol]
		if err := s.addAreaToMappingIndex(areaID, row[s.opts.GeoCol]); err != nil {
			log.Warn("area mapping CSV row has invalid geometry data", zap.Error(err))
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return validRows, err
	}
	return validRows, nil
}

func geoColValid(data, geoType string) bool {
	switch geoType {
	case "wkt":
		return strings.HasPrefix(data, "MULTIPOLYGON") || strings.HasPrefix(data, "POLYGON")
	case "geojson":
		return strings.HasPrefix(data, "{") && strings.HasSuffix(data, "}")
	default:
		return false
	}
}

func parseGeometry(data, geoType string) (orb.Geometry, error) {
	switch geoType {
	case "wkt":
		return wkt.Unmarshal(data)
	case "geojson":
		g, err := geojson.UnmarshalGeometry([]byte(data))
		if err != nil {
			return nil, err
		}
		return g.Geometry(), nil
	default:
		return nil, fmt.Errorf("unknown geometry type %q", geoType)
	}
}

// AddArea implements §4.3's add_area(id, geometry): register an
// already-parsed area under id and index it into the grid, for callers
// that parse geometry themselves.
func (s *Service) AddArea(id uint16, name string, geom orb.Geometry) error {
	s.areaName[id] = name
	return s.addAreaGeometry(id, geom)
}

func (s *Service) addAreaToMappingIndex(id uint16, geometry string) error {
	geom, err := parseGeometry(geometry, s.opts.GeoType)
	if err != nil {
		return err
	}
	return s.addAreaGeometry(id, geom)
}

func (s *Service) addAreaGeometry(id uint16, geom orb.Geometry) error {
	for i := range s.grid {
		cell := s.grid[i]
		cellBound := cell.Bound()

		clipped := clipToCell(geom, cellBound)
		if clipped == nil {
			continue
		}

		cellIdx := uint16(i)
		if coversCell(clipped, cell) {
			s.cellIndex[cellIdx] = id
		} else {
			s.cellIndex[cellIdx] = multipleAreas
			s.cellOverlap[cellIdx] = append(s.cellOverlap[cellIdx], overlap{areaID: id, geom: clipped})
		}
	}
	return nil
}

// clipToCell returns the portion of geom that falls inside cellBound, or
// nil if they don't intersect. Grid cells are always axis-aligned unit
// boxes, which is exactly what orb/clip clips against, so clip.Polygon
// stands in for a general polygon-intersection routine.
func clipToCell(geom orb.Geometry, cellBound orb.Bound) orb.Geometry {
	switch g := geom.(type) {
	case orb.Polygon:
		clipped := clip.Polygon(cellBound, g)
		if len(clipped) == 0 {
			return nil
		}
		return clipped
	case orb.MultiPolygon:
		var result orb.MultiPolygon
		for _, poly := range g {
			clipped := clip.Polygon(cellBound, poly)
			if len(clipped) > 0 {
				result = append(result, clipped)
			}
		}
		if len(result) == 0 {
			return nil
		}
		return result
	default:
		return nil
	}
}

// coversCell reports whether clipped's area equals the full cell's area,
// i.e. the source geometry fully contains the cell rather than merely
// overlapping it.
func coversCell(clipped orb.Geometry, cell orb.Polygon) bool {
	const relTolerance = 1e-9
	cellArea := planar.Area(cell)
	var clippedArea float64
	switch g := clipped.(type) {
	case orb.Polygon:
		clippedArea = planar.Area(g)
	case orb.MultiPolygon:
		for _, poly := range g {
			clippedArea += planar.Area(poly)
		}
	}
	return clippedArea >= cellArea*(1-relTolerance)
}

// GetArea implements §4.3's get_area: resolve a point to its grid cell,
// then to zero, one, or many area names.
func (s *Service) GetArea(loc orb.Point) []string {
	if !s.initialized {
		return nil
	}
	cellIdx := cellIndexOf(loc)

	switch id := s.cellIndex[cellIdx]; id {
	case 0:
		return nil
	case multipleAreas:
		var names []string
		for _, ov := range s.cellOverlap[cellIdx] {
			if pointInGeometry(loc, ov.geom) {
				names = append(names, s.areaName[ov.areaID])
			}
		}
		return names
	default:
		return []string{s.areaName[id]}
	}
}

func cellIndexOf(loc orb.Point) uint16 {
	lat := int(math.Floor(loc[1])) + 90
	lon := int(math.Floor(loc[0])) + 180
	return uint16(lat*gridWidth + lon)
}

// pointInGeometry implements ray-casting point-in-polygon containment.
// No geometry library in the stack exposes plain point containment for
// an arbitrary orb.Geometry (orb/planar only covers rings directly), so
// this is hand-rolled rather than imported.
func pointInGeometry(pt orb.Point, geom orb.Geometry) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return pointInPolygon(pt, g)
	case orb.MultiPolygon:
		for _, poly := range g {
			if pointInPolygon(pt, poly) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func pointInPolygon(pt orb.Point, poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	if !pointInRing(pt, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(pt, hole) {
			return false
		}
	}
	return true
}

func pointInRing(pt orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > pt[1]) != (yj > pt[1]) {
			x := xi + (pt[1]-yi)/(yj-yi)*(xj-xi)
			if pt[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

func (s *Service) logSummary() {
	var noArea, single, multiple int
	for _, v := range s.cellIndex {
		switch v {
		case 0:
			noArea++
		case multipleAreas:
			multiple++
		default:
			single++
		}
	}
	splitGeos := 0
	for _, ov := range s.cellOverlap {
		splitGeos += len(ov)
	}
	logger.Get().Info("area mapping summary",
		zap.Int("areas", len(s.areaName)),
		zap.Int("split_geometries", splitGeos),
		zap.Int("grid_empty", noArea),
		zap.Int("grid_single", single),
		zap.Int("grid_multiple", multiple),
	)
}

func (s *Service) saveProcessed(areaPath, indexPath, idPath string) error {
	if err := writeFile(areaPath, func(w *bufio.Writer) error {
		for cell, ovs := range s.cellOverlap {
			for _, ov := range ovs {
				wktStr := wkt.MarshalString(ov.geom)
				if _, err := fmt.Fprintf(w, "%d;%d;%s\n", cell, ov.areaID, wktStr); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := writeFile(idPath, func(w *bufio.Writer) error {
		for id, name := range s.areaName {
			if _, err := fmt.Fprintf(w, "%d;%s\n", id, name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return writeFile(indexPath, func(w *bufio.Writer) error {
		for cell, id := range s.cellIndex {
			if id == 0 {
				continue
			}
			if _, err := fmt.Fprintf(w, "%d;%d\n", cell, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return err
	}
	return w.Flush()
}

// splitEscaped tokenizes a line the way boost::escaped_list_separator
// does: backslash escapes the following character, a quoted span
// suppresses the separator inside it, and the separator otherwise ends a
// field.
func splitEscaped(line string, sep, escape, quote byte) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == escape && i+1 < len(line):
			cur.WriteByte(line[i+1])
			i++
		case c == quote:
			inQuotes = !inQuotes
		case c == sep && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
