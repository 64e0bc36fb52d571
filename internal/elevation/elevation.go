// Package elevation implements the elevation service: an R-tree index of
// GeoTIFF tiles, an LRU/byte-budgeted cache of opened tiles, and point and
// segment-interpolation elevation queries.
package elevation

import (
	"container/list"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/raster"
	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"
	"go.uber.org/zap"
)

// NoData mirrors raster.NoData; re-exported here so callers of this
// package never need to import internal/raster directly.
const NoData = raster.NoData

var tiffExtensions = map[string]bool{".tif": true, ".tiff": true, ".gtiff": true}

// tileEntry is the value stored per R-tree leaf: a tile's priority
// (smaller = finer resolution, wins ties) and filename.
type tileEntry struct {
	priority float64
	filename string
}

// Counts tallies where elevation samples that succeeded came from, broken
// down by the filename convention the original tile lists use.
type Counts struct {
	Custom int
	SRTM   int
	GMTED  int
}

// Service is the elevation service described in §4.2. The zero value is
// not usable; construct with New.
type Service struct {
	cacheLimitBytes int64
	debug           bool

	mu          sync.Mutex
	index       rtree.RTreeG[tileEntry]
	cache       map[string]*raster.Tile
	lru         *list.List // front = most recently used, holding filenames
	lruElem     map[string]*list.Element
	fileSizes   map[string]int64
	usedBytes   int64
	initialized bool

	counts Counts
}

// LocationElevation pairs a WGS84 point with its sampled elevation,
// matching the sequence produced by Interpolate.
type LocationElevation struct {
	Location orb.Point
	Ele      float64
}

// New creates an elevation service with the given raster cache byte
// budget.
func New(cacheLimitBytes int64, debug bool) *Service {
	return &Service{
		cacheLimitBytes: cacheLimitBytes,
		debug:           debug,
		cache:           make(map[string]*raster.Tile),
		lru:             list.New(),
		lruElem:         make(map[string]*list.Element),
		fileSizes:       make(map[string]int64),
	}
}

// Initialized reports whether Load has been called at least once.
func (s *Service) Initialized() bool { return s.initialized }

// Counts returns the current elevation-source tallies.
func (s *Service) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Load walks paths (each a directory to recurse into, or a single regular
// file), opens every .tif/.tiff/.gtiff found (case-insensitive), and
// inserts its WGS84 bounding box and priority into the R-tree. Errors
// opening an individual tile are logged and do not abort the load.
func (s *Service) Load(paths []string) error {
	files, err := collectTiffs(paths)
	if err != nil {
		return err
	}

	log := logger.Get()
	log.Info("loading geotiff index", zap.Int("candidates", len(files)))

	loaded := 0
	for _, f := range files {
		if err := s.indexTile(f); err != nil {
			log.Warn("failed to read geotiff, skipping", zap.String("file", f), zap.Error(err))
			continue
		}
		loaded++
	}

	s.initialized = true
	log.Info("geotiff tiles indexed", zap.Int("count", loaded))
	return nil
}

func collectTiffs(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			logger.Get().Warn("geotiff path does not exist, skipping", zap.String("path", p), zap.Error(err))
			continue
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable subtree, continue walking siblings
			}
			if d.IsDir() {
				return nil
			}
			if tiffExtensions[strings.ToLower(filepath.Ext(path))] {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			logger.Get().Warn("failed to walk geotiff directory, continuing", zap.String("path", p), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) indexTile(filename string) error {
	tile, err := raster.Open(filename)
	if err != nil {
		return err
	}
	defer tile.Close()

	minLon, minLat, maxLon, maxLat, priority, err := tile.Bounds()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.index.Insert(
		[2]float64{minLon, minLat},
		[2]float64{maxLon, maxLat},
		tileEntry{priority: priority, filename: filename},
	)
	s.mu.Unlock()
	return nil
}

// Elevation implements §4.2's elevation(location, count): finds the
// finest-priority tile whose bbox contains location, samples it, and
// optionally tallies the source-breakdown counters.
func (s *Service) Elevation(loc orb.Point, count bool) float64 {
	entry, ok := s.bestContaining(loc)
	if !ok {
		return NoData
	}

	tile, err := s.loadTiff(entry.filename)
	if err != nil || tile == nil {
		return NoData
	}

	ele := tile.Sample(loc[0], loc[1])
	if count && ele != NoData {
		s.mu.Lock()
		switch {
		case strings.HasPrefix(filepath.Base(entry.filename), "srtm"):
			s.counts.SRTM++
		case strings.Contains(entry.filename, "gmted"):
			s.counts.GMTED++
		default:
			s.counts.Custom++
		}
		s.mu.Unlock()
	}
	return ele
}

func (s *Service) bestContaining(loc orb.Point) (tileEntry, bool) {
	var matches []tileEntry
	s.mu.Lock()
	s.index.Search(
		[2]float64{loc[0], loc[1]},
		[2]float64{loc[0], loc[1]},
		func(min, max [2]float64, value tileEntry) bool {
			matches = append(matches, value)
			return true
		},
	)
	s.mu.Unlock()

	if len(matches) == 0 {
		return tileEntry{}, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].priority < matches[j].priority })
	return matches[0], true
}

// Interpolate implements §4.2's segment interpolation, preserving the
// original's steps = floor(dx/sx) formula (rather than L/step) bit for
// bit: this is intentional, not a rounding shortcut, and must be
// reproduced exactly for identical output across implementations.
func (s *Service) Interpolate(from, to orb.Point) []LocationElevation {
	entry, ok := s.bestOverlapping(from, to)
	if !ok {
		return nil
	}
	stepWidth := entry.priority

	dx := to[0] - from[0]
	dy := to[1] - from[1]
	length := math.Sqrt(dx*dx + dy*dy)

	nx := dx / length
	ny := dy / length
	sx := nx * stepWidth
	sy := ny * stepWidth

	steps := int(dx / sx)

	var out []LocationElevation
	for step := 0; step <= steps; step++ {
		loc := orb.Point{from[0] + sx*float64(step), from[1] + sy*float64(step)}
		out = append(out, LocationElevation{Location: loc, Ele: s.Elevation(loc, false)})
	}
	out = append(out, LocationElevation{Location: to, Ele: s.Elevation(to, false)})
	return out
}

func (s *Service) bestOverlapping(from, to orb.Point) (tileEntry, bool) {
	minLon, maxLon := math.Min(from[0], to[0]), math.Max(from[0], to[0])
	minLat, maxLat := math.Min(from[1], to[1]), math.Max(from[1], to[1])

	var matches []tileEntry
	s.mu.Lock()
	s.index.Search(
		[2]float64{minLon, minLat},
		[2]float64{maxLon, maxLat},
		func(min, max [2]float64, value tileEntry) bool {
			matches = append(matches, value)
			return true
		},
	)
	s.mu.Unlock()

	if len(matches) == 0 {
		return tileEntry{}, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].priority < matches[j].priority })
	return matches[0], true
}

// loadTiff implements the §4.2 cache discipline: move-to-front on hit,
// evict-from-back until the new tile fits the byte budget on miss.
func (s *Service) loadTiff(filename string) (*raster.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.fileSize(filename)
	if err != nil {
		return nil, err
	}

	if tile, ok := s.cache[filename]; ok {
		elem := s.lruElem[filename]
		s.lru.MoveToFront(elem)
		return tile, nil
	}

	tile, err := raster.Open(filename)
	if err != nil {
		return nil, err
	}

	for s.lru.Len() > 0 && s.usedBytes+size > s.cacheLimitBytes {
		back := s.lru.Back()
		evictName := back.Value.(string)
		s.usedBytes -= s.fileSizes[evictName]
		if victim, ok := s.cache[evictName]; ok {
			victim.Close()
		}
		delete(s.cache, evictName)
		delete(s.lruElem, evictName)
		s.lru.Remove(back)
	}

	s.cache[filename] = tile
	s.usedBytes += size
	s.lruElem[filename] = s.lru.PushFront(filename)

	if s.debug {
		logger.Get().Debug("raster cache: opened dataset",
			zap.String("file", filename),
			zap.Int64("cache_used", s.usedBytes),
			zap.Int64("cache_limit", s.cacheLimitBytes))
	}
	return tile, nil
}

func (s *Service) fileSize(filename string) (int64, error) {
	if size, ok := s.fileSizes[filename]; ok {
		return size, nil
	}
	info, err := os.Stat(filename)
	if err != nil {
		return 0, fmt.Errorf("stat raster %s: %w", filename, err)
	}
	s.fileSizes[filename] = info.Size()
	return info.Size(), nil
}

// Close releases every tile handle currently held in the cache.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, tile := range s.cache {
		if err := tile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
