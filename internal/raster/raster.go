// Package raster wraps a single opened GeoTIFF tile and answers
// WGS84 point-elevation queries against it.
package raster

import (
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"
)

// NoData is the sentinel returned for "elevation unknown", shared by the
// raster, elevation and rewrite layers.
const NoData = -32768.0

var registerOnce sync.Once

func registerDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// Tile is an opened GeoTIFF: its dataset, a WGS84→tile-CRS transform
// prepared once at open time, its affine geo transform, and its nodata
// value if the band declares one.
type Tile struct {
	filename string
	dataset  *godal.Dataset
	toTileCRS *godal.Transform
	geoTransform [6]float64
	width, height int
	hasNoData bool
	noDataValue float64
}

// Open opens filename as a GDAL dataset and prepares the WGS84-to-tile
// transform, geo transform, and nodata metadata needed by Sample.
func Open(filename string) (*Tile, error) {
	registerDrivers()

	ds, err := godal.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", filename, err)
	}

	wgs84, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("build WGS84 spatial reference: %w", err)
	}
	defer wgs84.Close()

	tileCRS := ds.SpatialRef()
	transform, err := wgs84.NewTransform(tileCRS)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("build WGS84->%s transform: %w", filename, err)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		transform.Close()
		ds.Close()
		return nil, fmt.Errorf("read geo transform for %s: %w", filename, err)
	}

	bands := ds.Bands()
	if len(bands) == 0 {
		transform.Close()
		ds.Close()
		return nil, fmt.Errorf("raster %s has no bands", filename)
	}
	noData, hasNoData := bands[0].NoData()

	structure := ds.Structure()

	return &Tile{
		filename:      filename,
		dataset:       ds,
		toTileCRS:     transform,
		geoTransform:  gt,
		width:         structure.SizeX,
		height:        structure.SizeY,
		hasNoData:     hasNoData,
		noDataValue:   noData,
	}, nil
}

// Close releases the underlying GDAL dataset and transform.
func (t *Tile) Close() error {
	t.toTileCRS.Close()
	return t.dataset.Close()
}

// Filename returns the path this tile was opened from.
func (t *Tile) Filename() string { return t.filename }

// Bounds returns the tile's bounding box in WGS84, computed by
// transforming its four corner pixels from the tile CRS, plus its
// priority: the minimum absolute pixel step in degrees after transform,
// used by the elevation service to rank overlapping tiles by resolution.
func (t *Tile) Bounds() (minLon, minLat, maxLon, maxLat, priority float64, err error) {
	corners := [][2]float64{
		t.pixelToTileCRS(0, 0),
		t.pixelToTileCRS(float64(t.width), 0),
		t.pixelToTileCRS(0, float64(t.height)),
		t.pixelToTileCRS(float64(t.width), float64(t.height)),
	}

	minLon, minLat = math.Inf(1), math.Inf(1)
	maxLon, maxLat = math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		lon, lat, err := t.tileCRSToWGS84(c[0], c[1])
		if err != nil {
			return 0, 0, 0, 0, 0, err
		}
		minLon, minLat = math.Min(minLon, lon), math.Min(minLat, lat)
		maxLon, maxLat = math.Max(maxLon, lon), math.Max(maxLat, lat)
	}

	lonStep := math.Abs((maxLon - minLon) / float64(t.width))
	latStep := math.Abs((maxLat - minLat) / float64(t.height))
	priority = math.Min(lonStep, latStep)

	return minLon, minLat, maxLon, maxLat, priority, nil
}

func (t *Tile) pixelToTileCRS(px, py float64) [2]float64 {
	return [2]float64{
		t.geoTransform[0] + px*t.geoTransform[1] + py*t.geoTransform[2],
		t.geoTransform[3] + px*t.geoTransform[4] + py*t.geoTransform[5],
	}
}

// tileCRSToWGS84 transforms a point expressed in the tile's native CRS
// coordinates back to WGS84 lon/lat, the inverse direction of the
// transform used by Sample.
func (t *Tile) tileCRSToWGS84(x, y float64) (lon, lat float64, err error) {
	wgs84, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return 0, 0, err
	}
	defer wgs84.Close()

	inverse, err := t.dataset.SpatialRef().NewTransform(wgs84)
	if err != nil {
		return 0, 0, err
	}
	defer inverse.Close()
	xs, ys := []float64{x}, []float64{y}
	if err := inverse.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, err
	}
	return xs[0], ys[0], nil
}

// Sample implements the §4.1 contract: transform (lon,lat) to the tile's
// CRS, compute the pixel coordinate from the affine geo transform, widen
// the bounds check by one pixel before rejecting, clamp before reading,
// and apply the nodata check. Rasters near tile edges commonly produce
// pixel coordinates one off the edge; widening before reject and
// clamping before read matches the behavior downstream consumers rely on.
func (t *Tile) Sample(lon, lat float64) float64 {
	lons, lats := []float64{lon}, []float64{lat}
	if err := t.toTileCRS.TransformEx(lons, lats, nil, nil); err != nil {
		return NoData
	}
	tx, ty := lons[0], lats[0]

	x := int(math.Floor((tx - t.geoTransform[0]) / t.geoTransform[1]))
	y := int(math.Floor((ty - t.geoTransform[3]) / t.geoTransform[5]))

	if x < -1 || y < -1 || x > t.width || y > t.height {
		return NoData
	}

	x = clampInt(x, 0, t.width-1)
	y = clampInt(y, 0, t.height-1)

	pixel := make([]float64, 1)
	band := t.dataset.Bands()[0]
	if err := band.Read(x, y, pixel, 1, 1); err != nil {
		return NoData
	}
	if t.hasNoData && pixel[0] <= t.noDataValue {
		return NoData
	}
	return pixel[0]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
