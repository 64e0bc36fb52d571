package area

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
)

func TestSplitEscapedBasic(t *testing.T) {
	got := splitEscaped(`1;Germany;POLYGON((1 1))`, ';', '\\', '"')
	want := []string{"1", "Germany", "POLYGON((1 1))"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitEscapedHandlesQuotesAndEscapes(t *testing.T) {
	got := splitEscaped(`1;"a;b";c\;d`, ';', '\\', '"')
	want := []string{"1", "a;b", "c;d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGeoColValidWKT(t *testing.T) {
	if !geoColValid("POLYGON((0 0,1 0,1 1,0 1,0 0))", "wkt") {
		t.Error("expected a POLYGON string to validate as wkt")
	}
	if !geoColValid("MULTIPOLYGON(((0 0,1 0,1 1,0 1,0 0)))", "wkt") {
		t.Error("expected a MULTIPOLYGON string to validate as wkt")
	}
	if geoColValid("not a polygon", "wkt") {
		t.Error("expected a non-polygon string to fail wkt validation")
	}
}

func TestGeoColValidGeoJSON(t *testing.T) {
	if !geoColValid(`{"type":"Polygon","coordinates":[]}`, "geojson") {
		t.Error("expected a brace-delimited string to validate as geojson")
	}
	if geoColValid("not json", "geojson") {
		t.Error("expected a non-brace string to fail geojson validation")
	}
}

func TestCellIndexOf(t *testing.T) {
	tests := []struct {
		loc  orb.Point
		want uint16
	}{
		{orb.Point{0, 0}, uint16(90*gridWidth + 180)},
		{orb.Point{-180, -90}, 0},
		{orb.Point{13.4, 52.5}, uint16(142*gridWidth + 193)},
	}
	for _, tt := range tests {
		if got := cellIndexOf(tt.loc); got != tt.want {
			t.Errorf("cellIndexOf(%v) = %d, want %d", tt.loc, got, tt.want)
		}
	}
}

func berlinAreaCSV(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "areas.csv")
	// a square covering exactly the single 1x1 grid cell at (13,52)-(14,53)
	content := "DE;POLYGON((13 52,14 52,14 53,13 53,13 52))\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture CSV: %v", err)
	}
	return path
}

func TestLoadAndGetAreaSingleCountry(t *testing.T) {
	path := berlinAreaCSV(t)
	s := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt", HasHeader: false, ProcessedPrefix: filepath.Join(t.TempDir(), "cache_")})

	if err := s.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Initialized() {
		t.Fatal("expected Load to mark the service initialized")
	}

	got := s.GetArea(orb.Point{13.5, 52.5})
	if len(got) != 1 || got[0] != "DE" {
		t.Errorf("expected [\"DE\"], got %v", got)
	}
}

func TestGetAreaOutsideAnyPolygonReturnsEmpty(t *testing.T) {
	path := berlinAreaCSV(t)
	s := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt", ProcessedPrefix: filepath.Join(t.TempDir(), "cache_")})
	if err := s.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := s.GetArea(orb.Point{0, 0})
	if len(got) != 0 {
		t.Errorf("expected no area at a point far from the loaded polygon, got %v", got)
	}
}

func TestGetAreaBeforeLoadReturnsEmpty(t *testing.T) {
	s := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt"})
	if got := s.GetArea(orb.Point{13.5, 52.5}); got != nil {
		t.Errorf("expected an unloaded service to return nil, got %v", got)
	}
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "areas.csv")
	content := "DE;POLYGON((13 52,14 52,14 53,13 53,13 52))\n" +
		"BAD_ROW_TOO_FEW_COLUMNS\n" +
		"FR;not a valid geometry\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture CSV: %v", err)
	}

	s := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt", ProcessedPrefix: filepath.Join(t.TempDir(), "cache_")})
	if err := s.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := s.GetArea(orb.Point{13.5, 52.5})
	if len(got) != 1 || got[0] != "DE" {
		t.Errorf("expected the one valid row to still load correctly, got %v", got)
	}
}

func TestAddAreaRegistersGeometryDirectly(t *testing.T) {
	s := New(Options{GeoType: "wkt"})
	poly, err := parseGeometry("POLYGON((13 52,14 52,14 53,13 53,13 52))", "wkt")
	if err != nil {
		t.Fatalf("parseGeometry: %v", err)
	}
	if err := s.AddArea(1, "DE", poly); err != nil {
		t.Fatalf("AddArea: %v", err)
	}
	s.initialized = true

	got := s.GetArea(orb.Point{13.5, 52.5})
	if len(got) != 1 || got[0] != "DE" {
		t.Errorf("expected [\"DE\"], got %v", got)
	}
}

func TestPointInPolygonWithHole(t *testing.T) {
	outer := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	hole := orb.Ring{{4, 4}, {6, 4}, {6, 6}, {4, 6}, {4, 4}}
	poly := orb.Polygon{outer, hole}

	if !pointInPolygon(orb.Point{1, 1}, poly) {
		t.Error("expected a point inside the outer ring but outside the hole to be contained")
	}
	if pointInPolygon(orb.Point{5, 5}, poly) {
		t.Error("expected a point inside the hole to not be contained")
	}
	if pointInPolygon(orb.Point{20, 20}, poly) {
		t.Error("expected a point outside the outer ring to not be contained")
	}
}

// TestLoadSourceSkipsRowsBeyondUint16AreaIDSpace covers the row-index ->
// AreaId overflow: once the running row index would exceed what a uint16
// can hold, the row must be skipped rather than silently wrapping and
// colliding with an already-assigned area id.
func TestLoadSourceSkipsRowsBeyondUint16AreaIDSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "areas.csv")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	const rows = math.MaxUint16 + 4
	for i := 0; i < rows; i++ {
		if _, err := fmt.Fprintf(f, "A%d;POLYGON((13 52,14 52,14 53,13 53,13 52))\n", i); err != nil {
			t.Fatalf("write fixture row: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}

	s := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt"})
	validRows, err := s.loadSource(path)
	if err != nil {
		t.Fatalf("loadSource: %v", err)
	}

	if validRows != math.MaxUint16 {
		t.Errorf("expected exactly %d valid rows (the full uint16 area id space), got %d", math.MaxUint16, validRows)
	}
	if s.areaName[1] != "A0" {
		t.Errorf("expected area id 1 to keep its original name, got %q (overflow wraparound collision)", s.areaName[1])
	}
}

func TestLoadPersistsProcessedCacheAndReloadsFromIt(t *testing.T) {
	path := berlinAreaCSV(t)
	prefix := filepath.Join(t.TempDir(), "cache_")

	first := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt", ProcessedPrefix: prefix})
	if err := first.Load(path); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// second load should hit the processed cache files written by the first
	second := New(Options{IDCol: 0, GeoCol: 1, GeoType: "wkt", ProcessedPrefix: prefix})
	if err := second.Load(path); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	got := second.GetArea(orb.Point{13.5, 52.5})
	if len(got) != 1 || got[0] != "DE" {
		t.Errorf("expected the cache-backed reload to resolve [\"DE\"], got %v", got)
	}
}
