package elevation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
)

func TestNewServiceStartsUninitialized(t *testing.T) {
	s := New(1_000_000, false)
	if s.Initialized() {
		t.Error("expected a freshly constructed service to report Initialized()==false")
	}
	if s.Counts() != (Counts{}) {
		t.Error("expected a freshly constructed service to have zero counts")
	}
}

func TestElevationWithEmptyIndexReturnsNoData(t *testing.T) {
	s := New(1_000_000, false)
	if got := s.Elevation(orb.Point{13.4, 52.5}, true); got != NoData {
		t.Errorf("expected NoData from a service with no loaded tiles, got %v", got)
	}
	if s.Counts() != (Counts{}) {
		t.Error("expected a miss to not increment any source counter")
	}
}

func TestLoadSkipsMissingPaths(t *testing.T) {
	s := New(1_000_000, false)
	if err := s.Load([]string{filepath.Join(t.TempDir(), "does-not-exist")}); err != nil {
		t.Fatalf("expected Load to tolerate a missing path, got %v", err)
	}
	if !s.Initialized() {
		t.Error("expected Load to mark the service initialized even with nothing found")
	}
}

func TestLoadWalksDirectoryForTiffExtensions(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tile.tif", "tile.TIFF", "tile.gtiff", "readme.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("not a real geotiff"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	files, err := collectTiffs([]string{dir})
	if err != nil {
		t.Fatalf("collectTiffs: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("expected 3 tiff-extension files to be collected (case-insensitively), got %d: %v", len(files), files)
	}
}

func TestCollectTiffsAcceptsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.tif")
	if err := os.WriteFile(path, []byte("not a real geotiff"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	files, err := collectTiffs([]string{path})
	if err != nil {
		t.Fatalf("collectTiffs: %v", err)
	}
	if len(files) != 1 || files[0] != path {
		t.Errorf("expected collectTiffs to pass through a single file path unchanged, got %v", files)
	}
}

func TestInterpolateWithNoOverlappingTileReturnsNil(t *testing.T) {
	s := New(1_000_000, false)
	if got := s.Interpolate(orb.Point{13.0, 52.0}, orb.Point{13.1, 52.1}); got != nil {
		t.Errorf("expected nil from a service with no loaded tiles, got %v", got)
	}
}

// TestInterpolateZeroLengthSegmentReturnsOnlyEndpoint covers the §8
// round-trip property directly: a degenerate from==to segment must
// produce the empty interior sequence plus the endpoint, not a crash or
// a nonsensical run of synthetic points.
func TestInterpolateZeroLengthSegmentReturnsOnlyEndpoint(t *testing.T) {
	s := New(1_000_000, false)
	s.index.Insert([2]float64{0, 0}, [2]float64{10, 10}, tileEntry{priority: 0.25, filename: "fake.tif"})

	point := orb.Point{5, 5}
	got := s.Interpolate(point, point)

	if len(got) != 1 {
		t.Fatalf("expected the empty sequence plus the endpoint (1 entry), got %d: %v", len(got), got)
	}
	if got[0].Location != point {
		t.Errorf("expected the sole entry to be the endpoint %v, got %v", point, got[0].Location)
	}
}

// TestInterpolateWalksSegmentAtTileStepWidth exercises the step formula
// itself along a non-degenerate segment, matching an 80m-edge-style
// scenario at a coarser, hand-computable step width.
func TestInterpolateWalksSegmentAtTileStepWidth(t *testing.T) {
	s := New(1_000_000, false)
	s.index.Insert([2]float64{-1, -1}, [2]float64{2, 1}, tileEntry{priority: 0.25, filename: "fake.tif"})

	got := s.Interpolate(orb.Point{0, 0}, orb.Point{1, 0})

	// steps = int(dx/sx) = int(1/0.25) = 4, giving 5 interior samples
	// (step 0..4) plus the unconditionally appended endpoint.
	if len(got) != 6 {
		t.Fatalf("expected 6 sampled locations, got %d: %v", len(got), got)
	}
	wantLon := []float64{0, 0.25, 0.5, 0.75, 1.0, 1.0}
	for i, want := range wantLon {
		if got[i].Location[0] != want {
			t.Errorf("entry %d: got lon %v, want %v", i, got[i].Location[0], want)
		}
	}
	for i, e := range got {
		if e.Ele != NoData {
			t.Errorf("entry %d: expected NoData without a real backing raster, got %v", i, e.Ele)
		}
	}
}

func TestLoadToleratesUnopenableTiff(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "corrupt.tif"), []byte("not a real geotiff"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s := New(1_000_000, false)
	if err := s.Load([]string{dir}); err != nil {
		t.Fatalf("expected Load to swallow a per-tile open failure, got %v", err)
	}
	if !s.Initialized() {
		t.Error("expected Load to mark the service initialized even when every candidate tile fails to open")
	}
}
