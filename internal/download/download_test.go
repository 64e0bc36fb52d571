package download

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestParseTileListSRTM(t *testing.T) {
	entries, err := parseTileList(SRTM)
	if err != nil {
		t.Fatalf("parseTileList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 bundled SRTM entries, got %d", len(entries))
	}
	if entries[0].filename != "srtm_01.zip" {
		t.Errorf("expected first entry srtm_01.zip, got %q", entries[0].filename)
	}
}

func TestParseTileListGMTED(t *testing.T) {
	entries, err := parseTileList(GMTED)
	if err != nil {
		t.Fatalf("parseTileList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 bundled GMTED entries, got %d", len(entries))
	}
}

func TestParseTileListUnknownKind(t *testing.T) {
	if _, err := parseTileList(Kind("bogus")); err == nil {
		t.Error("expected an unknown tile list kind to error")
	}
}

func TestFetchWithResumeFreshDownload(t *testing.T) {
	const body = "tile bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "tile.bin")
	if err := fetchWithResume(context.Background(), srv.Client(), srv.URL, dest); err != nil {
		t.Fatalf("fetchWithResume: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != body {
		t.Errorf("expected %q, got %q", body, got)
	}
}

func TestFetchWithResumeResumesPartialFile(t *testing.T) {
	const full = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write([]byte(full))
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[5:]))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "tile.bin")
	if err := os.WriteFile(dest, []byte(full[:5]), 0o644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	if err := fetchWithResume(context.Background(), srv.Client(), srv.URL, dest); err != nil {
		t.Fatalf("fetchWithResume: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read resumed file: %v", err)
	}
	if string(got) != full {
		t.Errorf("expected resumed file to equal %q, got %q", full, got)
	}
}

func TestFetchWithResumeAlreadyComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "tile.bin")
	if err := os.WriteFile(dest, []byte("already here"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := fetchWithResume(context.Background(), srv.Client(), srv.URL, dest); err != nil {
		t.Fatalf("expected a 416 response to be treated as success, got %v", err)
	}
}

func TestFetchWithResumeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "tile.bin")
	if err := fetchWithResume(context.Background(), srv.Client(), srv.URL, dest); err == nil {
		t.Error("expected a 500 response to be reported as an error")
	}
}

func TestExtractZipFindsRasterMember(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "srtm_01.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	readmeW, _ := zw.Create("readme.txt")
	readmeW.Write([]byte("not a raster"))
	tifW, _ := zw.Create("srtm_01.tif")
	tifW.Write([]byte("raster bytes"))
	if err := zw.Close(); err != nil {
		t.Fatalf("build fixture zip: %v", err)
	}
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture zip: %v", err)
	}

	if err := extractZip(archivePath, dir); err != nil {
		t.Fatalf("extractZip: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "srtm_01.tif"))
	if err != nil {
		t.Fatalf("read extracted raster: %v", err)
	}
	if string(got) != "raster bytes" {
		t.Errorf("expected extracted raster bytes to match, got %q", got)
	}
}

func TestExtractZipNoRasterMember(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "empty.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("readme.txt")
	w.Write([]byte("nothing useful"))
	if err := zw.Close(); err != nil {
		t.Fatalf("build fixture zip: %v", err)
	}
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture zip: %v", err)
	}

	if err := extractZip(archivePath, dir); err == nil {
		t.Error("expected an archive with no .tif/.hgt member to error")
	}
}

func TestRunAllDownloadsFailReportsFailureCount(t *testing.T) {
	// the bundled tile lists point at example.org, which is unreachable in
	// tests; Run must still return a zero-succeeded, all-failed result
	// rather than propagating a per-file network error.
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	dir := t.TempDir()
	result, err := Run(ctx, SRTM, dir, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Succeeded != 0 {
		t.Errorf("expected 0 successes with an already-expired context, got %d", result.Succeeded)
	}
	if result.Failed != 2 {
		t.Errorf("expected both bundled SRTM tiles to be counted as failed, got %d", result.Failed)
	}
}
