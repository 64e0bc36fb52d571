// Package download implements §4.9's tile acquisition command: fetching
// the bundled SRTM/GMTED tile lists over HTTP, with resume support and
// zip extraction for SRTM archives.
package download

import (
	"archive/zip"
	"context"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/osm-transform/osm-transform/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//go:embed tilelists/tiles_srtm.csv
var srtmList []byte

//go:embed tilelists/tiles_gmted.csv
var gmtedList []byte

// Kind selects which bundled tile list to fetch.
type Kind string

const (
	SRTM  Kind = "srtm"
	GMTED Kind = "gmted"
)

type tileEntry struct {
	filename string
	url      string
}

// Result tallies per-file outcomes for the exit-code decision in §4.9:
// exit 0 if at least one file succeeded, 3 if all failed.
type Result struct {
	Succeeded int
	Failed    int
}

// Run fetches every tile for kind into dir, bounded by workers concurrent
// downloads.
func Run(ctx context.Context, kind Kind, dir string, workers int) (Result, error) {
	entries, err := parseTileList(kind)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create target directory: %w", err)
	}

	if workers < 1 {
		workers = 1
	}

	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	client := &http.Client{Timeout: 10 * time.Minute}

	for _, entry := range entries {
		entry := entry
		dest := filepath.Join(dir, entry.filename)
		g.Go(func() error {
			if err := fetchWithResume(gctx, client, entry.url, dest); err != nil {
				logger.Get().Warn("tile download failed", zap.String("file", entry.filename), zap.Error(err))
				failed.Add(1)
				return nil // per-file failures never abort the group
			}

			if kind == SRTM && strings.EqualFold(filepath.Ext(dest), ".zip") {
				if err := extractZip(dest, dir); err != nil {
					logger.Get().Warn("tile extraction failed", zap.String("file", entry.filename), zap.Error(err))
					failed.Add(1)
					return nil
				}
				os.Remove(dest)
			}

			succeeded.Add(1)
			return nil
		})
	}

	// every goroutine above returns nil, so g.Wait never reports an error
	// here; per-file failures are counted instead.
	if err := g.Wait(); err != nil {
		return Result{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}, err
	}
	return Result{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}, nil
}

func parseTileList(kind Kind) ([]tileEntry, error) {
	var data []byte
	switch kind {
	case SRTM:
		data = srtmList
	case GMTED:
		data = gmtedList
	default:
		return nil, fmt.Errorf("unknown tile list kind %q", kind)
	}

	r := csv.NewReader(strings.NewReader(string(data)))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse embedded tile list: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var entries []tileEntry
	for _, row := range rows[1:] { // skip header
		if len(row) < 2 {
			continue
		}
		entries = append(entries, tileEntry{filename: row[0], url: row[1]})
	}
	return entries, nil
}

// fetchWithResume downloads url into path, resuming a partial download
// with a Range header if a smaller-than-expected file already exists,
// and skipping entirely if the server reports it is already complete.
func fetchWithResume(ctx context.Context, client *http.Client, url, path string) error {
	var startAt int64
	if fi, err := os.Stat(path); err == nil {
		startAt = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if startAt > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startAt))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if startAt > 0 {
			// server ignored our range request; restart from scratch
			startAt = 0
		}
	case http.StatusPartialContent:
		// resuming
	case http.StatusRequestedRangeNotSatisfiable:
		return nil // file is already complete
	default:
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startAt > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

// extractZip extracts the single raster member of an SRTM archive into
// dir, discarding any other entries.
func extractZip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		lower := strings.ToLower(f.Name)
		if !strings.HasSuffix(lower, ".tif") && !strings.HasSuffix(lower, ".hgt") {
			continue
		}
		if err := extractZipEntry(f, dir); err != nil {
			return err
		}
		return nil // one raster member expected per archive
	}
	return fmt.Errorf("no .tif/.hgt member found in %s", archivePath)
}

func extractZipEntry(f *zip.File, dir string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dest := filepath.Join(dir, filepath.Base(f.Name))
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}
