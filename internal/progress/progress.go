// Package progress provides the side-effectful, interruptible progress
// reporting the driver runs alongside each streaming pass. It has no
// effect on pipeline output — only on what gets logged while a pass is
// active.
package progress

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/osm-transform/osm-transform/internal/logger"
	"go.uber.org/zap"
)

// Ticker calls a function periodically until its context is cancelled.
type Ticker struct {
	ctx      context.Context
	callback func()
	interval time.Duration
}

// NewTicker creates a ticker with the default 500ms reporting interval.
func NewTicker(ctx context.Context, callback func()) *Ticker {
	return &Ticker{
		ctx:      ctx,
		callback: callback,
		interval: 500 * time.Millisecond,
	}
}

// Run starts the ticker. It blocks until the context is cancelled, so
// callers run it in its own goroutine.
func (t *Ticker) Run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.callback()
		}
	}
}

// LoggingCallback returns a callback that logs the current read offset of
// f against the total size reported by fi, plus the throughput since the
// previous tick. fi may be nil if the size is unknown (e.g. a pipe);
// the callback then logs the byte offset and throughput without a
// percentage.
func LoggingCallback(pass string, f *os.File, fi os.FileInfo) func() {
	var lastOffset int64
	var lastTick time.Time

	return func() {
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return
		}

		now := time.Now()
		var mbps float64
		if !lastTick.IsZero() {
			elapsed := now.Sub(lastTick).Seconds()
			if elapsed > 0 {
				mbps = float64(offset-lastOffset) / elapsed / (1024 * 1024)
			}
		}
		lastOffset = offset
		lastTick = now

		fields := []zap.Field{
			zap.String("pass", pass),
			zap.Int64("bytes_read", offset),
			zap.Float64("mbps", mbps),
		}
		if fi != nil && fi.Size() > 0 {
			fields = append(fields, zap.Float64("pct", float64(offset)/float64(fi.Size())*100))
		}
		logger.Get().Debug("progress", fields...)
	}
}
