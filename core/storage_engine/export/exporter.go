// Package export renders the objects of a set into files, optionally
// compressed, on local disk or in an S3-compatible object store.
package export

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

// Stats summarizes a finished export.
type Stats struct {
	Objects     int
	Pages       int
	Bytes       int64
	Written     int64
	Destination string
	Checksum    string
}

// Exporter creates export writers.
type Exporter struct {
	logger  *zap.Logger
	store   ObjectStore
	limiter *rate.Limiter
	tempDir string
}

// NewExporter returns an Exporter. store may be nil when s3:// destinations
// are not configured; rateLimitBytes of 0 disables throttling.
func NewExporter(store ObjectStore, rateLimitBytes int, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		logger:  logger.Named("export"),
		store:   store,
		limiter: common.NewLimiter(rateLimitBytes),
		tempDir: os.TempDir(),
	}
}

// Writer streams objects into a staging file. Nothing is visible at the
// destination until Commit succeeds.
type Writer struct {
	ex     *Exporter
	ctx    context.Context
	dest   string
	bucket string
	key    string
	remote bool

	staging string
	file    *os.File
	counter *countingWriter
	comp    io.WriteCloser
	enc     encoder
	sum     hash.Hash
	stats   Stats
	done    bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Begin opens a writer for dest, a local path or s3://bucket/key. The
// compression is chosen from dest's extension.
func (e *Exporter) Begin(ctx context.Context, dest string, format Format) (*Writer, error) {
	bucket, key, remote, err := parseObjectURL(dest)
	if err != nil {
		return nil, err
	}
	if remote && e.store == nil {
		return nil, fmt.Errorf("no object store configured for %s", dest)
	}

	dir := e.tempDir
	if !remote {
		dir = filepath.Dir(dest)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create export directory %s: %w", dir, err)
		}
	}
	staging := filepath.Join(dir, ".export-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	w := &Writer{
		ex:      e,
		ctx:     ctx,
		dest:    dest,
		bucket:  bucket,
		key:     key,
		remote:  remote,
		staging: staging,
		file:    f,
		sum:     blake3.New(),
		stats:   Stats{Destination: dest},
	}
	w.counter = &countingWriter{w: io.MultiWriter(common.NewThrottledWriter(ctx, f, e.limiter), w.sum)}
	comp, err := CompressionFor(dest).NewWriter(w.counter)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to open compressor: %w", err)
	}
	w.comp = comp
	w.enc = newEncoder(format, comp)
	return w, nil
}

// WriteObject renders one object.
func (w *Writer) WriteObject(obj []byte) error {
	if err := w.enc.encode(w.stats.Objects, obj); err != nil {
		return fmt.Errorf("failed to encode object %d: %w", w.stats.Objects, err)
	}
	w.stats.Objects++
	w.stats.Bytes += int64(len(obj))
	return nil
}

// PageDone counts one exported page.
func (w *Writer) PageDone() { w.stats.Pages++ }

// Commit finishes the stream and publishes it at the destination.
func (w *Writer) Commit() (Stats, error) {
	if w.done {
		return Stats{}, errors.New("export writer already finished")
	}
	w.done = true
	defer os.Remove(w.staging)

	err := w.enc.flush()
	if err == nil {
		err = w.comp.Close()
	}
	if err == nil {
		err = w.file.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Stats{}, fmt.Errorf("failed to finish export %s: %w", w.dest, err)
	}
	w.stats.Written = w.counter.n
	w.stats.Checksum = hex.EncodeToString(w.sum.Sum(nil))

	if w.remote {
		if err := w.upload(); err != nil {
			return Stats{}, err
		}
	} else if err := os.Rename(w.staging, w.dest); err != nil {
		return Stats{}, fmt.Errorf("failed to publish export %s: %w", w.dest, err)
	}

	w.ex.logger.Info("Export finished",
		zap.String("destination", w.dest),
		zap.Int("objects", w.stats.Objects),
		zap.Int("pages", w.stats.Pages),
		zap.Int64("bytes_written", w.stats.Written),
		zap.String("blake3", w.stats.Checksum))
	return w.stats, nil
}

func (w *Writer) upload() error {
	f, err := os.Open(w.staging)
	if err != nil {
		return fmt.Errorf("failed to reopen staging file: %w", err)
	}
	defer f.Close()
	return w.ex.store.Put(w.ctx, w.bucket, w.key, f, w.stats.Written)
}

// Abort discards the staging file. It is a no-op after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.ex.logger.Warn("Failed to remove export staging file", zap.String("path", w.staging), zap.Error(err))
	}
}
