package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short upload: %d of %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[bucket+"/"+key] = data
	return nil
}

func testObjects() [][]byte {
	return [][]byte{
		[]byte("alpha"),
		[]byte("with,comma \"quoted\""),
		bytes.Repeat([]byte("z"), 4000),
		[]byte(""),
	}
}

func writeAll(t *testing.T, ex *Exporter, dest string, f Format, objs [][]byte) Stats {
	t.Helper()
	w, err := ex.Begin(context.Background(), dest, f)
	require.NoError(t, err)
	for _, obj := range objs {
		require.NoError(t, w.WriteObject(obj))
	}
	w.PageDone()
	stats, err := w.Commit()
	require.NoError(t, err)
	return stats
}

func readBack(t *testing.T, path string, f Format) [][]byte {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	r, err := CompressionFor(path).NewReader(file)
	require.NoError(t, err)
	defer r.Close()
	objs, err := DecodeObjects(f, r)
	require.NoError(t, err)
	return objs
}

func TestExporter_LocalFormats(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		format Format
	}{
		{"csv", "out.csv", FormatCSV},
		{"json", "out.jsonl", FormatJSON},
		{"json zstd", "out.jsonl.zst", FormatJSON},
		{"csv lz4", "out.csv.lz4", FormatCSV},
		{"csv xz", "out.csv.xz", FormatCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewExporter(nil, 0, zap.NewNop())
			dest := filepath.Join(t.TempDir(), "nested", tt.file)
			objs := testObjects()

			stats := writeAll(t, ex, dest, tt.format, objs)
			require.Equal(t, len(objs), stats.Objects)
			require.Equal(t, 1, stats.Pages)
			require.Equal(t, int64(4024), stats.Bytes)
			require.Len(t, stats.Checksum, 64)

			got := readBack(t, dest, tt.format)
			require.Len(t, got, len(objs))
			for i := range objs {
				require.Equal(t, string(objs[i]), string(got[i]))
			}

			entries, err := os.ReadDir(filepath.Dir(dest))
			require.NoError(t, err)
			require.Len(t, entries, 1, "staging file must not survive a commit")
		})
	}
}

func TestExporter_TextFormat(t *testing.T) {
	ex := NewExporter(nil, 0, zap.NewNop())
	dest := filepath.Join(t.TempDir(), "out.txt")
	writeAll(t, ex, dest, FormatText, [][]byte{[]byte("one"), []byte("two")})

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(raw))
}

func TestExporter_AbortLeavesNothing(t *testing.T) {
	ex := NewExporter(nil, 0, zap.NewNop())
	dir := t.TempDir()
	w, err := ex.Begin(context.Background(), filepath.Join(dir, "out.csv"), FormatCSV)
	require.NoError(t, err)
	require.NoError(t, w.WriteObject([]byte("dropped")))
	w.Abort()
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExporter_ObjectStore(t *testing.T) {
	store := &memStore{}
	ex := NewExporter(store, 0, zap.NewNop())
	ex.tempDir = t.TempDir()

	stats := writeAll(t, ex, "s3://exports/db/set.jsonl.zst", FormatJSON, testObjects())
	require.Equal(t, "s3://exports/db/set.jsonl.zst", stats.Destination)

	data, ok := store.objects["exports/db/set.jsonl.zst"]
	require.True(t, ok)
	require.Equal(t, stats.Written, int64(len(data)))

	r, err := CompressZstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
	got, err := DecodeObjects(FormatJSON, r)
	require.NoError(t, err)
	require.Len(t, got, 4)

	entries, err := os.ReadDir(ex.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExporter_ObjectStoreErrors(t *testing.T) {
	ex := NewExporter(nil, 0, zap.NewNop())
	_, err := ex.Begin(context.Background(), "s3://bucket/key.csv", FormatCSV)
	require.Error(t, err)

	ex = NewExporter(&memStore{}, 0, zap.NewNop())
	_, err = ex.Begin(context.Background(), "s3://bucket-only", FormatCSV)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatCSV, f)
	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	_, err = ParseFormat("parquet")
	require.ErrorIs(t, err, flushmanager.ErrUnknownFormat)
}
