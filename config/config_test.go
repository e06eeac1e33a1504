package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
storage:
  node_id: 3
  volumes: [/data/a, /data/b]
  page_size: 4096
  cache:
    block_when_full: true
  flush:
    buffer_size: 5
    max_retries: 2
    retry_backoff: 20ms
  scan:
    max_retries: 4
grpc:
  address: 0.0.0.0:9000
backend:
  network: tcp
  address: 127.0.0.1:9100
logger:
  level: debug
  format: console
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, uint32(3), cfg.Storage.NodeID)
	require.Equal(t, []string{"/data/a", "/data/b"}, cfg.Storage.Volumes)
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.True(t, cfg.Storage.Cache.BlockWhenFull)
	require.Equal(t, 5, cfg.Storage.Flush.BufferSize)
	require.Equal(t, 20*time.Millisecond, cfg.Storage.Flush.RetryBackoff)
	require.Equal(t, 4, cfg.Storage.Scan.MaxRetries)
	require.Equal(t, "0.0.0.0:9000", cfg.GRPC.Address)
	require.Equal(t, "tcp", cfg.Backend.Network)
	require.Equal(t, "debug", cfg.Logger.Level)

	// defaults fill what the file leaves out
	require.Equal(t, 1024, cfg.Storage.CachePages)
	require.Equal(t, 8, cfg.Backend.PoolSize)
	require.Equal(t, "pagestore", cfg.Telemetry.ServiceName)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("storage:\n  pagesize: 10\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "no volumes")

	cfg.Storage.Volumes = []string{"/a", "/a"}
	require.Error(t, cfg.Validate())

	cfg.Storage.Volumes = []string{"/a"}
	cfg.Storage.PageSize = 1000
	require.Error(t, cfg.Validate())

	cfg.Storage.PageSize = 8192
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4096, cfg.Storage.PageSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7050", cfg.GRPC.Address)
}
