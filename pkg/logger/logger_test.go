package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := New(Config{Level: "warn", Format: "json", OutputFile: path, Component: "server"})
	require.NoError(t, err)

	l.Info("dropped below level")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "pagestore", entry["service"])
	require.Equal(t, "server", entry["component"])
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud", OutputFile: "stderr"})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(0))
	require.False(t, l.Core().Enabled(-1))
}

func TestNew_UnwritableFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "node.log")})
	require.Error(t, err)
}
