package log

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestNewWithOptions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratumd.log")
	logger := NewWithOptions(Options{
		Service:   "stratumd",
		Version:   "1.2.3",
		Level:     "warn",
		Format:    "json",
		File:      path,
		MaxSizeMB: 1,
	})

	logger.Info("dropped below level")
	logger.WithEpoch(7).WithMiner("0xabc", "rig1").Warn("dataset build slow")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	entry := lines[0]
	require.Equal(t, "dataset build slow", entry["msg"])
	require.Equal(t, "stratumd", entry["service"])
	require.Equal(t, "1.2.3", entry["version"])
	require.Equal(t, float64(7), entry["epoch"])
	require.Equal(t, "0xabc", entry["miner_address"])
	require.Equal(t, "rig1", entry["worker_name"])
}

func TestLogger_WithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")
	logger := NewWithOptions(Options{Service: "pool", Level: "info", File: path})

	ctx := context.WithValue(context.Background(), ConnectionIDKey, "1f")
	logger.WithContext(ctx).WithError(nil).Info("connected")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, "1f", lines[0]["connection_id"])
	require.NotContains(t, lines[0], "error")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNop(t *testing.T) {
	logger := Nop().WithComponent("jobs")
	logger.LogBlockFound("0xmix", 10, "0xabc", "rig1", 1e9)
	logger.LogJobDistribution("abc", 10, true, 3)
}
