package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextmcp.log")
	logger, cleanup, err := Setup(Config{Level: "info", FilePath: path, MaxSizeMB: 1, MaxFiles: 2})
	require.NoError(t, err)

	logger.Info("index_started", slog.String("project", "acme"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &entry))
	assert.Equal(t, "index_started", entry["msg"])
	assert.Equal(t, "acme", entry["project"])
}

func TestSetupRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextmcp.log")
	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: path, MaxSizeMB: 1, MaxFiles: 2})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	// Two writes of >0.6MB each force one rotation.
	payload := strings.Repeat("x", 700*1024)
	_, err = w.Write([]byte(payload))
	require.NoError(t, err)
	_, err = w.Write([]byte(payload))
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated file should exist")
}

func TestRotatingWriterKeepsAtMostMaxFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	payload := strings.Repeat("y", 1100*1024)
	for i := 0; i < 5; i++ {
		_, err = w.Write([]byte(payload))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}
