package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	p := New()
	stop, err := p.StartCPU(path)
	require.NoError(t, err)
	stop()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestWriteHeap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.prof")

	require.NoError(t, New().WriteHeap(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestStartCPUBadPath(t *testing.T) {
	_, err := New().StartCPU(filepath.Join(t.TempDir(), "missing", "cpu.prof"))
	assert.Error(t, err)
}
