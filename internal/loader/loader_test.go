package loader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate-labs/stonegate-core/internal/physics"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestLoadAllRegistersNodesAndDevices(t *testing.T) {
	dir := t.TempDir()

	writeJSON(t, filepath.Join(dir, "ComponentSchema.json"), map[string][]string{
		"Thermocouple": {"temperature_K"},
		"Laser":        {"optical_power"},
	})
	writeJSON(t, filepath.Join(dir, "PartsLibrary.json"), map[string]any{
		"parts": []map[string]any{
			{"type": "Thermocouple", "specs": map[string]any{"noise_coeff": 0.02}},
			{"type": "Laser", "specs": map[string]any{"noise_coeff": 0.01}},
		},
	})
	writeJSON(t, filepath.Join(dir, "graph.json"), Graph{
		Nodes: []GraphNode{
			{ID: "tc0", Type: "Thermocouple"},
			{ID: "laser0", Type: "Laser"},
		},
		Edges: []GraphEdge{{From: "laser0", To: "tc0"}},
	})

	e := physics.New()
	reg := registry.New()
	l := New(e, reg, nil, 7, 10*time.Millisecond)

	count, err := l.LoadAll(dir, "graph.json")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, reg.Len())

	_, ok := reg.Get("tc0")
	assert.True(t, ok)

	e.StopBackgroundLoop()
}

func TestDeviceSeedIsDeterministicPerID(t *testing.T) {
	a := deviceSeed(100, "x")
	b := deviceSeed(100, "x")
	c := deviceSeed(100, "y")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uint64(0), deviceSeed(0, "x"))
}
