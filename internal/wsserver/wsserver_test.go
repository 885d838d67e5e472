package wsserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapActionEnvelopeLaserAliases(t *testing.T) {
	out := mapActionEnvelope("Laser", map[string]any{
		"set": map[string]any{"power": 5.0, "phase_rad": 1.2},
	})
	assert.Equal(t, 5.0, out["set_intensity"])
	assert.Equal(t, 1.2, out["set_phase"])
}

func TestMapActionEnvelopeLN2Aliases(t *testing.T) {
	out := mapActionEnvelope("LN2CoolingController", map[string]any{
		"set": map[string]any{"setpoint_K": 77.0, "flow_rate_Lmin": 5.0},
	})
	assert.Equal(t, 77.0, out["set_setpoint"])
	assert.Equal(t, 5.0, out["set_flow_rate"])
}

func TestMapActionEnvelopeFallbackGeneratesSuffixVariant(t *testing.T) {
	out := mapActionEnvelope("Thermocouple", map[string]any{
		"set": map[string]any{"temperature_K": 300.0},
	})
	assert.Equal(t, 300.0, out["set_temperature_K"])
	assert.Equal(t, 300.0, out["set_temperature"])
}

func TestMapActionEnvelopeWithoutSetCopiesVerbatim(t *testing.T) {
	out := mapActionEnvelope("Thermocouple", map[string]any{"zero": true})
	assert.Equal(t, true, out["zero"])
}

func TestQecDecodeMajorityVote(t *testing.T) {
	s := &Server{}
	result, rpcErr := s.rpcQecDecode(map[string]any{
		"measurements": []any{
			map[string]any{"qubit": 0.0, "value": 1.0},
			map[string]any{"qubit": 0.0, "value": 1.0},
			map[string]any{"qubit": 0.0, "value": 0.0},
			map[string]any{"qubit": 1.0, "value": 0.0},
		},
	})
	assert.Nil(t, rpcErr)
	out := result.(map[string]any)
	corrections := out["corrections"].([]map[string]any)
	assert.Equal(t, 2, len(corrections))
	assert.Equal(t, 1, corrections[0]["correction"])
	assert.Equal(t, 0, corrections[1]["correction"])
}

func TestQecDecodeRejectsNonArrayMeasurements(t *testing.T) {
	s := &Server{}
	_, rpcErr := s.rpcQecDecode(map[string]any{"measurements": "oops"})
	assert.NotNil(t, rpcErr)
	assert.Equal(t, "qec_measurements_not_array", rpcErr.Details["detail"])
}

func TestQecBenchmarkRepetitionIsDeterministicForFixedSeed(t *testing.T) {
	s := &Server{}
	run := func() float64 {
		result, _ := s.rpcQecBenchmark(map[string]any{
			"code": "repetition", "p_flip": 0.1, "rounds": 5.0, "shots": 200.0, "seed": 42.0,
		})
		stats := result.(map[string]any)["statistics"].(map[string]any)
		return stats["decoded_error_rate"].(float64)
	}
	assert.Equal(t, run(), run())
}

func TestParseStartParamsReadsMetricsPerStream(t *testing.T) {
	sp, rpcErr := parseStartParams(map[string]any{
		"streams": []any{
			map[string]any{"device_id": "tc0", "rate_hz": 50.0, "metrics": []any{"temperature_K"}},
			map[string]any{"device_id": "tc1", "rate_hz": 10.0},
		},
	})
	assert.Nil(t, rpcErr)
	require.Len(t, sp.Streams, 2)
	assert.Equal(t, []string{"temperature_K"}, sp.Streams[0].Metrics)
	assert.Nil(t, sp.Streams[1].Metrics)
}

func TestQecBenchmarkSurfaceForcesOddDistance(t *testing.T) {
	s := &Server{}
	result, _ := s.rpcQecBenchmark(map[string]any{
		"code": "surface", "p_flip": 0.02, "params": map[string]any{"distance": 4.0},
	})
	stats := result.(map[string]any)["statistics"].(map[string]any)
	// distance 4 is forced to 5: 0.1 * (0.02/0.01)^((5+1)/2) = 0.1 * 2^3 = 0.8.
	assert.InDelta(t, 0.8, stats["decoded_error_rate"].(float64), 1e-9)
}
