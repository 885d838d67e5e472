package wsserver

import (
	"math"
	"math/rand"
	"time"

	stgerrors "github.com/stonegate-labs/stonegate-core/internal/errors"
)

// rpcQecDecode implements the qec.decode RPC: per-qubit majority vote over
// a flat list of {qubit, value} syndrome samples (spec §4.8).
func (s *Server) rpcQecDecode(params map[string]any) (any, *stgerrors.RPCError) {
	raw, ok := params["measurements"].([]any)
	if !ok {
		return nil, stgerrors.Rejected("qec_measurements_not_array", "measurements must be an array", nil)
	}

	type tally struct{ zeros, ones int }
	tallies := make(map[int64]*tally)
	order := []int64{}

	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		qubit, ok := toInt64(obj["qubit"])
		if !ok || qubit < 0 {
			continue
		}
		value, _ := toInt64(obj["value"])

		t, exists := tallies[qubit]
		if !exists {
			t = &tally{}
			tallies[qubit] = t
			order = append(order, qubit)
		}
		if value != 0 {
			t.ones++
		} else {
			t.zeros++
		}
	}

	corrections := make([]map[string]any, 0, len(order))
	for _, q := range order {
		t := tallies[q]
		correction := 0
		if t.ones > t.zeros {
			correction = 1
		}
		corrections = append(corrections, map[string]any{"qubit": q, "round": 0, "correction": correction})
	}

	result := map[string]any{"corrections": corrections}
	if jobID, ok := params["job_id"]; ok {
		result["job_id"] = jobID
	}
	return result, nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

// rpcQecBenchmark implements the qec.benchmark RPC: Monte Carlo
// repetition-code simulation or the surface-code scaling law, per the
// clamped inputs and formulas in spec §4.8 (preserved bit-for-bit as an
// API contract, not a physical model, per spec §9).
func (s *Server) rpcQecBenchmark(params map[string]any) (any, *stgerrors.RPCError) {
	pFlip := clampUnit(numberParam(params, "p_flip", 0.01))
	rounds := intAtLeast(params, "rounds", 1, 1)
	shots := intAtLeast(params, "shots", 1, 1)
	seed := intAtLeast(params, "seed", 0, 0)
	code, _ := params["code"].(string)

	src := rand.NewSource(int64(seed))
	if seed == 0 {
		src = rand.NewSource(time.Now().UnixNano())
	}
	rng := rand.New(src)

	var decodedErrorRate float64
	switch code {
	case "repetition":
		decodedErrorRate = runRepetitionBenchmark(rng, pFlip, rounds, shots)
	case "surface":
		distance := surfaceDistance(params)
		decodedErrorRate = clampUnit(0.1 * math.Pow(math.Max(1e-12, pFlip/0.01), float64(distance+1)/2))
	default:
		decodedErrorRate = pFlip
	}

	result := map[string]any{
		"status": "done",
		"statistics": map[string]any{
			"shots":               shots,
			"rounds":              rounds,
			"p_flip":              pFlip,
			"raw_error_rate":      pFlip,
			"decoded_error_rate":  decodedErrorRate,
			"code":                code,
		},
	}
	if jobID, ok := params["job_id"]; ok {
		result["job_id"] = jobID
	}
	return result, nil
}

func runRepetitionBenchmark(rng *rand.Rand, pFlip float64, rounds, shots int) float64 {
	errors := 0
	for trial := 0; trial < shots; trial++ {
		ones := 0
		for r := 0; r < rounds; r++ {
			if rng.Float64() < pFlip {
				ones++
			}
		}
		if ones > rounds/2 {
			errors++
		}
	}
	return float64(errors) / float64(shots)
}

func surfaceDistance(params map[string]any) int {
	d := 3
	if inner, ok := params["params"].(map[string]any); ok {
		if v, ok := toInt64(inner["distance"]); ok {
			d = int(v)
		}
	}
	if d%2 == 0 {
		d++
	}
	if d < 3 {
		d = 3
	}
	return d
}

func numberParam(params map[string]any, key string, def float64) float64 {
	if v, ok := toFloat(params[key]); ok {
		return v
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func intAtLeast(params map[string]any, key string, min int, def int) int {
	v, ok := toInt64(params[key])
	if !ok {
		return def
	}
	n := int(v)
	if n < min {
		return min
	}
	return n
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
