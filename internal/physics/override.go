package physics

// deepMerge recursively merges patch onto base: nested maps are merged key
// by key, any non-map value in patch replaces the corresponding base value
// outright. Neither input is mutated; a new map tree is returned. This is
// the merge semantics for all three override layers (spec §3/§4.4).
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bm, ok := out[k].(map[string]any); ok {
			if pm, ok := pv.(map[string]any); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	return deepMerge(m, nil)
}

// toFloat coerces a decoded JSON number (float64, int, int64) to float64.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func numberField(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func stringField(m map[string]any, key string, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}
