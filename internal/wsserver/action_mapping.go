package wsserver

import (
	"strings"

	"github.com/stonegate-labs/stonegate-core/internal/model"
)

var laserAliases = map[string]string{
	"phase_rad":     "set_phase",
	"intensity":     "set_intensity",
	"power":         "set_intensity",
	"optical_power": "set_intensity",
}

var ln2Aliases = map[string]string{
	"temperature_K":  "set_setpoint",
	"setpoint_K":     "set_setpoint",
	"flow_rate_Lmin": "set_flow_rate",
}

// mapActionEnvelope implements spec §4.8's action-envelope mapping: when
// `action` carries a `set` submap, sibling keys are copied as-is, then
// each `set` entry is translated into the device's `set_<prop>`
// convention, honoring per-device-type aliases with a generic fallback.
func mapActionEnvelope(deviceType string, action map[string]any) model.Action {
	out := make(model.Action, len(action))
	set, hasSet := action["set"].(map[string]any)
	if !hasSet {
		for k, v := range action {
			out[k] = v
		}
		return out
	}

	for k, v := range action {
		if k == "set" {
			continue
		}
		out[k] = v
	}

	aliases := aliasesForType(deviceType)
	for k, v := range set {
		if strings.HasPrefix(k, "set_") {
			out[k] = v
			continue
		}
		if alias, ok := aliases[k]; ok {
			out[alias] = v
			continue
		}
		out["set_"+k] = v
		if idx := strings.LastIndex(k, "_"); idx > 0 {
			out["set_"+k[:idx]] = v
		}
	}
	return out
}

func aliasesForType(deviceType string) map[string]string {
	switch strings.ToLower(deviceType) {
	case "laser_controller", "laser":
		return laserAliases
	case "ln2_cooling_controller", "ln2coolingcontroller":
		return ln2Aliases
	default:
		return nil
	}
}
