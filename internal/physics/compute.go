package physics

import "math"

const (
	refractiveN0 = 1.00027
	refractiveT0 = 293.15
	refractiveP0 = 101.3
)

var refractiveK = (refractiveN0 - 1) * (refractiveT0 / refractiveP0)

// qecTypes lists device types that receive the p_flip output; every node
// type gets temperature_K, pressure_kPa and refractive_index (spec §4.4).
var qecTypes = map[string]bool{
	"QECModule":                true,
	"SyndromeStream":           true,
	"SurfaceCodeController":    true,
	"LatticeSurgeryController": true,
	"LeakageResetController":   true,
	"NoiseSpectrometer":        true,
	"ReadoutCalibrator":        true,
	"FaultInjector":            true,
}

func pFlip(tempK, pressureKPa, vibrationRMS float64) float64 {
	v := 0.01 + 0.0035*math.Max(0, tempK-77) + 0.06*math.Abs(pressureKPa-refractiveP0)/refractiveP0 + 10*vibrationRMS
	return clamp(v, 0, 0.35)
}

// computeNode computes the derived-property map for a single node, given
// its merged spec, the current environment and the full controller-state
// table. refLaserPower/refPMPhase are the optical power and modulated phase
// of the first Laser/PhaseModulator node in registration order, which feed
// PhotonicDetector's counts formula (spec §4.4).
func computeNode(nodeType, deviceID string, specs map[string]any, env EnvState, controllerState map[string]map[string]any, refLaserPower, refPMPhase float64) map[string]any {
	noiseCoeff := numberField(specs, "noise_coeff", 0.01)
	refractiveIndex := 1 + refractiveK*(env.PressureKPa/math.Max(1, env.TemperatureK))

	out := map[string]any{
		"temperature_K":    env.TemperatureK,
		"pressure_kPa":     env.PressureKPa,
		"refractive_index": refractiveIndex,
		"noise_coeff":      noiseCoeff,
	}

	switch nodeType {
	case "PressureSensor":
		out["pressure_kPa"] = env.PressureKPa
	case "AmbientLightSensor":
		out["ambient_lux"] = env.AmbientLux
	case "VibrationSensor":
		out["vibration_rms"] = env.VibrationRMS
	case "Laser":
		laserPower := controllerNumber(controllerState, deviceID, "optical_power", "power", 12.0)
		out["optical_power"] = laserPower * math.Max(0.2, 1-0.0015*math.Max(0, env.TemperatureK-77))
	case "PhaseModulator":
		pmPhase := controllerNumber(controllerState, deviceID, "phase_rad", "phase", 0)
		nAir := refractiveIndex
		out["phase"] = pmPhase + 2e3*(nAir-refractiveN0) + 50*env.VibrationRMS
	case "PhotonicDetector":
		laserPower := refLaserPower
		phase := refPMPhase
		counts := math.Max(0, 90*math.Max(0, laserPower)*0.5*(1+0.95*math.Cos(phase))) + 0.8*env.AmbientLux
		darkRate := math.Max(0, 0.02*(1+env.AmbientLux/200)*(1+5*env.VibrationRMS))
		out["counts"] = counts
		out["dark_rate"] = darkRate
		out["temperature"] = env.TemperatureK
	}

	if qecTypes[nodeType] {
		out["p_flip"] = pFlip(env.TemperatureK, env.PressureKPa, env.VibrationRMS)
	}

	return out
}

// controllerNumber reads a numeric field from a device's own controller
// state, preferring preferKey then fallbackKey, else def.
func controllerNumber(controllerState map[string]map[string]any, deviceID, preferKey, fallbackKey string, def float64) float64 {
	state := controllerState[deviceID]
	if v, ok := toFloat(state[preferKey]); ok {
		return v
	}
	if v, ok := toFloat(state[fallbackKey]); ok {
		return v
	}
	return def
}

