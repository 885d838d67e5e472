package physics

// EnvState is the singleton environmental state C4 maintains (spec §3).
// All four fields are clamped on every update.
type EnvState struct {
	TemperatureK float64 `json:"temperature_K"`
	PressureKPa  float64 `json:"pressure_kPa"`
	AmbientLux   float64 `json:"ambient_lux"`
	VibrationRMS float64 `json:"vibration_rms"`
}

const (
	tempMin, tempMax       = 50.0, 350.0
	pressureMin, pressureMax = 10.0, 200.0
	luxMin, luxMax         = 0.0, 10_000.0
	vibrationMin, vibrationMax = 0.0, 0.05
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp forces every field back into its declared range.
func (e *EnvState) Clamp() {
	e.TemperatureK = clamp(e.TemperatureK, tempMin, tempMax)
	e.PressureKPa = clamp(e.PressureKPa, pressureMin, pressureMax)
	e.AmbientLux = clamp(e.AmbientLux, luxMin, luxMax)
	e.VibrationRMS = clamp(e.VibrationRMS, vibrationMin, vibrationMax)
}

// DefaultEnvState returns the nominal startup environment: room
// temperature (295 K), atmospheric pressure, dim ambient light, quiescent
// vibration.
func DefaultEnvState() EnvState {
	return EnvState{
		TemperatureK: 295,
		PressureKPa:  101.3,
		AmbientLux:   50,
		VibrationRMS: 0.0005,
	}
}
