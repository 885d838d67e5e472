package device

import (
	"math"

	"github.com/stonegate-labs/stonegate-core/internal/model"
)

// initTypeState installs device-type-specific additional state beyond the
// declared properties. The QEC demo topology's device types each carry a
// small amount of bookkeeping state that read_measurement and
// perform_action update (spec §4.2).
func (d *SimulatedDevice) initTypeState() {
	switch d.deviceType {
	case "QECModule":
		d.intState["round"] = 0
		d.boolState["correction_applied"] = false
	case "SyndromeStream":
		d.boolState["running"] = false
		d.intState["round"] = 0
	case "NoiseSpectrometer":
		d.numericState["noise_psd"] = d.sampleNormal(1e-6, 0.1)
		d.numericState["peak_frequency_Hz"] = d.sampleNormal(60, 0.05)
	case "ReadoutCalibrator":
		d.numericState["fidelity"] = 0.99
		d.numericState["calibration_offset"] = 0
	case "FaultInjector":
		d.stringState["last_target"] = ""
	case "LeakageResetController":
		d.intState["reset_count"] = 0
		d.numericState["leak_rate_per_s"] = d.sampleNormal(0.001, 0.1)
	case "SurfaceCodeController":
		d.numericState["logical_error_rate"] = 0
		d.intState["distance"] = 3
	case "LatticeSurgeryController":
		d.boolState["merged"] = false
		d.numericState["merge_duration_ns"] = 0
	}
}

// injectTypeSpecific augments a read's measurement set with the derived
// and stochastic properties that are not simple declared properties:
// QECModule/SyndromeStream syndrome sampling, SurfaceCodeController and
// LatticeSurgeryController state, and p_flip for QECModule (always) and for
// the other QEC types when there is no physics snapshot. p_flip comes from
// the snapshot if present, else from the device's own temperature_K.
// temperature_K, pressure_kPa and refractive_index are not added here; they
// appear only when declared as properties.
func (d *SimulatedDevice) injectTypeSpecific(out map[string]model.PropertyMeasurement, snapshot map[string]any, relNoise float64) {
	pFlip := 0.01
	if v, ok := toFloat(snapshot["p_flip"]); ok {
		pFlip = v
	} else if tK, ok := toFloat(d.numericState["temperature_K"]); ok {
		pFlip = estimatePFlip(tK)
	}

	switch d.deviceType {
	case "QECModule":
		bit := d.rng.Float64() < pFlip
		out["syndrome"] = model.PropertyMeasurement{Value: model.Boolean(bit)}
		out["p_flip"] = model.PropertyMeasurement{Value: model.Number(pFlip)}
		d.intState["round"]++
		out["round"] = model.PropertyMeasurement{Value: model.Integer(d.intState["round"])}
	case "SyndromeStream":
		if d.boolState["running"] {
			bit := d.rng.Float64() < pFlip
			d.boolState["bit"] = bit
			d.intState["round"]++
		}
		out["bit"] = model.PropertyMeasurement{Value: model.Boolean(d.boolState["bit"])}
		out["round"] = model.PropertyMeasurement{Value: model.Integer(d.intState["round"])}
	case "SurfaceCodeController":
		out["logical_error_rate"] = model.PropertyMeasurement{Value: model.Number(d.numericState["logical_error_rate"])}
	case "LatticeSurgeryController":
		out["merged"] = model.PropertyMeasurement{Value: model.Boolean(d.boolState["merged"])}
	}

	if snapshot == nil && qecBaselineTypes[d.deviceType] {
		out["p_flip"] = model.PropertyMeasurement{Value: model.Number(pFlip)}
	}
}

var qecBaselineTypes = map[string]bool{
	"QECModule":                true,
	"SyndromeStream":           true,
	"SurfaceCodeController":    true,
	"LatticeSurgeryController": true,
	"LeakageResetController":   true,
	"NoiseSpectrometer":        true,
	"ReadoutCalibrator":        true,
	"FaultInjector":            true,
}

// estimatePFlip mirrors physics.pFlip's shape for standalone devices that
// were constructed without a physics engine (e.g. unit tests), using a
// nominal pressure and vibration baseline.
func estimatePFlip(tempK float64) float64 {
	v := 0.01 + 0.0035*math.Max(0, tempK-77)
	if v < 0 {
		return 0
	}
	if v > 0.35 {
		return 0.35
	}
	return v
}

// dispatchTypeAction handles verbs beyond the generic set_<prop>/zero/reset
// convention: run_round, start/stop, sweep, calibrate, override_device,
// clear_overrides, reset_leakage, run_cycles, merge/split.
func (d *SimulatedDevice) dispatchTypeAction(cmd model.Action) {
	switch d.deviceType {
	case "QECModule":
		if cmd.Has("run_round") {
			d.intState["round"]++
		}
		if v, ok := cmd.Get("correction_applied"); ok {
			if b, ok := v.(bool); ok {
				d.boolState["correction_applied"] = b
			}
		}
	case "SyndromeStream":
		if cmd.Has("start") {
			d.boolState["running"] = true
		}
		if cmd.Has("stop") {
			d.boolState["running"] = false
		}
	case "NoiseSpectrometer":
		if cmd.Has("sweep") {
			d.numericState["noise_psd"] = d.sampleNormal(1e-6, 0.1)
			d.numericState["peak_frequency_Hz"] = d.sampleNormal(60, 0.05)
		}
	case "ReadoutCalibrator":
		if cmd.Has("calibrate") {
			tK, _ := toFloat(d.numericState["temperature_K"])
			d.numericState["fidelity"] = clamp01(1 - estimatePFlip(tK))
			d.numericState["calibration_offset"] = d.rng.NormFloat64() * 0.001
		}
	case "FaultInjector":
		d.dispatchFaultInjector(cmd)
	case "LeakageResetController":
		if cmd.Has("reset_leakage") {
			d.intState["reset_count"]++
			d.numericState["leak_rate_per_s"] *= 0.5
		}
	case "SurfaceCodeController":
		d.dispatchSurfaceCode(cmd)
	case "LatticeSurgeryController":
		if cmd.Has("merge") {
			d.boolState["merged"] = true
		}
		if cmd.Has("split") {
			d.boolState["merged"] = false
		}
	}
}

func (d *SimulatedDevice) dispatchFaultInjector(cmd model.Action) {
	if d.physics == nil {
		return
	}
	if obj := cmd.Object("override_device"); obj != nil {
		id, _ := obj["device_id"].(string)
		patch, _ := obj["override"].(map[string]any)
		if id != "" && patch != nil {
			d.physics.ApplyRuntimeOverride(id, patch)
			d.stringState["last_target"] = id
		}
		return
	}
	if obj := cmd.Object("clear_override"); obj != nil {
		if id, _ := obj["device_id"].(string); id != "" {
			d.physics.ClearRuntimeOverride(id)
		}
		return
	}
	if cmd.Has("clear_overrides") {
		d.physics.ClearRuntimeOverrides()
	}
}

func (d *SimulatedDevice) dispatchSurfaceCode(cmd model.Action) {
	obj := cmd.Object("run_cycles")
	if obj == nil {
		return
	}
	distance := int64(3)
	if v, ok := toFloat(obj["distance"]); ok {
		distance = int64(v)
	}
	if distance%2 == 0 {
		distance++
	}
	if distance < 3 {
		distance = 3
	}
	d.intState["distance"] = distance

	p := 0.01
	if v, ok := toFloat(d.numericState["p_flip"]); ok {
		p = v
	}
	const pThreshold = 0.01
	const a = 0.1
	ratio := p / pThreshold
	exponent := float64(distance+1) / 2
	d.numericState["logical_error_rate"] = a * math.Pow(ratio, exponent)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// pushControllerState mirrors any writable controller-facing fields back
// into the physics engine so subsequent compute_step calls see the
// device's commanded setpoints (spec §4.4 controller_state table).
func (d *SimulatedDevice) pushControllerState() {
	if d.physics == nil {
		return
	}
	patch := make(map[string]any)
	for _, k := range []string{
		"flow_rate_Lmin", "setpoint_K", "pressure_setpoint_kPa",
		"sealed", "pump_enabled", "power", "optical_power", "phase_rad", "phase",
	} {
		if v, ok := d.numericState[k]; ok {
			patch[k] = v
		}
		if v, ok := d.boolState[k]; ok {
			patch[k] = v
		}
	}
	if len(patch) == 0 {
		return
	}
	d.physics.UpdateControllerState(d.id, patch)
}
