package physics

import "math"

const (
	atmosphericKPa  = 101.3
	envTempK        = 295.0
	sealedRelaxTauS = 1.5
)

// advanceDynamics advances EnvState by dt seconds of wall-clock, reading the
// LN2 cooling controller and pressure controller's setpoints (the first
// registered node of each respective type) plus the ambient-light default,
// per spec §4.4. dt must be > 0.
func (e *Engine) advanceDynamics(dt float64) {
	e.envMu.Lock()
	defer e.envMu.Unlock()

	flowRate, setpointK := e.ln2Setpoints()
	pressureSetpoint, sealed, pumpEnabled, tauPressure, leakRate := e.pressureSetpoints()

	p := e.env.PressureKPa
	if !sealed {
		p += (atmosphericKPa - p) * dt / sealedRelaxTauS
	} else {
		pumpTerm := 0.0
		if pumpEnabled {
			pumpTerm = (pressureSetpoint - p) * dt / math.Max(0.5, tauPressure)
		}
		leakTerm := -leakRate * (p - atmosphericKPa)
		p += pumpTerm + leakTerm*dt
	}
	p = clamp(p, pressureMin, pressureMax)

	eff := math.Pow(clamp(p/atmosphericKPa, 0.2, 2.0), 0.35)
	t := e.env.TemperatureK
	t += (envTempK - t) * dt / 400
	t += eff * 0.015 * clamp(flowRate, 0, 10) * (setpointK - t) * dt
	t = clamp(t, tempMin, tempMax)

	lux := e.ambientLuxDefault()

	vib := e.env.VibrationRMS
	base := 0.0003
	if pumpEnabled {
		base = 0.0015
	}
	vib = base + 0.0005*math.Abs(pressureSetpoint-p)/50
	vib = clamp(vib, vibrationMin, vibrationMax)

	e.env.PressureKPa = p
	e.env.TemperatureK = t
	e.env.AmbientLux = clamp(lux, luxMin, luxMax)
	e.env.VibrationRMS = vib
}

// ln2Setpoints reads the flow rate and target temperature of the first
// LN2CoolingController node, falling back to its part-spec default or a
// stable default if no controller state has been written yet.
func (e *Engine) ln2Setpoints() (flowRateLmin, setpointK float64) {
	n, ok := e.findNodeByTypeLocked("LN2CoolingController")
	if !ok {
		return 0, envTempK
	}
	state := e.controllerState[n.DeviceID]
	specs, _ := n.PartSpec["specs"].(map[string]any)
	flow := numberField(state, "flow_rate_Lmin", numberField(specs, "flow_rate_Lmin_default", 0))
	setpoint := numberField(state, "setpoint_K", numberField(specs, "setpoint_default", envTempK))
	return flow, clamp(setpoint, 60, 300)
}

func (e *Engine) pressureSetpoints() (setpointKPa float64, sealed, pumpEnabled bool, tauPressureS, leakRatePerS float64) {
	n, ok := e.findNodeByTypeLocked("PressureController")
	if !ok {
		return atmosphericKPa, false, false, 8, 0.0002
	}
	state := e.controllerState[n.DeviceID]
	specs, _ := n.PartSpec["specs"].(map[string]any)
	setpoint := numberField(state, "pressure_setpoint_kPa", numberField(specs, "pressure_setpoint_default_kPa", atmosphericKPa))
	tau := numberField(specs, "tau_pressure_s", 8)
	leak := numberField(specs, "leak_rate_per_s", 0.0002)
	return setpoint, boolField(state, "sealed", false), boolField(state, "pump_enabled", false), tau, leak
}

func (e *Engine) ambientLuxDefault() float64 {
	n, ok := e.findNodeByTypeLocked("AmbientLightSensor")
	if !ok {
		return e.env.AmbientLux
	}
	specs, _ := n.PartSpec["specs"].(map[string]any)
	return numberField(specs, "ambient_lux_default", e.env.AmbientLux)
}

// findNodeByTypeLocked is findNodeByType for callers already holding envMu.
func (e *Engine) findNodeByTypeLocked(nodeType string) (Node, bool) {
	for _, id := range e.nodeOrder {
		if n := e.nodes[id]; n.Type == nodeType {
			return n, true
		}
	}
	return Node{}, false
}
