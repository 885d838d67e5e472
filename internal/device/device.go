// Package device implements the device capability contract (C2) and its
// reference simulated implementation. SimulatedDevice seeds plausible
// per-property state, blends it with the physics engine's cached derived
// properties on read, and accepts the generic `set_<prop>` action
// convention plus per-type behaviors described in spec §4.2.
package device

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/stonegate-labs/stonegate-core/internal/model"
)

// CachedStepSource is the subset of the physics engine a device needs: the
// latest published per-device property snapshot. Devices hold a
// non-owning reference (spec §9 "cyclic references").
type CachedStepSource interface {
	GetCachedStep() map[string]map[string]any
}

// PhysicsSink is the fuller surface controller- and fault-injector-type
// devices need to push state back into the physics engine. New takes a
// PhysicsSink; passing nil leaves the device without a physics snapshot,
// and the controller-state push and FaultInjector verbs then do nothing.
type PhysicsSink interface {
	CachedStepSource
	UpdateControllerState(deviceID string, patch map[string]any)
	ApplyRuntimeOverride(deviceID string, patch map[string]any)
	ClearRuntimeOverride(deviceID string)
	ClearRuntimeOverrides()
	ReloadOverrides() error
}

// SimulatedDevice is the reference device implementation. Four parallel
// state stores are keyed by property name; a property's native kind is
// fixed on first write.
type SimulatedDevice struct {
	mu sync.Mutex

	id         string
	deviceType string
	properties []string
	metrics    map[string]model.MetricSpec

	rng *rand.Rand

	physics PhysicsSink

	numericState map[string]float64
	intState     map[string]int64
	boolState    map[string]bool
	stringState  map[string]string
}

// New constructs a SimulatedDevice. seed 0 seeds from the high-resolution
// clock (non-deterministic); any other seed yields a deterministic noise
// sequence for that device (spec §4.2).
func New(id, deviceType string, properties []string, seed uint64, physics PhysicsSink) *SimulatedDevice {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	d := &SimulatedDevice{
		id:           id,
		deviceType:   deviceType,
		properties:   append([]string(nil), properties...),
		metrics:      make(map[string]model.MetricSpec),
		rng:          rand.New(rand.NewSource(int64(seed))),
		physics:      physics,
		numericState: make(map[string]float64),
		intState:     make(map[string]int64),
		boolState:    make(map[string]bool),
		stringState:  make(map[string]string),
	}
	d.initProperties()
	d.initTypeState()
	return d
}

// SeedFor derives a per-id seed from a base seed, so every device built
// from one top-level seed gets a distinct but reproducible sequence
// (spec §4.5: `seed + hash(id)`). The simulator loader computes the same
// value with its own deviceSeed helper rather than calling this one.
func SeedFor(base uint64, id string) uint64 {
	if base == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return base + h.Sum64()
}

func (d *SimulatedDevice) ID() string   { return d.id }
func (d *SimulatedDevice) Type() string { return d.deviceType }

func (d *SimulatedDevice) initProperties() {
	for _, p := range d.properties {
		d.seedDefault(p)
	}
}

// seedDefault installs the initial value for a declared property using a
// normal distribution around a domain-specific mean, per spec §4.2.
func (d *SimulatedDevice) seedDefault(prop string) {
	lower := strings.ToLower(prop)
	switch {
	case strings.Contains(lower, "temp"):
		d.numericState[prop] = d.sampleNormal(77, 0.2)
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricNumber, Unit: "K"}
	case strings.Contains(lower, "power"):
		d.numericState[prop] = d.sampleNormal(12, 0.02)
		if prop != "optical_power" {
			d.numericState["optical_power"] = d.numericState[prop]
		}
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricNumber, Unit: "W"}
	case strings.Contains(lower, "pressure"):
		d.numericState[prop] = d.sampleNormal(101.3, 0.01)
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricNumber, Unit: "kPa"}
	case strings.Contains(lower, "count"):
		d.intState[prop] = int64(math.Round(d.sampleNormal(1000, 0.1)))
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricInteger}
	case strings.HasPrefix(lower, "enabled") || strings.HasPrefix(lower, "sealed") || strings.HasPrefix(lower, "running"):
		d.boolState[prop] = false
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricBoolean}
	default:
		d.numericState[prop] = d.sampleNormal(1.0, 0.05)
		d.metrics[prop] = model.MetricSpec{Kind: model.MetricNumber}
	}
}

// sampleNormal draws mean + N(0,1)*mean*relSpread, using a small absolute
// floor when mean is zero so the spread is never degenerate.
func (d *SimulatedDevice) sampleNormal(mean, relSpread float64) float64 {
	spread := math.Abs(mean) * relSpread
	if spread == 0 {
		spread = relSpread
	}
	return mean + d.rng.NormFloat64()*spread
}

// Descriptor builds this device's descriptor (C1 shape).
func (d *SimulatedDevice) Descriptor() model.DeviceDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	metrics := make(map[string]model.MetricSpec, len(d.metrics))
	for k, v := range d.metrics {
		metrics[k] = v
	}
	return model.DeviceDescriptor{
		ID:         d.id,
		Type:       d.deviceType,
		Simulated:  true,
		Properties: append([]string(nil), d.properties...),
		Metrics:    metrics,
	}
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// ReadMeasurement implements the six-step algorithm in spec §4.2.
func (d *SimulatedDevice) ReadMeasurement(ctx context.Context) model.Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()

	var snapshot map[string]any
	if d.physics != nil {
		if step := d.physics.GetCachedStep(); step != nil {
			snapshot = step[d.id]
		}
	}

	measurements := make(map[string]model.PropertyMeasurement, len(d.properties)+4)
	relNoise := 0.01
	if nc, ok := toFloat(snapshot["noise_coeff"]); ok {
		relNoise = math.Max(1e-4, nc)
	}

	for _, prop := range d.properties {
		measurements[prop] = d.readOneProperty(prop, snapshot, relNoise)
	}

	d.injectTypeSpecific(measurements, snapshot, relNoise)

	return model.Measurement{TS: nowMillis(), State: "nominal", Measurements: measurements}
}

func (d *SimulatedDevice) readOneProperty(prop string, snapshot map[string]any, relNoise float64) model.PropertyMeasurement {
	defer func() { recover() }() // per-property failures never abort the read (spec §4.2/§7)

	if v, ok := d.boolState[prop]; ok {
		return model.PropertyMeasurement{Value: model.Boolean(v)}
	}
	if v, ok := d.intState[prop]; ok {
		return model.PropertyMeasurement{Value: model.Integer(v)}
	}
	if v, ok := d.stringState[prop]; ok {
		return model.PropertyMeasurement{Value: model.String(v)}
	}

	base, ok := d.numericState[prop]
	if !ok {
		base = 1.0 + d.rng.NormFloat64()*0.01
	}

	if snapshot != nil {
		if v, ok := toFloat(snapshot[prop]); ok {
			base = v
		}
	}

	if tK, ok := toFloat(snapshot["temperature_K"]); ok {
		lower := strings.ToLower(prop)
		if prop == "temperature_C" {
			base = tK - 273.15
		} else if strings.Contains(lower, "temp") {
			base = tK
		}
	}

	noisy := base + d.rng.NormFloat64()*math.Abs(base)*relNoise
	return model.PropertyMeasurement{Value: model.Number(noisy), Uncertainty: math.Abs(noisy) * relNoise}
}

// PerformAction implements the generic action-envelope dispatch in spec
// §4.2: explicit verbs, the `set_<prop>` convention, zero/reset, and
// per-type dispatch. Parse errors are skipped per key; the call never
// fails as a whole.
func (d *SimulatedDevice) PerformAction(ctx context.Context, cmd model.Action) {
	if cmd == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() { recover() }()

	d.applyEnvelopeVerbs(cmd)
	d.applySetConvention(cmd)
	if cmd.Has("zero") || cmd.Has("reset") {
		d.zeroAllState()
	}
	d.dispatchTypeAction(cmd)
	d.pushControllerState()
}

func (d *SimulatedDevice) applyEnvelopeVerbs(cmd model.Action) {
	if v, ok := cmd.Get("seal"); ok {
		if b, ok := v.(bool); ok {
			d.boolState["sealed"] = b
		}
	}
	if v, ok := cmd.Get("vent"); ok {
		if b, ok := v.(bool); ok && b {
			d.boolState["sealed"] = false
		}
	}
	if v, ok := cmd.Get("pump_enable"); ok {
		if b, ok := v.(bool); ok {
			d.boolState["pump_enabled"] = b
		}
	}
	if v, ok := cmd.Get("set_pressure_kPa"); ok {
		if f, ok := toFloat(v); ok {
			d.numericState["pressure_kPa"] = f
		}
	}
}

func (d *SimulatedDevice) applySetConvention(cmd model.Action) {
	for k, v := range cmd {
		if !strings.HasPrefix(k, "set_") {
			continue
		}
		prop := strings.TrimPrefix(k, "set_")
		d.writeCoerced(prop, v)
		if prop == "power" {
			d.writeCoerced("optical_power", v)
		}
	}
}

func (d *SimulatedDevice) writeCoerced(prop string, v any) {
	switch t := v.(type) {
	case bool:
		d.boolState[prop] = t
	case string:
		d.stringState[prop] = t
	case float64:
		if t == math.Trunc(t) {
			if _, alreadyInt := d.intState[prop]; alreadyInt {
				d.intState[prop] = int64(t)
				return
			}
		}
		d.numericState[prop] = t
	case int:
		d.intState[prop] = int64(t)
	case int64:
		d.intState[prop] = t
	}
}

func (d *SimulatedDevice) zeroAllState() {
	for k := range d.numericState {
		d.numericState[k] = 0
	}
	for k := range d.intState {
		d.intState[k] = 0
	}
	for k := range d.boolState {
		d.boolState[k] = false
	}
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
