// Package physics implements the environmental simulator (C4): it maintains
// EnvState, a three-layer override stack, a per-device controller-state
// submap, and a background tick loop that advances wall-clock dynamics and
// publishes a cached per-device derived-property snapshot consumed by
// simulated devices.
package physics

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	"github.com/stonegate-labs/stonegate-core/internal/telemetry/logging"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/metrics"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/tracing"
)

// Node is a registered physics node: a sensor that reads environmental
// state, or a controller that writes it (spec §3).
type Node struct {
	DeviceID string
	Type     string
	PartSpec map[string]any
}

// Edge is a registered directed link between two nodes (topology metadata
// only; compute_step does not currently traverse edges, but they are kept
// so the loader's document round-trips and future routing can use them).
type Edge struct {
	From, To string
}

// Engine is the physics simulator. Three locks guard disjoint state, taken
// in the fixed order env -> runtime -> cache to avoid deadlock (spec §4.4):
// envMu also guards the node table, parts library, device overrides and
// controller state, since all of those are read on the write path that
// advances dynamics.
type Engine struct {
	envMu sync.RWMutex
	env   EnvState

	nodes           map[string]Node
	nodeOrder       []string
	edges           []Edge
	partsLibrary    map[string]map[string]any // by node type
	deviceOverrides map[string]map[string]any // by device id, file-loaded
	controllerState map[string]map[string]any // by device id

	overridesPath  string
	overridesMTime time.Time

	runtimeMu        sync.RWMutex
	runtimeOverrides map[string]map[string]any

	cacheMu sync.RWMutex
	cached  map[string]map[string]any
	lastTick time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	loopMu  sync.Mutex

	logger  logging.Logger
	tracer  tracing.Tracer
	metrics metrics.Provider

	tickCounter    metrics.Counter
	tickDuration   metrics.Histogram
	reloadFailures metrics.Counter
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l logging.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithTracer(t tracing.Tracer) Option   { return func(e *Engine) { e.tracer = t } }
func WithMetrics(m metrics.Provider) Option { return func(e *Engine) { e.metrics = m } }

// New constructs an Engine with the default environmental state and no
// registered nodes.
func New(opts ...Option) *Engine {
	e := &Engine{
		env:              DefaultEnvState(),
		nodes:            make(map[string]Node),
		partsLibrary:     make(map[string]map[string]any),
		deviceOverrides:  make(map[string]map[string]any),
		controllerState:  make(map[string]map[string]any),
		runtimeOverrides: make(map[string]map[string]any),
		cached:           make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.New(nil)
	}
	if e.tracer == nil {
		e.tracer = tracing.New(nil)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNoopProvider()
	}
	e.tickCounter = e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "stonegate", Subsystem: "physics", Name: "ticks_total", Help: "physics engine ticks executed",
	}})
	e.tickDuration = e.metrics.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "stonegate", Subsystem: "physics", Name: "tick_seconds", Help: "physics tick wall time",
	}})
	e.reloadFailures = e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "stonegate", Subsystem: "physics", Name: "override_reload_failures_total", Help: "override file reload failures",
	}})
	return e
}

// LoadPartsLibrary parses a builtin parts library document, then merges in
// a sibling user_parts.json if present in the same directory (spec §4.4).
// The document shape is `{"parts": [{"type": "...", "specs": {...}}, ...]}`.
func (e *Engine) LoadPartsLibrary(path string) error {
	lib, err := loadPartsDocument(path)
	if err != nil {
		return err
	}
	userPath := userPartsPath(path)
	if _, statErr := os.Stat(userPath); statErr == nil {
		userLib, err := loadPartsDocument(userPath)
		if err == nil {
			for t, spec := range userLib {
				lib[t] = spec
			}
		}
	}
	e.envMu.Lock()
	e.partsLibrary = lib
	e.envMu.Unlock()
	return nil
}

// PartSpecForType returns the registered parts-library spec for a node type,
// or nil if unknown.
func (e *Engine) PartSpecForType(nodeType string) map[string]any {
	e.envMu.RLock()
	defer e.envMu.RUnlock()
	return e.partsLibrary[nodeType]
}

// LoadDeviceOverrides replaces deviceOverrides wholesale and recomputes the
// cached step. Safe to call repeatedly (reload_overrides RPC / background
// watcher).
func (e *Engine) LoadDeviceOverrides(path string) error {
	overrides, err := loadOverridesDocument(path)
	if err != nil {
		e.reloadFailures.Inc(1)
		return err
	}
	e.envMu.Lock()
	e.overridesPath = path
	e.deviceOverrides = overrides
	if info, statErr := os.Stat(path); statErr == nil {
		e.overridesMTime = info.ModTime()
	}
	e.envMu.Unlock()
	e.ComputeAndCache()
	return nil
}

// ReloadOverrides re-reads the previously loaded overrides file path.
func (e *Engine) ReloadOverrides() error {
	e.envMu.RLock()
	path := e.overridesPath
	e.envMu.RUnlock()
	if path == "" {
		return nil
	}
	return e.LoadDeviceOverrides(path)
}

// RegisterNode adds a node to the topology with its frozen part spec.
func (e *Engine) RegisterNode(id, nodeType string, partSpec map[string]any) {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	if _, exists := e.nodes[id]; !exists {
		e.nodeOrder = append(e.nodeOrder, id)
	}
	e.nodes[id] = Node{DeviceID: id, Type: nodeType, PartSpec: cloneMap(partSpec)}
}

// RegisterEdge adds a directed topology edge.
func (e *Engine) RegisterEdge(from, to string) {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	e.edges = append(e.edges, Edge{From: from, To: to})
}

// UpdateControllerState merges submap into the controller-state entry for
// id. Unknown keys default to part-spec defaults at read time; only keys
// actually written are ever present here (spec's invariant in §3).
func (e *Engine) UpdateControllerState(id string, submap map[string]any) {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	e.controllerState[id] = deepMerge(e.controllerState[id], submap)
}

// ApplyRuntimeOverride merges patch into the id's runtime-override layer.
func (e *Engine) ApplyRuntimeOverride(id string, patch map[string]any) {
	e.runtimeMu.Lock()
	e.runtimeOverrides[id] = deepMerge(e.runtimeOverrides[id], patch)
	e.runtimeMu.Unlock()
	e.ComputeAndCache()
}

// ClearRuntimeOverrides drops every runtime override.
func (e *Engine) ClearRuntimeOverrides() {
	e.runtimeMu.Lock()
	e.runtimeOverrides = make(map[string]map[string]any)
	e.runtimeMu.Unlock()
	e.ComputeAndCache()
}

// ClearRuntimeOverride drops the runtime override for a single device id.
func (e *Engine) ClearRuntimeOverride(id string) {
	e.runtimeMu.Lock()
	delete(e.runtimeOverrides, id)
	e.runtimeMu.Unlock()
	e.ComputeAndCache()
}

// GetRuntimeOverridesSnapshot returns a deep copy of all runtime overrides.
func (e *Engine) GetRuntimeOverridesSnapshot() map[string]map[string]any {
	e.runtimeMu.RLock()
	defer e.runtimeMu.RUnlock()
	out := make(map[string]map[string]any, len(e.runtimeOverrides))
	for k, v := range e.runtimeOverrides {
		out[k] = cloneMap(v)
	}
	return out
}

var envStateFields = map[string]struct{ min, max float64 }{
	"temperature_K": {tempMin, tempMax},
	"pressure_kPa":  {pressureMin, pressureMax},
	"ambient_lux":   {luxMin, luxMax},
	"vibration_rms": {vibrationMin, vibrationMax},
}

// SetEnvState applies a whitelisted, clamped patch to the environment and
// triggers a recompute.
func (e *Engine) SetEnvState(patch map[string]any) {
	e.envMu.Lock()
	if v, ok := toFloat(patch["temperature_K"]); ok {
		e.env.TemperatureK = v
	}
	if v, ok := toFloat(patch["pressure_kPa"]); ok {
		e.env.PressureKPa = v
	}
	if v, ok := toFloat(patch["ambient_lux"]); ok {
		e.env.AmbientLux = v
	}
	if v, ok := toFloat(patch["vibration_rms"]); ok {
		e.env.VibrationRMS = v
	}
	e.env.Clamp()
	e.envMu.Unlock()
	e.ComputeAndCache()
}

// GetEnvState returns the current environmental state.
func (e *Engine) GetEnvState() EnvState {
	e.envMu.RLock()
	defer e.envMu.RUnlock()
	return e.env
}

// GetCachedStep atomically reads the last published per-device property map.
func (e *Engine) GetCachedStep() map[string]map[string]any {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	out := make(map[string]map[string]any, len(e.cached))
	for id, props := range e.cached {
		out[id] = cloneMap(props)
	}
	return out
}

// ComputeStep is pure: it returns a freshly computed per-device property map
// without mutating engine state.
func (e *Engine) ComputeStep() map[string]map[string]any {
	e.envMu.RLock()
	env := e.env
	nodes := make([]Node, 0, len(e.nodeOrder))
	for _, id := range e.nodeOrder {
		nodes = append(nodes, e.nodes[id])
	}
	deviceOverrides := e.deviceOverrides
	controllerState := e.controllerState
	e.envMu.RUnlock()

	runtime := e.GetRuntimeOverridesSnapshot()

	refractiveIndex := 1 + refractiveK*(env.PressureKPa/math.Max(1, env.TemperatureK))
	refLaserPower := 12.0
	refPMPhase := 2e3 * (refractiveIndex - refractiveN0)
	for _, n := range nodes {
		if n.Type == "Laser" {
			refLaserPower = controllerNumber(controllerState, n.DeviceID, "optical_power", "power", 12.0)
			break
		}
	}
	for _, n := range nodes {
		if n.Type == "PhaseModulator" {
			pmPhase := controllerNumber(controllerState, n.DeviceID, "phase_rad", "phase", 0)
			refPMPhase = pmPhase + 2e3*(refractiveIndex-refractiveN0) + 50*env.VibrationRMS
			break
		}
	}

	out := make(map[string]map[string]any, len(nodes))
	for _, n := range nodes {
		merged := deepMerge(n.PartSpec, deviceOverrides[n.DeviceID])
		specs, _ := merged["specs"].(map[string]any)
		computed := computeNode(n.Type, n.DeviceID, specs, env, controllerState, refLaserPower, refPMPhase)
		out[n.DeviceID] = deepMerge(computed, runtime[n.DeviceID])
	}
	return out
}

// ComputeAndCache advances wall-clock dynamics by the elapsed time since the
// previous call, recomputes, then atomically publishes the result.
func (e *Engine) ComputeAndCache() {
	now := time.Now()
	e.envMu.Lock()
	var dt float64
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick).Seconds()
	}
	e.lastTick = now
	e.envMu.Unlock()
	if dt > 0 {
		e.advanceDynamics(dt)
	}
	step := e.ComputeStep()
	e.cacheMu.Lock()
	e.cached = step
	e.cacheMu.Unlock()
}

// StartBackgroundLoop starts the tick goroutine if not already running. Each
// tick advances dynamics, recomputes, publishes, then stats the overrides
// file and reloads on mtime change (spec §4.4).
func (e *Engine) StartBackgroundLoop(interval time.Duration) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.tickLoop(interval)
}

func (e *Engine) tickLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	ctx, span := e.tracer.Start(context.Background(), "physics.tick")
	start := time.Now()
	e.ComputeAndCache()
	e.checkOverridesFile(ctx)
	e.tickCounter.Inc(1)
	e.tickDuration.Observe(time.Since(start).Seconds())
	span.End()
}

func (e *Engine) checkOverridesFile(ctx context.Context) {
	e.envMu.RLock()
	path := e.overridesPath
	lastSeen := e.overridesMTime
	e.envMu.RUnlock()
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(lastSeen) {
		return
	}
	if err := e.LoadDeviceOverrides(path); err != nil {
		e.logger.WarnCtx(ctx, "override reload failed", "path", path, "error", err)
	}
}

// StopBackgroundLoop signals the tick goroutine to exit and waits for it,
// bounded by at most one interval (spec §5).
func (e *Engine) StopBackgroundLoop() {
	e.loopMu.Lock()
	if !e.running {
		e.loopMu.Unlock()
		return
	}
	close(e.stopCh)
	e.running = false
	e.loopMu.Unlock()
	e.wg.Wait()
}

func loadPartsDocument(path string) (map[string]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Parts []struct {
			Type  string         `json:"type"`
			Specs map[string]any `json:"specs"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(doc.Parts))
	for _, p := range doc.Parts {
		out[p.Type] = map[string]any{"specs": p.Specs}
	}
	return out, nil
}

func loadOverridesDocument(path string) (map[string]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func userPartsPath(partsPath string) string {
	dir := partsPath[:len(partsPath)-len(baseName(partsPath))]
	return dir + "user_parts.json"
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
