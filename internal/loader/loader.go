// Package loader implements the simulator loader (C5): it reads a
// device-graph document plus its sibling ComponentSchema.json and
// PartsLibrary.json, wires every node into the physics engine, instantiates
// a simulated device per node, registers it in the device registry, and
// starts the physics engine's background tick loop.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stonegate-labs/stonegate-core/internal/device"
	"github.com/stonegate-labs/stonegate-core/internal/physics"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/logging"
)

// GraphNode is one entry of the device-graph document's `nodes` array.
type GraphNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Part string `json:"part,omitempty"`
}

// GraphEdge is one entry of the device-graph document's `edges` array.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the device-graph document consumed by the loader (spec §4.5/§6).
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Schema is ComponentSchema.json: per-type declared property lists.
type Schema map[string][]string

// Loader resolves a device-graph document into a live physics engine +
// device registry, and can watch the graph's directory for changes.
type Loader struct {
	engine *physics.Engine
	reg    *registry.Registry
	logger logging.Logger

	graphPath  string
	schema     Schema
	seed       uint64
	tickPeriod time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New constructs a Loader bound to an already-constructed physics engine
// and registry (both owned by the caller, per spec §9's cyclic-reference
// note: the engine outlives the registry).
func New(engine *physics.Engine, reg *registry.Registry, logger logging.Logger, seed uint64, tickPeriod time.Duration) *Loader {
	if tickPeriod <= 0 {
		tickPeriod = 200 * time.Millisecond
	}
	return &Loader{engine: engine, reg: reg, logger: logger, seed: seed, tickPeriod: tickPeriod}
}

// LoadAll reads the schema, parts library and device-graph from their
// conventional sibling paths rooted at dir, wires every node, registers
// edges, and starts the physics engine's background loop. Returns the
// number of devices registered.
func (l *Loader) LoadAll(dir, graphFile string) (int, error) {
	schema, err := loadSchema(filepath.Join(dir, "ComponentSchema.json"))
	if err != nil {
		return 0, fmt.Errorf("loader: schema: %w", err)
	}
	l.schema = schema

	if err := l.engine.LoadPartsLibrary(filepath.Join(dir, "PartsLibrary.json")); err != nil {
		return 0, fmt.Errorf("loader: parts library: %w", err)
	}

	l.graphPath = filepath.Join(dir, graphFile)
	count, err := l.loadGraph(l.graphPath)
	if err != nil {
		return 0, err
	}

	l.engine.StartBackgroundLoop(l.tickPeriod)
	return count, nil
}

func loadSchema(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Loader) loadGraph(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("loader: graph: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return 0, fmt.Errorf("loader: graph parse: %w", err)
	}

	count := 0
	for _, n := range g.Nodes {
		if err := l.loadNode(n); err != nil {
			if l.logger != nil {
				l.logger.ErrorCtx(context.Background(), "loader: skipping node", "device_id", n.ID, "error", err)
			}
			continue
		}
		count++
	}
	for _, e := range g.Edges {
		l.engine.RegisterEdge(e.From, e.To)
	}
	return count, nil
}

// loadNode resolves a single node's properties and part spec, registers it
// in the physics engine, instantiates a simulated device, and registers
// that device in the registry (spec §4.5).
func (l *Loader) loadNode(n GraphNode) error {
	properties := l.schema[n.Type]

	partSpec := l.resolvePartSpec(n)
	l.engine.RegisterNode(n.ID, n.Type, partSpec)

	seed := deviceSeed(l.seed, n.ID)
	d := device.New(n.ID, n.Type, properties, seed, l.engine)
	return l.reg.Register(d)
}

// resolvePartSpec returns the engine's parts-library entry for the node's
// type, in the `{"specs": {...}}` shape RegisterNode expects. An explicit
// `part` field does not select a different entry: the name is only copied
// into the returned map under "part", which compute_step does not read.
func (l *Loader) resolvePartSpec(n GraphNode) map[string]any {
	spec := l.engine.PartSpecForType(n.Type)
	if spec == nil {
		spec = map[string]any{"specs": map[string]any{}}
	}
	if n.Part != "" {
		spec = copyWithPart(spec, n.Part)
	}
	return spec
}

func copyWithPart(spec map[string]any, part string) map[string]any {
	out := make(map[string]any, len(spec)+1)
	for k, v := range spec {
		out[k] = v
	}
	out["part"] = part
	return out
}

// deviceSeed implements spec §4.5's `seed != 0 ? seed + hash(id) : 0`.
func deviceSeed(base uint64, id string) uint64 {
	if base == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return base + h.Sum64()
}

// WatchGraphDir watches the device-graph document's directory for writes
// and creates, and reloads the parts library when PartsLibrary.json or
// user_parts.json changes. Changes to the graph document or
// ComponentSchema.json are not acted on. This is a directory-level fsnotify
// watch, distinct from the physics engine's own mtime-poll watch over the
// device-override file (spec §4.4 specifically requires polling there).
func (l *Loader) WatchGraphDir(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	l.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case <-l.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				l.handleGraphDirEvent(ev.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if l.logger != nil {
					l.logger.WarnCtx(context.Background(), "loader: graph watch error", "error", err)
				}
			}
		}
	}()
	return nil
}

func (l *Loader) handleGraphDirEvent(name string) {
	switch filepath.Base(name) {
	case "PartsLibrary.json", "user_parts.json":
		if err := l.engine.LoadPartsLibrary(filepath.Join(filepath.Dir(name), "PartsLibrary.json")); err != nil && l.logger != nil {
			l.logger.WarnCtx(context.Background(), "loader: reload parts library failed", "error", err)
		}
	}
}

// StopWatch stops the directory watch started by WatchGraphDir, if any.
func (l *Loader) StopWatch() {
	if l.watcher == nil {
		return
	}
	close(l.stopCh)
	l.watcher.Close()
}
