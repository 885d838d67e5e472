// Package registry implements the thread-safe, indexed device collection
// (C3): register/get/for_each plus the two aggregate snapshots
// (descriptor_graph, poll_all) that the descriptor protocol and recorder
// build on.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/stonegate-labs/stonegate-core/internal/model"
)

// Device is the capability set every registry entry must implement (C2).
// Implementations may block briefly but must never hold a lock long enough
// to stall the broadcast loop, per spec §4.2.
type Device interface {
	ID() string
	Type() string
	Descriptor() model.DeviceDescriptor
	ReadMeasurement(ctx context.Context) model.Measurement
	PerformAction(ctx context.Context, cmd model.Action)
}

// Registry is a single-mutex indexed collection of devices. Duplicate-id
// registration is rejected; the earlier registration wins (spec §4.3,
// §9 open question: "behavior when two devices claim the same id").
type Registry struct {
	mu      sync.Mutex
	order   []string
	devices map[string]Device
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Register adds device under its own id. If the id is already taken, the
// existing registration is kept and an error is returned; callers that want
// overwrite semantics must Get first and decide explicitly.
func (r *Registry) Register(d Device) error {
	id := d.ID()
	if err := model.ValidateDeviceID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[id]; exists {
		return fmt.Errorf("registry: device id %q already registered", id)
	}
	r.devices[id] = d
	r.order = append(r.order, id)
	return nil
}

// Get looks up a device by id. The returned bool mirrors comma-ok maps.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// ForEach calls fn once per registered device in registration order. The
// device list is snapshotted under the mutex and fn runs after it is
// released, so fn may call back into the registry without deadlocking;
// devices registered during the iteration are not visited.
func (r *Registry) ForEach(fn func(Device)) {
	for _, d := range r.snapshot() {
		fn(d)
	}
}

func (r *Registry) snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// DescriptorGraph snapshots the registry then materializes every device's
// descriptor outside the lock, so a slow Descriptor() call cannot block
// concurrent registrations.
func (r *Registry) DescriptorGraph() []model.DeviceDescriptor {
	devices := r.snapshot()
	out := make([]model.DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Descriptor())
	}
	return out
}

// PollAll snapshots the registry then reads every device's measurement
// outside the lock.
func (r *Registry) PollAll(ctx context.Context) []model.DeviceMeasurementUpdate {
	devices := r.snapshot()
	out := make([]model.DeviceMeasurementUpdate, 0, len(devices))
	for _, d := range devices {
		out = append(out, model.DeviceMeasurementUpdate{ID: d.ID(), Measurement: d.ReadMeasurement(ctx)})
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
