// Package protocol builds the two wire envelopes the WebSocket server
// sends unsolicited: the descriptor snapshot and the periodic measurement
// update. Both are trivial projections over the registry (C6), kept
// separate from the server so tests can assert the wire shape directly.
package protocol

import (
	"context"

	"github.com/stonegate-labs/stonegate-core/internal/model"
)

// Source is the registry surface the protocol builders need.
type Source interface {
	DescriptorGraph() []model.DeviceDescriptor
	PollAll(ctx context.Context) []model.DeviceMeasurementUpdate
}

// BuildDescriptorMessage projects the registry's current descriptor graph.
func BuildDescriptorMessage(reg Source) model.DescriptorMessage {
	return model.NewDescriptorMessage(reg.DescriptorGraph())
}

// BuildMeasurementUpdate polls every device and projects the result.
func BuildMeasurementUpdate(ctx context.Context, reg Source) model.MeasurementUpdateMessage {
	return model.NewMeasurementUpdateMessage(reg.PollAll(ctx))
}
