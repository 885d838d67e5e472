package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stonegate-labs/stonegate-core/internal/device"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
)

func TestBuildDescriptorMessageProjectsRegistry(t *testing.T) {
	reg := registry.New()
	require := assert.New(t)
	require.NoError(reg.Register(device.New("d0", "Thermocouple", []string{"temperature_K"}, 1, nil)))

	msg := BuildDescriptorMessage(reg)
	assert.Equal(t, "descriptor", msg.Type)
	assert.Len(t, msg.Devices, 1)
	assert.Equal(t, "d0", msg.Devices[0].ID)
}

func TestBuildMeasurementUpdateProjectsRegistry(t *testing.T) {
	reg := registry.New()
	_ = reg.Register(device.New("d0", "Thermocouple", []string{"temperature_K"}, 1, nil))

	msg := BuildMeasurementUpdate(context.Background(), reg)
	assert.Equal(t, "measurement_update", msg.Type)
	assert.Len(t, msg.Updates, 1)
	assert.Equal(t, "d0", msg.Updates[0].ID)
}
