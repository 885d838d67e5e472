package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/model"
)

type fakeDevice struct{ value float64 }

func (f *fakeDevice) ReadMeasurement(ctx context.Context) model.Measurement {
	return model.Measurement{
		TS:    1000,
		State: "nominal",
		Measurements: map[string]model.PropertyMeasurement{
			"temperature_K": {Value: model.Number(f.value)},
		},
	}
}

type fakeSource struct{ devices map[string]DeviceReader }

func (s *fakeSource) Get(id string) (DeviceReader, bool) {
	d, ok := s.devices[id]
	return d, ok
}

func newTestRecorder(t *testing.T) (*Recorder, string) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.RecordingsDir = dir
	src := &fakeSource{devices: map[string]DeviceReader{"d0": &fakeDevice{value: 77}}}
	return New(cfg, src, nil), dir
}

func TestStartRejectsEmptyStreams(t *testing.T) {
	r, _ := newTestRecorder(t)
	_, rpcErr := r.Start("run", StartParams{})
	require.NotNil(t, rpcErr)
	assert.Equal(t, "record_streams_required", rpcErr.Details["detail"])
}

func TestStartRejectsInvalidRate(t *testing.T) {
	r, _ := newTestRecorder(t)
	_, rpcErr := r.Start("run", StartParams{Streams: []Stream{{DeviceID: "d0", RateHz: 0}}})
	require.NotNil(t, rpcErr)
	assert.Equal(t, "record_stream_rate_invalid", rpcErr.Details["detail"])
}

func TestStartWritesHeaderAndSamplesThenStop(t *testing.T) {
	r, _ := newTestRecorder(t)
	res, rpcErr := r.Start("myrun", StartParams{Streams: []Stream{{DeviceID: "d0", RateHz: 50}}})
	require.Nil(t, rpcErr)
	require.NotEmpty(t, res.RecordingID)

	time.Sleep(80 * time.Millisecond)

	stopRes, ok := r.Stop(res.RecordingID)
	require.True(t, ok)
	assert.Greater(t, stopRes.SamplesWritten, int64(0))

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var header map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, "stonegate_recording", header["type"])

	var lastLine string
	for scanner.Scan() {
		lastLine = scanner.Text()
	}
	var footer map[string]any
	require.NoError(t, json.Unmarshal([]byte(lastLine), &footer))
	assert.Equal(t, "stop", footer["type"])
}

func TestStopUnknownIDReturnsFalse(t *testing.T) {
	r, _ := newTestRecorder(t)
	_, ok := r.Stop("does-not-exist")
	assert.False(t, ok)
}
