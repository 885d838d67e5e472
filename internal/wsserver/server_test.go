package wsserver

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/device"
	"github.com/stonegate-labs/stonegate-core/internal/model"
	"github.com/stonegate-labs/stonegate-core/internal/recorder"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
)

type recorderSource struct{ reg *registry.Registry }

func (s recorderSource) Get(id string) (recorder.DeviceReader, bool) { return s.reg.Get(id) }

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	reg := registry.New()
	require.NoError(t, reg.Register(device.New("tc0", "Thermocouple", []string{"temperature_K"}, 7, nil)))

	cfg := config.Default(t.TempDir())
	cfg.BroadcastInterval = 20 * time.Millisecond
	rec := recorder.New(cfg, recorderSource{reg}, nil)
	srv := New(cfg, reg, rec)

	mux := http.NewServeMux()
	srv.Start(mux, "/ws")
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Stop()
		httpSrv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return srv, httpSrv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectReceivesDescriptorFirst(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "descriptor", msg["type"])
}

func TestBroadcastSendsMeasurementUpdate(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update map[string]any
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "measurement_update", update["type"])
}

func TestRPCDevicesList(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var descriptor map[string]any
	require.NoError(t, conn.ReadJSON(&descriptor))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "rpc", "id": "1", "method": "devices.list"}))
	var reply model.RPCResult
	require.NoError(t, conn.ReadJSON(&reply))
	assert.True(t, reply.OK)
	assert.Equal(t, "1", reply.ID)
}

func TestRPCMissingIDIsRejected(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var descriptor map[string]any
	require.NoError(t, conn.ReadJSON(&descriptor))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "rpc", "method": "devices.list"}))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, false, reply["ok"])
	errObj := reply["error"].(map[string]any)
	assert.Equal(t, "control_rejected", errObj["code"])
}

func TestLegacyDeviceActionAck(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var descriptor map[string]any
	require.NoError(t, conn.ReadJSON(&descriptor))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"cmd": "device_action", "device_id": "tc0", "action": map[string]any{"set_temperature_K": 80.0},
	}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "control_ack", ack["type"])
	assert.Equal(t, true, ack["ok"])
}

func TestRecordStartAndStopRoundtrip(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL)

	var descriptor map[string]any
	require.NoError(t, conn.ReadJSON(&descriptor))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "rpc", "id": "r1", "method": "record.start",
		"params": map[string]any{"streams": []any{map[string]any{"device_id": "tc0", "rate_hz": 50.0}}},
	}))
	var startReply model.RPCResult
	require.NoError(t, conn.ReadJSON(&startReply))
	require.True(t, startReply.OK)

	resultMap := startReply.Result.(map[string]any)
	recordingID := resultMap["recording_id"].(string)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "rpc", "id": "r2", "method": "record.stop",
		"params": map[string]any{"recording_id": recordingID},
	}))
	var stopReply model.RPCResult
	require.NoError(t, conn.ReadJSON(&stopReply))
	assert.True(t, stopReply.OK)
}
