package wsserver

import (
	stgerrors "github.com/stonegate-labs/stonegate-core/internal/errors"
	"github.com/stonegate-labs/stonegate-core/internal/recorder"
)

// parseStartParams validates the record.start RPC params into
// recorder.StartParams, applying the field-level rules in spec §4.7.
func parseStartParams(params map[string]any) (recorder.StartParams, *stgerrors.RPCError) {
	rawStreams, ok := params["streams"].([]any)
	if !ok || len(rawStreams) == 0 {
		return recorder.StartParams{}, stgerrors.Rejected("record_streams_required", "streams must be a non-empty array", nil)
	}

	streams := make([]recorder.Stream, 0, len(rawStreams))
	for _, raw := range rawStreams {
		obj, ok := raw.(map[string]any)
		if !ok {
			return recorder.StartParams{}, stgerrors.Rejected("record_stream_missing_device_id", "each stream must be an object", nil)
		}
		deviceID, _ := obj["device_id"].(string)
		if deviceID == "" {
			return recorder.StartParams{}, stgerrors.Rejected("record_stream_missing_device_id", "each stream requires a device_id", nil)
		}
		rateHz, _ := toFloat(obj["rate_hz"])

		var metrics []string
		if rawMetrics, ok := obj["metrics"].([]any); ok {
			for _, m := range rawMetrics {
				if s, ok := m.(string); ok {
					metrics = append(metrics, s)
				}
			}
		}

		streams = append(streams, recorder.Stream{DeviceID: deviceID, RateHz: rateHz, Metrics: metrics})
	}

	scriptName, _ := params["script_name"].(string)
	operator, _ := params["operator"].(string)
	return recorder.StartParams{Streams: streams, ScriptName: scriptName, Operator: operator}, nil
}
