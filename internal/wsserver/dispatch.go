package wsserver

import (
	"context"

	stgerrors "github.com/stonegate-labs/stonegate-core/internal/errors"
	"github.com/stonegate-labs/stonegate-core/internal/device"
	"github.com/stonegate-labs/stonegate-core/internal/model"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
)

// handleMessage dispatches a parsed incoming frame to either the legacy
// control dialect or the RPC dialect (spec §4.8 "Message dispatch").
func (s *Server) handleMessage(sess *session, msg map[string]any) {
	if _, ok := msg["cmd"]; ok {
		s.handleLegacyControl(sess, msg)
		return
	}
	if t, _ := msg["type"].(string); t == "rpc" {
		s.handleRPC(sess, msg)
		return
	}
	// Unknown message shape: neither dialect matches. Nothing to reply with.
}

func (s *Server) handleLegacyControl(sess *session, msg map[string]any) {
	cmd, _ := msg["cmd"].(string)
	switch cmd {
	case "reload_overrides":
		any := false
		simulatedCount := 0
		s.reg.ForEach(func(d registry.Device) {
			if _, isSimulated := d.(*device.SimulatedDevice); isSimulated {
				simulatedCount++
			}
		})
		if simulatedCount > 0 && s.physics != nil {
			any = s.physics.ReloadOverrides() == nil
		}
		sess.writeJSON(map[string]any{"type": "control_ack", "cmd": cmd, "ok": true, "any": any})
	case "action", "device_action":
		s.handleLegacyAction(sess, cmd, msg)
	default:
		sess.writeJSON(map[string]any{"type": "control_ack", "cmd": cmd, "ok": false})
	}
}

func (s *Server) handleLegacyAction(sess *session, cmd string, msg map[string]any) {
	deviceID, _ := msg["device_id"].(string)
	action, _ := msg["action"].(map[string]any)
	if deviceID == "" || action == nil {
		sess.writeJSON(map[string]any{"type": "control_ack", "cmd": cmd, "ok": false})
		return
	}
	dev, ok := s.reg.Get(deviceID)
	if !ok {
		sess.writeJSON(map[string]any{"type": "control_ack", "cmd": cmd, "ok": false})
		return
	}
	mapped := mapActionEnvelope(dev.Type(), action)
	dev.PerformAction(context.Background(), mapped)
	sess.writeJSON(map[string]any{"type": "control_ack", "cmd": cmd, "ok": true})
}

// handleRPC implements the RPC dialect's envelope validation and dispatch
// table (spec §4.8).
func (s *Server) handleRPC(sess *session, msg map[string]any) {
	id, _ := msg["id"].(string)
	method, _ := msg["method"].(string)
	params, paramsOK := msg["params"].(map[string]any)
	if _, present := msg["params"]; !present {
		params, paramsOK = map[string]any{}, true
	}

	if id == "" {
		sess.writeJSON(rpcError("", stgerrors.Rejected("rpc_missing_id", "rpc request requires a non-empty id", nil)))
		return
	}
	if method == "" {
		sess.writeJSON(rpcError(id, stgerrors.Rejected("rpc_missing_method", "rpc request requires a method", nil)))
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "wsserver.rpc."+method)
	defer span.End()

	result, rpcErr := s.dispatchRPCMethod(ctx, method, params, paramsOK)
	ok := rpcErr == nil
	if s.rpcCounter != nil {
		s.rpcCounter.Inc(1, method, boolLabel(ok))
	}
	if !ok {
		sess.writeJSON(rpcError(id, rpcErr))
		return
	}
	sess.writeJSON(model.RPCResult{Type: "rpc_result", ID: id, OK: true, Result: result})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func rpcError(id string, err *stgerrors.RPCError) model.RPCResult {
	return model.RPCResult{Type: "rpc_result", ID: id, OK: false, Error: err}
}

func (s *Server) dispatchRPCMethod(ctx context.Context, method string, params map[string]any, paramsOK bool) (any, *stgerrors.RPCError) {
	switch method {
	case "devices.list":
		return s.rpcDevicesList(), nil
	case "devices.poll":
		return s.rpcDevicesPoll(ctx), nil
	case "backend.info":
		return s.rpcBackendInfo(), nil
	case "device.action":
		return s.rpcDeviceAction(ctx, params)
	case "record.start":
		if !paramsOK {
			return nil, stgerrors.Rejected("record_params_not_object", "params must be an object", nil)
		}
		return s.rpcRecordStart(params)
	case "record.stop":
		return s.rpcRecordStop(params)
	case "qec.decode":
		return s.rpcQecDecode(params)
	case "qec.benchmark":
		return s.rpcQecBenchmark(params)
	default:
		return nil, stgerrors.Rejected("rpc_unknown_method", "unknown method: "+method, map[string]any{"method": method})
	}
}

func (s *Server) rpcDevicesList() any {
	return map[string]any{"devices": s.reg.DescriptorGraph()}
}

func (s *Server) rpcDevicesPoll(ctx context.Context) any {
	updates := s.reg.PollAll(ctx)
	return map[string]any{"updates": updates}
}

func (s *Server) rpcBackendInfo() any {
	return map[string]any{
		"port":       s.cfg.Port,
		"git_commit": s.cfg.Build.GitCommit,
		"build_time": s.cfg.Build.BuildTime,
	}
}

func (s *Server) rpcDeviceAction(ctx context.Context, params map[string]any) (any, *stgerrors.RPCError) {
	deviceID, _ := params["device_id"].(string)
	if deviceID == "" {
		return nil, stgerrors.Rejected("missing_device_id", "device_id is required", nil)
	}
	action, _ := params["action"].(map[string]any)
	if action == nil {
		return nil, stgerrors.Rejected("missing_action", "action object is required", nil)
	}
	dev, ok := s.reg.Get(deviceID)
	if !ok {
		return nil, stgerrors.Rejected("unknown_device", "no such device", map[string]any{"device_id": deviceID})
	}
	mapped := mapActionEnvelope(dev.Type(), action)
	dev.PerformAction(ctx, mapped)
	// spec §9 open question: the source always reports applied:true
	// regardless of whether any writable key existed; preserved as-is.
	return map[string]any{"device_id": deviceID, "applied": true}, nil
}

func (s *Server) rpcRecordStart(params map[string]any) (any, *stgerrors.RPCError) {
	if s.rec == nil {
		return nil, stgerrors.Rejected("recorder_not_initialized", "recorder is not available", nil)
	}
	sp, rpcErr := parseStartParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	fileBase, _ := params["file_base"].(string)
	res, rpcErr := s.rec.Start(fileBase, sp)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *Server) rpcRecordStop(params map[string]any) (any, *stgerrors.RPCError) {
	if s.rec == nil {
		return nil, stgerrors.Rejected("recorder_not_initialized", "recorder is not available", nil)
	}
	recordingID, _ := params["recording_id"].(string)
	if recordingID == "" {
		return nil, stgerrors.Rejected("missing_recording_id", "recording_id is required", nil)
	}
	res, ok := s.rec.Stop(recordingID)
	if !ok {
		return nil, stgerrors.Rejected("unknown_recording_id", "no such recording", map[string]any{"recording_id": recordingID})
	}
	return res, nil
}

