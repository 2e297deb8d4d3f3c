package relay

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/n0remac/robot-relay/protocol"
)

// Message handling never lets an error cross the session boundary: malformed
// payloads and unknown types are logged and dropped, the session stays open.

func (sv *Server) handleViewerMessage(sess *Session, kind int, data []byte) {
	if kind != websocket.TextMessage {
		sv.log.Warn().Msg("ignoring binary message from viewer")
		return
	}
	sv.registry.Touch(sess)

	switch msgType := protocol.MessageType(data); msgType {
	case protocol.TypePing:
		sv.sendPong(sess)

	case protocol.TypeHello:
		sv.sendWelcome(sess)

	case protocol.TypeServoControl:
		var req protocol.ServoControl
		if err := json.Unmarshal(data, &req); err != nil {
			sv.log.Error().Err(err).Msg("bad servo_control from viewer")
			return
		}
		state, producer, ok := sv.registry.ServoCommand(&req)
		if !ok {
			sv.trySend(sess, &protocol.ErrorMessage{
				Type:      protocol.TypeError,
				Error:     "Pi not connected",
				Timestamp: protocol.Now(),
			})
			return
		}
		sv.trySend(producer, &protocol.Control{
			Type:      protocol.TypeControl,
			Action:    protocol.ActionMoveServos,
			Params:    state,
			Timestamp: protocol.Now(),
		})
		sv.trySend(sess, &protocol.ServoUpdated{
			Type:      protocol.TypeServoUpdated,
			State:     state,
			Timestamp: protocol.Now(),
		})

	case protocol.TypeRequestStatus:
		pi, wsl, viewers, servo := sv.registry.Snapshot()
		sv.trySend(sess, &protocol.StatusReport{
			Type:           protocol.TypeStatus,
			PiConnected:    pi,
			WSLConnected:   wsl,
			BrowserClients: viewers,
			ServoState:     servo,
			Timestamp:      protocol.Now(),
		})

	default:
		sv.logUnknown("viewer", msgType, data)
	}
}

func (sv *Server) handleProducerMessage(sess *Session, kind int, data []byte) {
	if kind == websocket.BinaryMessage {
		sv.relayBinaryFrame(data)
		return
	}

	switch msgType := protocol.MessageType(data); msgType {
	case protocol.TypePing:
		sv.sendPong(sess)

	case protocol.TypeFrame:
		var frame protocol.ProducerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sv.log.Error().Err(err).Msg("bad frame from producer")
			return
		}
		sv.relayJSONFrame(&frame)

	case protocol.TypeTelemetry:
		// Opaque fan-out: telemetry is forwarded to viewers verbatim.
		sv.broadcast.ToViewers(data, false)

	case protocol.TypeHello:
		var hello protocol.Hello
		_ = json.Unmarshal(data, &hello)
		sv.log.Info().
			Str("hostname", hello.Hostname).
			Bool("supports_binary", hello.ClientInfo.SupportsBinary).
			Msg("hello from producer")
		sv.sendWelcome(sess)

	default:
		sv.logUnknown("producer", msgType, data)
	}
}

func (sv *Server) handleWorkerMessage(sess *Session, kind int, data []byte) {
	if kind != websocket.TextMessage {
		sv.log.Warn().Msg("ignoring binary message from worker")
		return
	}

	switch msgType := protocol.MessageType(data); msgType {
	case protocol.TypePing:
		sv.sendPong(sess)

	case protocol.TypeProcessedFrame:
		var result protocol.ProcessedFrame
		if err := json.Unmarshal(data, &result); err != nil {
			sv.log.Error().Err(err).Msg("bad processed_frame from worker")
			return
		}
		sv.relayDetections(&result)

	default:
		sv.logUnknown("worker", msgType, data)
	}
}

// relayBinaryFrame decodes a binary uplink frame, tees it to the worker when
// one is attached and a pipeline slot is free, and fans the re-encoded text
// form out to every viewer. Decode failures drop the frame only.
func (sv *Server) relayBinaryFrame(data []byte) {
	bf, err := protocol.DecodeBinaryFrame(data)
	if err != nil {
		sv.log.Warn().Err(err).Int("size", len(data)).Msg("dropping malformed binary frame")
		return
	}
	viewerFrame := bf.ViewerFrame() // base64 computed once, shared below

	if worker := sv.registry.Worker(); worker != nil {
		if sv.pipeline.Admit(bf.FrameID, float64(bf.Timestamp)) {
			if err := worker.SendJSON(bf.ProcessRequest(viewerFrame)); err != nil {
				sv.pipeline.Remove(bf.FrameID)
			}
		} else {
			sv.log.Warn().Uint32("frame_id", bf.FrameID).Msg("processing queue full, skipping frame")
		}
	}

	sv.broadcast.ToViewersJSON(viewerFrame, true)
}

// relayJSONFrame handles the text-form frame uplink with optional depth
// passthrough.
func (sv *Server) relayJSONFrame(frame *protocol.ProducerFrame) {
	if frame.Timestamp == 0 {
		frame.Timestamp = protocol.Now()
	}

	if worker := sv.registry.Worker(); worker != nil {
		if sv.pipeline.Admit(frame.FrameID, frame.Timestamp) {
			req := &protocol.FrameToProcess{
				Type:       protocol.TypeFrameToProcess,
				FrameID:    frame.FrameID,
				Timestamp:  frame.Timestamp,
				Image:      frame.Image,
				CameraInfo: frame.CameraInfo,
			}
			if frame.DepthData != "" {
				req.DepthData = frame.DepthData
				req.DepthScale = depthScale(frame.DepthScale)
			}
			if err := worker.SendJSON(req); err != nil {
				sv.pipeline.Remove(frame.FrameID)
			}
		} else {
			sv.log.Warn().Uint32("frame_id", frame.FrameID).Msg("processing queue full, skipping frame")
		}
	}

	out := &protocol.Frame{
		Type:       protocol.TypeFrame,
		FrameID:    frame.FrameID,
		Timestamp:  frame.Timestamp,
		Image:      frame.Image,
		Processed:  false,
		CameraInfo: frame.CameraInfo,
	}
	if frame.DepthData != "" {
		out.DepthData = frame.DepthData
		out.DepthScale = depthScale(frame.DepthScale)
		out.Width = intOr(frame.Width, 640)
		out.Height = intOr(frame.Height, 480)
	}
	sv.broadcast.ToViewersJSON(out, true)
}

// relayDetections resolves a pipeline entry and forwards the detection
// result: one copy to the producer, one (with processing_time) to every
// viewer. Late results for evicted frames are delivered all the same.
func (sv *Server) relayDetections(result *protocol.ProcessedFrame) {
	detections := result.Detections
	if detections == nil {
		detections = json.RawMessage("[]")
	}
	now := protocol.Now()

	sv.pipeline.StoreResult(result.FrameID, detections, now)
	sv.pipeline.Resolve(result.FrameID)

	if producer := sv.registry.Producer(); producer != nil {
		sv.trySend(producer, &protocol.DetectionResult{
			Type:       protocol.TypeDetectionResult,
			FrameID:    result.FrameID,
			Detections: detections,
			Timestamp:  now,
		})
	}

	processingTime := result.ProcessingTime
	sv.broadcast.ToViewersJSON(&protocol.DetectionResult{
		Type:           protocol.TypeDetectionResult,
		FrameID:        result.FrameID,
		Detections:     detections,
		Timestamp:      now,
		ProcessingTime: &processingTime,
	}, false)
}

func (sv *Server) sendPong(sess *Session) {
	sv.trySend(sess, &protocol.Pong{Type: protocol.TypePong, Timestamp: protocol.Now()})
}

func (sv *Server) sendWelcome(sess *Session) {
	pi, wsl, _, _ := sv.registry.Snapshot()
	sv.trySend(sess, &protocol.Welcome{
		Type:                  protocol.TypeWelcome,
		Message:               "Welcome to the server",
		ServerTime:            protocol.Now(),
		PiConnected:           pi,
		WSLConnected:          wsl,
		BinaryFramesSupported: true,
	})
}

// trySend enqueues one message for one peer, logging on failure. Per-peer
// failures are recoverable; the session's own teardown handles detach.
func (sv *Server) trySend(sess *Session, v any) {
	if err := sess.SendJSON(v); err != nil {
		sv.log.Debug().Err(err).Str("role", sess.Role().String()).Msg("send failed")
	}
}

func (sv *Server) logUnknown(from, msgType string, data []byte) {
	switch {
	case !gjson.ValidBytes(data):
		sv.log.Error().Str("from", from).Msg("invalid JSON, dropping message")
	case msgType == "":
		sv.log.Warn().Str("from", from).Msg("message missing type, dropping")
	default:
		sv.log.Warn().Str("from", from).Str("type", msgType).Msg("unknown message type")
	}
}

func depthScale(s *float32) float32 {
	if s == nil {
		return protocol.DefaultDepthScale
	}
	return *s
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
