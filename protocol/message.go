// Package protocol defines the broker's wire schema: the JSON control and
// media messages shared by every peer, and the binary frame uplink used by
// the producer. Each message type is a concrete struct; the raw bytes are
// sniffed once at the edge with gjson and decoded into exactly one of them.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Message types carried in the required "type" field of every text message.
const (
	TypeHello           = "hello"
	TypeWelcome         = "welcome"
	TypeConnected       = "connected"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeFrame           = "frame"
	TypeTelemetry       = "telemetry"
	TypeServoControl    = "servo_control"
	TypeServoUpdated    = "servo_updated"
	TypeControl         = "control"
	TypeStatus          = "status"
	TypeError           = "error"
	TypeRequestStatus   = "request_status"
	TypeFrameToProcess  = "frame_to_process"
	TypeProcessedFrame  = "processed_frame"
	TypeDetectionResult = "detection_result"
)

// ActionMoveServos is the control action forwarded to the producer when a
// viewer adjusts the camera pose.
const ActionMoveServos = "move_servos"

// MessageType extracts the "type" field without decoding the whole payload.
// Returns "" for malformed JSON or a missing/non-string type.
func MessageType(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

// Now is the wall clock in float seconds, matching the timestamps peers send.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// ServoState is the camera pose in integer degrees.
type ServoState struct {
	Pan  int `json:"pan"`
	Tilt int `json:"tilt"`
	Roll int `json:"roll"`
}

// DefaultServoState is the pose assumed before any viewer has moved the camera.
func DefaultServoState() ServoState {
	return ServoState{Pan: 90, Tilt: 90, Roll: 0}
}

// Connected is the greeting sent immediately after accept.
type Connected struct {
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	ClientID   string  `json:"client_id,omitempty"`
	ServerTime float64 `json:"server_time"`
}

// Welcome answers a peer's hello with the current link status.
type Welcome struct {
	Type                  string  `json:"type"`
	Message               string  `json:"message"`
	ServerTime            float64 `json:"server_time"`
	PiConnected           bool    `json:"pi_connected"`
	WSLConnected          bool    `json:"wsl_connected"`
	BinaryFramesSupported bool    `json:"binary_frames_supported"`
}

// Pong answers an application-level ping from any peer.
type Pong struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// ErrorMessage reports a recoverable condition to one peer.
type ErrorMessage struct {
	Type      string  `json:"type"`
	Error     string  `json:"error"`
	Timestamp float64 `json:"timestamp"`
}

// LinkStatus announces a producer link change to all viewers.
type LinkStatus struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// Link status values.
const (
	StatusPiConnected    = "pi_connected"
	StatusPiDisconnected = "pi_disconnected"
)

// StatusReport answers a viewer's request_status.
type StatusReport struct {
	Type           string     `json:"type"`
	PiConnected    bool       `json:"pi_connected"`
	WSLConnected   bool       `json:"wsl_connected"`
	BrowserClients int        `json:"browser_clients"`
	ServoState     ServoState `json:"servo_state"`
	Timestamp      float64    `json:"timestamp"`
}

// Frame is the text form fanned out to viewers. Image and DepthData are
// base64; BinaryReceived marks frames that arrived on the binary uplink.
type Frame struct {
	Type           string          `json:"type"`
	FrameID        uint32          `json:"frame_id"`
	Timestamp      float64         `json:"timestamp"`
	Image          string          `json:"image"`
	Processed      bool            `json:"processed"`
	BinaryReceived bool            `json:"binary_received,omitempty"`
	CameraInfo     json.RawMessage `json:"camera_info,omitempty"`
	DepthData      string          `json:"depth_data,omitempty"`
	DepthScale     float32         `json:"depth_scale,omitempty"`
	Width          int             `json:"width,omitempty"`
	Height         int             `json:"height,omitempty"`
}

// FrameToProcess is the copy of a frame teed to the inference worker.
type FrameToProcess struct {
	Type       string          `json:"type"`
	FrameID    uint32          `json:"frame_id"`
	Timestamp  float64         `json:"timestamp"`
	Image      string          `json:"image"`
	CameraInfo json.RawMessage `json:"camera_info,omitempty"`
	DepthData  string          `json:"depth_data,omitempty"`
	DepthScale float32         `json:"depth_scale,omitempty"`
}

// DetectionResult carries worker detections back to the producer and viewers.
// ProcessingTime is included on the viewer copy only.
type DetectionResult struct {
	Type           string          `json:"type"`
	FrameID        uint32          `json:"frame_id"`
	Detections     json.RawMessage `json:"detections"`
	Timestamp      float64         `json:"timestamp"`
	ProcessingTime *float64        `json:"processing_time,omitempty"`
}

// Control is a command forwarded to the producer.
type Control struct {
	Type      string     `json:"type"`
	Action    string     `json:"action"`
	Params    ServoState `json:"params"`
	Timestamp float64    `json:"timestamp"`
}

// ServoUpdated acknowledges a servo_control back to the requesting viewer.
type ServoUpdated struct {
	Type      string     `json:"type"`
	State     ServoState `json:"state"`
	Timestamp float64    `json:"timestamp"`
}

// Hello is the optional handshake a peer sends after connecting.
type Hello struct {
	Type       string `json:"type"`
	Hostname   string `json:"hostname"`
	ClientInfo struct {
		SupportsBinary bool `json:"supports_binary"`
	} `json:"client_info"`
}

// ServoControl is a viewer's pose request. Nil fields are left unchanged.
type ServoControl struct {
	Type string `json:"type"`
	Pan  *int   `json:"pan"`
	Tilt *int   `json:"tilt"`
	Roll *int   `json:"roll"`
}

// ProducerFrame is the JSON (non-binary) frame uplink.
type ProducerFrame struct {
	Type       string          `json:"type"`
	FrameID    uint32          `json:"frame_id"`
	Timestamp  float64         `json:"timestamp"`
	Image      string          `json:"image"`
	CameraInfo json.RawMessage `json:"camera_info"`
	DepthData  string          `json:"depth_data"`
	DepthScale *float32        `json:"depth_scale"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
}

// ProcessedFrame is the worker's inference result for one frame.
type ProcessedFrame struct {
	Type           string          `json:"type"`
	FrameID        uint32          `json:"frame_id"`
	Detections     json.RawMessage `json:"detections"`
	ProcessingTime float64         `json:"processing_time"`
}
