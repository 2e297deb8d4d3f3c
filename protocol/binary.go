package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultDepthScale converts raw depth units to meters when the producer
// omits an explicit scale.
const DefaultDepthScale float32 = 0.001

// ErrTruncated marks a binary frame cut short at a stated offset. The
// message is dropped; the session stays open.
var ErrTruncated = errors.New("binary frame truncated")

// BinaryFrame is a decoded producer uplink frame. Color is the JPEG payload,
// Depth the optional raw depth blob. Legacy frames (8-byte header, remainder
// JPEG) decode with HasDepth false.
type BinaryFrame struct {
	FrameID    uint32
	Timestamp  float32
	Color      []byte
	HasColor   bool
	Depth      []byte
	HasDepth   bool
	DepthScale float32
}

// DecodeBinaryFrame parses either binary layout, little-endian throughout:
//
//	0  u32 frame_id
//	4  f32 timestamp
//	8  u8  has_color      }
//	9  u8  has_depth      } extended layout only
//	.. u32 color_length, color bytes        if has_color
//	.. u32 depth_length, depth bytes, f32 depth_scale  if has_depth
//
// The legacy layout is the 8-byte header followed by the JPEG body. The two
// are distinguished by the flag bytes: JPEG starts 0xFF, so a legacy body can
// never present two bytes that are each 0 or 1.
func DecodeBinaryFrame(data []byte) (*BinaryFrame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("header needs 8 bytes, have %d: %w", len(data), ErrTruncated)
	}
	f := &BinaryFrame{
		FrameID:   binary.LittleEndian.Uint32(data[0:4]),
		Timestamp: math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])),
	}
	if len(data) >= 10 && data[8] <= 1 && data[9] <= 1 {
		return decodeExtended(f, data)
	}
	// legacy short form
	f.Color = data[8:]
	f.HasColor = len(f.Color) > 0
	return f, nil
}

func decodeExtended(f *BinaryFrame, data []byte) (*BinaryFrame, error) {
	f.HasColor = data[8] == 1
	f.HasDepth = data[9] == 1
	off := 10

	if f.HasColor {
		if len(data) < off+4 {
			return nil, fmt.Errorf("color_length at offset %d: %w", off, ErrTruncated)
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+n {
			return nil, fmt.Errorf("color payload wants %d bytes, %d remain: %w", n, len(data)-off, ErrTruncated)
		}
		f.Color = data[off : off+n]
		off += n
	}
	if f.HasDepth {
		if len(data) < off+4 {
			return nil, fmt.Errorf("depth_length at offset %d: %w", off, ErrTruncated)
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+n {
			return nil, fmt.Errorf("depth payload wants %d bytes, %d remain: %w", n, len(data)-off, ErrTruncated)
		}
		f.Depth = data[off : off+n]
		off += n
		if len(data) < off+4 {
			return nil, fmt.Errorf("depth_scale at offset %d: %w", off, ErrTruncated)
		}
		f.DepthScale = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after frame %d", len(data)-off, f.FrameID)
	}
	return f, nil
}

// EncodeBinaryFrame produces the extended layout. Used by the test client
// and round-trip tests; the broker itself only decodes.
func EncodeBinaryFrame(f *BinaryFrame) []byte {
	size := 10
	if f.HasColor {
		size += 4 + len(f.Color)
	}
	if f.HasDepth {
		size += 4 + len(f.Depth) + 4
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, f.FrameID)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f.Timestamp))
	buf = append(buf, boolByte(f.HasColor), boolByte(f.HasDepth))
	if f.HasColor {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Color)))
		buf = append(buf, f.Color...)
	}
	if f.HasDepth {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Depth)))
		buf = append(buf, f.Depth...)
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f.DepthScale))
	}
	return buf
}

// EncodeLegacyFrame produces the backward-compatible short form.
func EncodeLegacyFrame(frameID uint32, timestamp float32, jpeg []byte) []byte {
	buf := make([]byte, 0, 8+len(jpeg))
	buf = binary.LittleEndian.AppendUint32(buf, frameID)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(timestamp))
	return append(buf, jpeg...)
}

// ViewerFrame reshapes a binary frame into the text schema viewers expect,
// base64-encoding the payloads. Viewers are never sent binary.
func (f *BinaryFrame) ViewerFrame() *Frame {
	msg := &Frame{
		Type:           TypeFrame,
		FrameID:        f.FrameID,
		Timestamp:      float64(f.Timestamp),
		Image:          base64.StdEncoding.EncodeToString(f.Color),
		Processed:      false,
		BinaryReceived: true,
	}
	if f.HasDepth {
		msg.DepthData = base64.StdEncoding.EncodeToString(f.Depth)
		msg.DepthScale = f.DepthScale
	}
	return msg
}

// ProcessRequest is the worker-bound copy of a binary frame. Shares the
// base64 image already computed for the viewer fan-out.
func (f *BinaryFrame) ProcessRequest(viewer *Frame) *FrameToProcess {
	return &FrameToProcess{
		Type:       TypeFrameToProcess,
		FrameID:    f.FrameID,
		Timestamp:  float64(f.Timestamp),
		Image:      viewer.Image,
		DepthData:  viewer.DepthData,
		DepthScale: viewer.DepthScale,
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
