package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegStub = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46, 0x00}

func TestDecodeExtendedColorAndDepth(t *testing.T) {
	depth := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	in := &BinaryFrame{
		FrameID:    42,
		Timestamp:  1.5,
		Color:      jpegStub,
		HasColor:   true,
		Depth:      depth,
		HasDepth:   true,
		DepthScale: 0.001,
	}

	out, err := DecodeBinaryFrame(EncodeBinaryFrame(in))
	require.NoError(t, err)

	assert.Equal(t, uint32(42), out.FrameID)
	assert.Equal(t, float32(1.5), out.Timestamp)
	assert.True(t, out.HasColor)
	assert.Equal(t, jpegStub, out.Color)
	assert.True(t, out.HasDepth)
	assert.Equal(t, depth, out.Depth)
	assert.Equal(t, float32(0.001), out.DepthScale)
}

func TestDecodeExtendedColorOnly(t *testing.T) {
	in := &BinaryFrame{FrameID: 7, Timestamp: 2.25, Color: jpegStub, HasColor: true}

	out, err := DecodeBinaryFrame(EncodeBinaryFrame(in))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), out.FrameID)
	assert.Equal(t, jpegStub, out.Color)
	assert.False(t, out.HasDepth)
	assert.Nil(t, out.Depth)
}

func TestDecodeLegacyFrame(t *testing.T) {
	data := EncodeLegacyFrame(99, 3.75, jpegStub)

	out, err := DecodeBinaryFrame(data)
	require.NoError(t, err)

	assert.Equal(t, uint32(99), out.FrameID)
	assert.Equal(t, float32(3.75), out.Timestamp)
	assert.True(t, out.HasColor)
	assert.Equal(t, jpegStub, out.Color)
	assert.False(t, out.HasDepth)
}

func TestDecodeHeaderOnlyLegacy(t *testing.T) {
	out, err := DecodeBinaryFrame(EncodeLegacyFrame(1, 0, nil))
	require.NoError(t, err)
	assert.False(t, out.HasColor)
	assert.Empty(t, out.Color)
}

func TestDecodeTruncated(t *testing.T) {
	full := EncodeBinaryFrame(&BinaryFrame{
		FrameID:    1,
		Timestamp:  1,
		Color:      jpegStub,
		HasColor:   true,
		Depth:      []byte{9, 9, 9, 9},
		HasDepth:   true,
		DepthScale: 0.001,
	})

	cases := map[string][]byte{
		"empty":                 {},
		"partial header":        full[:5],
		"missing color length":  full[:11],
		"missing color payload": full[:16],
		"missing depth length":  full[:10+4+len(jpegStub)+2],
		"missing depth scale":   full[:len(full)-2],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBinaryFrame(data)
			require.Error(t, err)
		})
	}
}

func TestDecodeColorLengthExceedsPayload(t *testing.T) {
	data := make([]byte, 0, 24)
	data = binary.LittleEndian.AppendUint32(data, 5)
	data = binary.LittleEndian.AppendUint32(data, math.Float32bits(1.0))
	data = append(data, 1, 0)
	data = binary.LittleEndian.AppendUint32(data, 1000) // far more than remains
	data = append(data, 0xFF, 0xD8)

	_, err := DecodeBinaryFrame(data)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeTrailingGarbage(t *testing.T) {
	data := EncodeBinaryFrame(&BinaryFrame{FrameID: 3, Timestamp: 1, Color: jpegStub, HasColor: true})
	data = append(data, 0xAB, 0xCD)

	_, err := DecodeBinaryFrame(data)
	require.Error(t, err)
}

func TestViewerFrameRoundTrip(t *testing.T) {
	bf := &BinaryFrame{
		FrameID:    42,
		Timestamp:  1.5,
		Color:      jpegStub,
		HasColor:   true,
		Depth:      []byte{0, 1, 0, 1},
		HasDepth:   true,
		DepthScale: 0.001,
	}

	payload, err := json.Marshal(bf.ViewerFrame())
	require.NoError(t, err)

	var msg Frame
	require.NoError(t, json.Unmarshal(payload, &msg))

	assert.Equal(t, TypeFrame, msg.Type)
	assert.Equal(t, uint32(42), msg.FrameID)
	assert.Equal(t, 1.5, msg.Timestamp)
	assert.False(t, msg.Processed)
	assert.True(t, msg.BinaryReceived)
	assert.Equal(t, float32(0.001), msg.DepthScale)

	color, err := base64.StdEncoding.DecodeString(msg.Image)
	require.NoError(t, err)
	assert.Equal(t, jpegStub, color)

	depth, err := base64.StdEncoding.DecodeString(msg.DepthData)
	require.NoError(t, err)
	assert.Equal(t, bf.Depth, depth)
}

func TestProcessRequestSharesEncodedImage(t *testing.T) {
	bf := &BinaryFrame{FrameID: 8, Timestamp: 2, Color: jpegStub, HasColor: true}
	viewer := bf.ViewerFrame()

	req := bf.ProcessRequest(viewer)
	assert.Equal(t, TypeFrameToProcess, req.Type)
	assert.Equal(t, uint32(8), req.FrameID)
	assert.Equal(t, viewer.Image, req.Image)
	assert.Empty(t, req.DepthData)
}
