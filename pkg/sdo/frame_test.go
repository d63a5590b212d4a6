package sdo

import (
	"testing"

	sled "github.com/sledlab/gosled"
	"github.com/stretchr/testify/assert"
)

func TestWriteCommandWidths(t *testing.T) {
	expected := map[uint8]uint8{1: 0x2F, 2: 0x2B, 3: 0x27, 4: 0x23}
	seen := map[uint8]bool{}
	for size, cmd := range expected {
		got, err := WriteCommand(size)
		assert.Nil(t, err)
		assert.Equal(t, cmd, got)
		assert.False(t, seen[got])
		seen[got] = true
	}
	_, err := WriteCommand(0)
	assert.Equal(t, ErrInvalidSize, err)
	_, err = WriteCommand(5)
	assert.Equal(t, ErrInvalidSize, err)
}

func TestEncodeRead(t *testing.T) {
	frame, err := EncodeRequest(0x10, Request{Index: 0x6061, Subindex: 0, Op: OpRead})
	assert.Nil(t, err)
	assert.EqualValues(t, 0x610, frame.ID)
	assert.EqualValues(t, 8, frame.DLC)
	assert.Equal(t, [8]byte{0x40, 0x61, 0x60, 0, 0, 0, 0, 0}, frame.Data)
}

func TestEncodeWriteZeroFill(t *testing.T) {
	frame, err := EncodeRequest(1, Request{Index: 0x6040, Op: OpWrite, Value: 0xAABB001F, Size: 2})
	assert.Nil(t, err)
	assert.Equal(t, [8]byte{0x2B, 0x40, 0x60, 0, 0x1F, 0x00, 0, 0}, frame.Data)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0x7F, 0x1234, 0xABCDEF, 0xDEADBEEF}
	for size := uint8(1); size <= 4; size++ {
		for _, value := range values {
			req := Request{Index: 0x2091, Subindex: 0x01, Op: OpWrite, Value: value, Size: size}
			frame, err := EncodeRequest(5, req)
			assert.Nil(t, err)
			nodeId, decoded, err := DecodeRequest(frame)
			assert.Nil(t, err)
			assert.EqualValues(t, 5, nodeId)
			assert.Equal(t, req.Index, decoded.Index)
			assert.Equal(t, req.Subindex, decoded.Subindex)
			assert.Equal(t, size, decoded.Size)
			assert.Equal(t, truncate(value, size), decoded.Value, "size %d value x%x", size, value)
		}
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	_, _, err := DecodeRequest(sled.Frame{ID: 0x581})
	assert.NotNil(t, err)
	_, _, err = DecodeRequest(sled.Frame{ID: 0x601, Data: [8]byte{0x21}})
	assert.ErrorIs(t, err, ErrUnknownCmd)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(WriteAckFrame(1, 0x6060, 0).Data)
	assert.Nil(t, err)
	assert.Equal(t, ResponseWriteAck, resp.Kind)
	assert.EqualValues(t, 0x6060, resp.Index)

	for size := uint8(1); size <= 4; size++ {
		resp, err = DecodeResponse(ReadResponseFrame(1, 0x6061, 0, 0x11223344, size).Data)
		assert.Nil(t, err)
		assert.Equal(t, ResponseRead, resp.Kind)
		assert.Equal(t, size, resp.Size)
		assert.Equal(t, truncate(0x11223344, size), resp.Value)
	}

	resp, err = DecodeResponse(AbortFrame(1, 0x2091, 1, AbortNotExist).Data)
	assert.Nil(t, err)
	assert.Equal(t, ResponseAbort, resp.Kind)
	assert.EqualValues(t, 0x06020000, resp.Value)

	_, err = DecodeResponse([8]byte{0x20})
	assert.ErrorIs(t, err, ErrUnknownCmd)
}

func TestAbortError(t *testing.T) {
	assert.Equal(t, "x6020000 : Object does not exist in the object dictionary", AbortNotExist.Error())
	assert.Equal(t, "General error", Abort(0x12345678).Description())
}
