package sdo

import (
	"encoding/binary"
	"fmt"

	sled "github.com/sledlab/gosled"
)

// Expedited transfer command specifiers
const (
	CmdReadRequest  uint8 = 0x40
	CmdWriteAck     uint8 = 0x60
	CmdAbort        uint8 = 0x80
	cmdWriteRequest uint8 = 0x2F // 1 byte, each extra byte removes 4
	cmdReadResponse uint8 = 0x4F // 1 byte, each extra byte removes 4
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	if op == OpWrite {
		return "write"
	}
	return "read"
}

// A dictionary access submitted to the [Client].
// Exactly one of the continuations is invoked once the transaction resolves.
type Request struct {
	Index    uint16
	Subindex uint8
	Op       Op
	Value    uint32
	Size     uint8 // write width in bytes, 1..4

	OnWritten func(index uint16, subindex uint8)
	OnRead    func(index uint16, subindex uint8, value uint32)
	OnFailure func(index uint16, subindex uint8, err error)
}

type ResponseKind uint8

const (
	ResponseWriteAck ResponseKind = iota
	ResponseRead
	ResponseAbort
)

// Decoded expedited SDO response
type Response struct {
	Kind     ResponseKind
	Index    uint16
	Subindex uint8
	Value    uint32 // read value or raw abort code
	Size     uint8
}

// Write command byte for a given width
func WriteCommand(size uint8) (uint8, error) {
	if size < 1 || size > 4 {
		return 0, ErrInvalidSize
	}
	return cmdWriteRequest - (size-1)*4, nil
}

func truncate(value uint32, size uint8) uint32 {
	if size >= 4 {
		return value
	}
	return value & (uint32(1)<<(8*uint32(size)) - 1)
}

// Encode a request as an SDO client frame addressed to nodeId.
// Unused bytes are left zero.
func EncodeRequest(nodeId uint8, req Request) (sled.Frame, error) {
	frame := sled.NewFrame(ClientBaseId+uint32(nodeId), 0, 8)
	switch req.Op {
	case OpRead:
		frame.Data[0] = CmdReadRequest
	case OpWrite:
		cmd, err := WriteCommand(req.Size)
		if err != nil {
			return frame, err
		}
		frame.Data[0] = cmd
		var value [4]byte
		binary.LittleEndian.PutUint32(value[:], req.Value)
		copy(frame.Data[4:4+req.Size], value[:req.Size])
	default:
		return frame, fmt.Errorf("unknown sdo operation %d", req.Op)
	}
	binary.LittleEndian.PutUint16(frame.Data[1:3], req.Index)
	frame.Data[3] = req.Subindex
	return frame, nil
}

// Decode an SDO client frame back into the request it carries.
// Continuations are not part of the wire format and are left nil.
func DecodeRequest(frame sled.Frame) (nodeId uint8, req Request, err error) {
	if frame.ID&^0x7F != ClientBaseId {
		return 0, req, fmt.Errorf("not an sdo request id x%x", frame.ID)
	}
	nodeId = uint8(frame.ID & 0x7F)
	req.Index = binary.LittleEndian.Uint16(frame.Data[1:3])
	req.Subindex = frame.Data[3]
	cmd := frame.Data[0]
	switch cmd {
	case CmdReadRequest:
		req.Op = OpRead
	case 0x2F, 0x2B, 0x27, 0x23:
		req.Op = OpWrite
		req.Size = (cmdWriteRequest-cmd)/4 + 1
		req.Value = truncate(binary.LittleEndian.Uint32(frame.Data[4:8]), req.Size)
	default:
		return nodeId, req, fmt.Errorf("%w : x%x", ErrUnknownCmd, cmd)
	}
	return nodeId, req, nil
}

// Decode the payload of an SDO server frame
func DecodeResponse(data [8]byte) (Response, error) {
	resp := Response{
		Index:    binary.LittleEndian.Uint16(data[1:3]),
		Subindex: data[3],
	}
	raw := binary.LittleEndian.Uint32(data[4:8])
	switch cmd := data[0]; cmd {
	case CmdWriteAck:
		resp.Kind = ResponseWriteAck
	case 0x4F, 0x4B, 0x47, 0x43:
		resp.Kind = ResponseRead
		resp.Size = (cmdReadResponse-cmd)/4 + 1
		resp.Value = truncate(raw, resp.Size)
	case CmdAbort:
		resp.Kind = ResponseAbort
		resp.Value = raw
		resp.Size = 4
	default:
		return resp, fmt.Errorf("%w : x%x", ErrUnknownCmd, cmd)
	}
	return resp, nil
}

func responseFrame(nodeId uint8, cmd uint8, index uint16, subindex uint8, value uint32) sled.Frame {
	frame := sled.NewFrame(ServerBaseId+uint32(nodeId), 0, 8)
	frame.Data[0] = cmd
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	binary.LittleEndian.PutUint32(frame.Data[4:8], value)
	return frame
}

// Server side write acknowledge
func WriteAckFrame(nodeId uint8, index uint16, subindex uint8) sled.Frame {
	return responseFrame(nodeId, CmdWriteAck, index, subindex, 0)
}

// Server side expedited read response of size bytes
func ReadResponseFrame(nodeId uint8, index uint16, subindex uint8, value uint32, size uint8) sled.Frame {
	if size < 1 || size > 4 {
		size = 4
	}
	return responseFrame(nodeId, cmdReadResponse-(size-1)*4, index, subindex, truncate(value, size))
}

// Server side abort
func AbortFrame(nodeId uint8, index uint16, subindex uint8, code Abort) sled.Frame {
	return responseFrame(nodeId, CmdAbort, index, subindex, uint32(code))
}
