package sled

import "errors"

const (
	CanRtrFlag uint32 = 0x40000000
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// Frame flags
const (
	FlagExtended uint8 = 0x01 // 29-bit identifier
	FlagRemote   uint8 = 0x02 // remote transmission request
)

// A CAN frame as exchanged with the transport.
// Only the first DLC bytes of Data are significant, the rest is zero on transmit.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Function code of a standard CANopen identifier (upper 4 bits of the 11-bit id)
func (f Frame) Function() uint8 {
	return uint8((f.ID & CanSffMask) >> 7)
}

// Node id part of a standard CANopen identifier
func (f Frame) NodeId() uint8 {
	return uint8(f.ID & 0x7F)
}

func (f Frame) IsExtended() bool {
	return f.Flags&FlagExtended != 0
}

// Identifier for a function code addressed to a node
func CobId(function uint8, nodeId uint8) uint32 {
	return uint32(function)<<7 | uint32(nodeId&0x7F)
}

var ErrInvalidDLC = errors.New("frame data length must be between 0 and 8")

func (f Frame) Validate() error {
	if f.DLC > 8 {
		return ErrInvalidDLC
	}
	return nil
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// Optional interface of a FrameListener, called by a transport
// when reception has stopped because the link is gone.
type LinkListener interface {
	LinkClosed(err error)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}
