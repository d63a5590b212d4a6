package nmt

import (
	"fmt"

	sled "github.com/sledlab/gosled"
)

const ServiceId = 0

// Possible NMT states, as reported in heartbeat frames
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

func StateName(state uint8) string {
	name, ok := stateMap[state]
	if !ok {
		return fmt.Sprintf("x%x", state)
	}
	return name
}

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

func (command Command) String() string {
	description, ok := CommandDescription[command]
	if !ok {
		return fmt.Sprintf("x%x", uint8(command))
	}
	return description
}

// NMT command frame for a node, node id 0 addresses every node
func NewCommandFrame(command Command, nodeId uint8) sled.Frame {
	frame := sled.NewFrame(ServiceId, 0, 2)
	frame.Data[0] = uint8(command)
	frame.Data[1] = nodeId
	return frame
}

// NMT state reported in a heartbeat / node guarding frame.
// The toggle bit (bit 7) is masked out.
func HeartbeatState(frame sled.Frame) uint8 {
	return frame.Data[0] & 0x7F
}
