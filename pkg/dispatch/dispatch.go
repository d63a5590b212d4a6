// Package dispatch routes received CANopen frames by function code.
package dispatch

import (
	"fmt"

	sled "github.com/sledlab/gosled"
	"github.com/sledlab/gosled/pkg/nmt"
	log "github.com/sirupsen/logrus"
)

// Function codes (upper 4 bits of the 11-bit identifier)
const (
	FunctionEmergency   uint8 = 0x01
	FunctionTPDO1       uint8 = 0x03
	FunctionTPDO2       uint8 = 0x05
	FunctionTPDO3       uint8 = 0x07
	FunctionTPDO4       uint8 = 0x09
	FunctionSDOResponse uint8 = 0x0B
	FunctionSDORequest  uint8 = 0x0C
	FunctionHeartbeat   uint8 = 0x0E
)

type Kind uint8

const (
	KindIgnored Kind = iota
	KindEmergency
	KindTPDO
	KindNMTState
	KindSDOResponse
	kindCount
)

var kindNames = [...]string{"ignored", "emergency", "tpdo", "nmt-state", "sdo-response"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type TPDOHandler func(slot uint8, data [8]byte)
type NMTStateHandler func(state uint8)
type SDOResponseHandler func(data [8]byte)

// Per kind frame counters
type Stats [kindCount]uint64

func (s Stats) Count(kind Kind) uint64 {
	if kind >= kindCount {
		return 0
	}
	return s[kind]
}

// Dispatcher classifies frames and invokes at most one registered handler per frame.
// It is not safe for concurrent use.
type Dispatcher struct {
	onTPDO        TPDOHandler
	onNMTState    NMTStateHandler
	onSDOResponse SDOResponseHandler
	stats         Stats
}

func New() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) OnTPDO(handler TPDOHandler) {
	d.onTPDO = handler
}

func (d *Dispatcher) OnNMTState(handler NMTStateHandler) {
	d.onNMTState = handler
}

func (d *Dispatcher) OnSDOResponse(handler SDOResponseHandler) {
	d.onSDOResponse = handler
}

func (d *Dispatcher) Stats() Stats {
	return d.stats
}

// Classify a frame without routing it
func Classify(frame sled.Frame) Kind {
	if frame.IsExtended() {
		return KindIgnored
	}
	switch frame.Function() {
	case FunctionEmergency:
		return KindEmergency
	case FunctionTPDO1, FunctionTPDO2, FunctionTPDO3, FunctionTPDO4:
		return KindTPDO
	case FunctionHeartbeat:
		return KindNMTState
	case FunctionSDOResponse:
		return KindSDOResponse
	default:
		return KindIgnored
	}
}

// Route a received frame to its handler and return its classification
func (d *Dispatcher) Dispatch(frame sled.Frame) Kind {
	kind := Classify(frame)
	d.stats[kind]++
	switch kind {
	case KindEmergency:
		// Acknowledged, nothing to do
		log.Debugf("[DISPATCH] emergency from x%x : %x", frame.NodeId(), frame.Data[:frame.DLC])
	case KindTPDO:
		if d.onTPDO != nil {
			d.onTPDO((frame.Function()-1)/2, frame.Data)
		}
	case KindNMTState:
		if d.onNMTState != nil {
			d.onNMTState(nmt.HeartbeatState(frame))
		}
	case KindSDOResponse:
		if d.onSDOResponse != nil {
			d.onSDOResponse(frame.Data)
		}
	}
	return kind
}
