package machines

import (
	"encoding/binary"

	"github.com/sledlab/gosled/pkg/fsm"
	"github.com/sledlab/gosled/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

type MotionState string
type MotionEvent string

// Motion mode states
const (
	MotionDisabled       MotionState = "disabled"
	MotionUnknown        MotionState = "unknown"
	MotionSwitchToHoming MotionState = "switch-to-homing"
	MotionHoming         MotionState = "homing"
	MotionSwitchToPP     MotionState = "switch-to-profile-position"
	MotionPPIdle         MotionState = "profile-position-idle"
	MotionPPMoving       MotionState = "profile-position-moving"
)

// Motion mode events
const (
	EvNetworkOperational   MotionEvent = "network-operational"
	EvNetworkInoperational MotionEvent = "network-inoperational"
	EvModeSwitchedToHoming MotionEvent = "mode-switched-to-homing"
	EvModeSwitchedToPP     MotionEvent = "mode-switched-to-profile-position"
	EvHomed                MotionEvent = "homed"
	EvNotHomed             MotionEvent = "not-homed"
	EvMotionStarted        MotionEvent = "motion-started"
	EvMotionFinished       MotionEvent = "motion-finished"
)

// CiA 402 objects and values
const (
	IndexControlword         uint16 = 0x6040
	IndexStatusword          uint16 = 0x6041
	IndexModesOfOperation    uint16 = 0x6060
	IndexModesOfOperationAct uint16 = 0x6061
	IndexPositionActual      uint16 = 0x6064

	ModeHoming          uint8 = 6
	ModeProfilePosition uint8 = 8

	ControlwordStart uint16 = 0x1F
	ControlwordHalt  uint16 = 0x0F

	StatusTargetReached uint16 = 1 << 10
	StatusBit12         uint16 = 1 << 12 // homing attained / set-point acknowledge
)

// Dictionary access used by the state machine actions, implemented by [sdo.Client]
type SDO interface {
	Read(index uint16, subindex uint8, onRead func(uint16, uint8, uint32), onFailure func(uint16, uint8, error)) (sdo.TxID, error)
	Write(index uint16, subindex uint8, value uint32, size uint8, onWritten func(uint16, uint8), onFailure func(uint16, uint8, error)) (sdo.TxID, error)
}

type MotionConfig struct {
	HomedIndex     uint16
	HomedSubindex  uint8
	HomedMask      uint32
	StatuswordTPDO uint8 // TPDO slot (1 for TPDO1) carrying statusword and actual position
}

func DefaultMotionConfig() MotionConfig {
	return MotionConfig{HomedIndex: IndexStatusword, HomedSubindex: 0, HomedMask: uint32(StatusBit12), StatuswordTPDO: 1}
}

func MotionDefinition() *fsm.Definition[MotionState, MotionEvent] {
	return fsm.NewDefinition[MotionState, MotionEvent]().
		State(MotionDisabled).
		State(MotionUnknown).
		State(MotionSwitchToHoming).
		State(MotionHoming).
		State(MotionSwitchToPP).
		State(MotionPPIdle).
		State(MotionPPMoving).
		Global(EvNetworkInoperational, MotionDisabled).
		Transition(MotionDisabled, EvNetworkOperational, MotionUnknown).
		Transition(MotionUnknown, EvHomed, MotionSwitchToPP).
		Transition(MotionUnknown, EvNotHomed, MotionSwitchToHoming).
		Transition(MotionSwitchToHoming, EvModeSwitchedToHoming, MotionHoming).
		Transition(MotionHoming, EvHomed, MotionSwitchToPP).
		Transition(MotionSwitchToPP, EvModeSwitchedToPP, MotionPPIdle).
		Transition(MotionPPIdle, EvMotionStarted, MotionPPMoving).
		Transition(MotionPPMoving, EvMotionFinished, MotionPPIdle).
		Initial(MotionDisabled)
}

// Motion mode machine of the drive.
// Events found by its actions (SDO continuations, TPDO updates) are handed
// to post and must be fed back through HandleEvent later, never from within post.
type Motion struct {
	*fsm.Machine[MotionState, MotionEvent]
	sdo        SDO
	post       func(MotionEvent)
	config     MotionConfig
	statusword uint16
	position   int32
	left       bool // target reached cleared since the move started
}

func NewMotion(client SDO, post func(MotionEvent), config MotionConfig) (*Motion, error) {
	machine, err := fsm.NewMachine(MotionDefinition(), "motion")
	if err != nil {
		return nil, err
	}
	m := &Motion{Machine: machine, sdo: client, post: post, config: config}
	machine.
		OnEnter(MotionUnknown, m.checkHomed).
		OnEnter(MotionSwitchToHoming, func() { m.switchMode(ModeHoming, EvModeSwitchedToHoming) }).
		OnEnter(MotionSwitchToPP, func() { m.switchMode(ModeProfilePosition, EvModeSwitchedToPP) }).
		OnEnter(MotionHoming, func() { m.writeControlword(ControlwordStart) }).
		OnExit(MotionHoming, func() { m.writeControlword(ControlwordHalt) }).
		OnEnter(MotionPPMoving, func() { m.left = false })
	return m, nil
}

// Profile position mode with no move in progress
func (m *Motion) Idle() bool {
	return m.Is(MotionPPIdle)
}

// Last statusword received over TPDO
func (m *Motion) Statusword() uint16 {
	return m.statusword
}

// Last actual position received over TPDO, in micrometers
func (m *Motion) Position() int32 {
	return m.position
}

func (m *Motion) failure(what string) func(uint16, uint8, error) {
	return func(index uint16, subindex uint8, err error) {
		log.Errorf("[FSM][motion] %v failed on x%x:x%x : %v", what, index, subindex, err)
	}
}

// A failed read is handled as not homed, homing again establishes the reference
func (m *Motion) checkHomed() {
	_, err := m.sdo.Read(m.config.HomedIndex, m.config.HomedSubindex,
		func(index uint16, subindex uint8, value uint32) {
			if value&m.config.HomedMask != 0 {
				m.post(EvHomed)
			} else {
				m.post(EvNotHomed)
			}
		},
		func(index uint16, subindex uint8, err error) {
			log.Warnf("[FSM][motion] homed check on x%x:x%x failed : %v", index, subindex, err)
			m.post(EvNotHomed)
		})
	if err != nil {
		log.Errorf("[FSM][motion] homed check not submitted : %v", err)
	}
}

// Write the mode of operation then read it back to confirm the switch
func (m *Motion) switchMode(mode uint8, confirmed MotionEvent) {
	_, err := m.sdo.Write(IndexModesOfOperation, 0, uint32(mode), 1,
		func(uint16, uint8) {
			_, err := m.sdo.Read(IndexModesOfOperationAct, 0,
				func(index uint16, subindex uint8, value uint32) {
					if uint8(value) != mode {
						log.Warnf("[FSM][motion] drive reports mode %d, expected %d", int8(value), mode)
						return
					}
					m.post(confirmed)
				}, m.failure("mode display read"))
			if err != nil {
				log.Errorf("[FSM][motion] mode display read not submitted : %v", err)
			}
		}, m.failure("mode switch"))
	if err != nil {
		log.Errorf("[FSM][motion] mode switch not submitted : %v", err)
	}
}

func (m *Motion) writeControlword(value uint16) {
	_, err := m.sdo.Write(IndexControlword, 0, uint32(value), 2, nil, m.failure("controlword write"))
	if err != nil {
		log.Errorf("[FSM][motion] controlword x%x not submitted : %v", value, err)
	}
}

// Handle a TPDO update, statusword in bytes 0-1 and actual position in bytes 2-5
func (m *Motion) HandleTPDO(slot uint8, data [8]byte) {
	if slot != m.config.StatuswordTPDO {
		return
	}
	m.statusword = binary.LittleEndian.Uint16(data[0:2])
	m.position = int32(binary.LittleEndian.Uint32(data[2:6]))
	reached := m.statusword&StatusTargetReached != 0
	bit12 := m.statusword&StatusBit12 != 0

	switch m.State() {
	case MotionHoming:
		if reached && bit12 {
			m.post(EvHomed)
		}
	case MotionPPMoving:
		if !reached {
			m.left = true
		} else if m.left && !bit12 {
			m.post(EvMotionFinished)
		}
	}
}
