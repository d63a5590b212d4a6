package heartbeat

import (
	"time"

	"github.com/sledlab/gosled/pkg/nmt"
	log "github.com/sirupsen/logrus"
)

const (
	HeartbeatUnconfigured = 0x00 // Consumer inactive
	HeartbeatUnknown      = 0x01 // Consumer enabled, but no heartbeat received yet
	HeartbeatActive       = 0x02 // Heartbeat received within set time
	HeartbeatTimeout      = 0x03 // No heartbeat received for set time
	ServiceId             = 0x700
)

const (
	EventStarted = 0x01
	EventTimeout = 0x02
	EventChanged = 0x03
	EventBoot    = 0x04
)

type HBEventCallback func(event uint8, nodeId uint8, nmtState uint8)

// Hearbeat consumer monitoring a single remote node.
// It has no timers of its own, time is advanced by [Consumer.Process]
// from the reactor tick.
type Consumer struct {
	nodeId        uint8
	timeout       time.Duration
	elapsed       time.Duration
	nmtState      uint8
	nmtStatePrev  uint8
	hbState       uint8
	eventCallback HBEventCallback
}

func NewConsumer(nodeId uint8, timeout time.Duration) *Consumer {
	consumer := &Consumer{nodeId: nodeId, timeout: timeout}
	consumer.Stop()
	return consumer
}

// Callback on event for heartbeat consumer
// Events can be : boot-up, timeout, nmt change
func (consumer *Consumer) OnEvent(callback HBEventCallback) {
	consumer.eventCallback = callback
}

func (consumer *Consumer) emit(event uint8, state uint8) {
	if consumer.eventCallback != nil {
		consumer.eventCallback(event, consumer.nodeId, state)
	}
}

// Feed a state received in a heartbeat frame of the monitored node
func (consumer *Consumer) Feed(state uint8) {
	if consumer.hbState == HeartbeatUnconfigured {
		return
	}
	consumer.elapsed = 0
	consumer.nmtState = state

	if state == nmt.StateInitializing {
		// Boot up message after a heartbeat means the node rebooted
		if consumer.hbState == HeartbeatActive {
			log.Warnf("[HB] node x%x rebooted", consumer.nodeId)
		}
		consumer.hbState = HeartbeatUnknown
		consumer.emit(EventBoot, state)
	} else {
		if consumer.hbState != HeartbeatActive {
			log.Infof("[HB] node x%x heartbeat started", consumer.nodeId)
			consumer.hbState = HeartbeatActive
			consumer.emit(EventStarted, state)
		}
	}

	if consumer.nmtState != consumer.nmtStatePrev {
		log.Debugf("[HB] node x%x state %v ==> %v", consumer.nodeId, nmt.StateName(consumer.nmtStatePrev), nmt.StateName(state))
		consumer.nmtStatePrev = state
		consumer.emit(EventChanged, state)
	}
}

// Advance the consumer timer, a timeout is reported once per loss of heartbeat
func (consumer *Consumer) Process(elapsed time.Duration) {
	if consumer.hbState != HeartbeatActive || consumer.timeout <= 0 {
		return
	}
	consumer.elapsed += elapsed
	if consumer.elapsed < consumer.timeout {
		return
	}
	log.Warnf("[HB] node x%x no heartbeat for %v", consumer.nodeId, consumer.elapsed)
	consumer.nmtState = nmt.StateUnknown
	consumer.nmtStatePrev = nmt.StateUnknown
	consumer.hbState = HeartbeatTimeout
	consumer.emit(EventTimeout, nmt.StateUnknown)
}

// Start monitoring, a zero timeout leaves the consumer unconfigured
func (consumer *Consumer) Start() {
	if consumer.hbState != HeartbeatUnconfigured {
		return
	}
	consumer.elapsed = 0
	if consumer.nodeId != 0 && consumer.timeout > 0 {
		consumer.hbState = HeartbeatUnknown
	}
}

// Stop monitoring and reset states
func (consumer *Consumer) Stop() {
	consumer.elapsed = 0
	consumer.nmtState = nmt.StateUnknown
	consumer.nmtStatePrev = nmt.StateUnknown
	consumer.hbState = HeartbeatUnconfigured
}

func (consumer *Consumer) NmtState() uint8 {
	return consumer.nmtState
}

func (consumer *Consumer) HBState() uint8 {
	return consumer.hbState
}
