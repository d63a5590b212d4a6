package machines

import (
	"github.com/sledlab/gosled/pkg/fsm"
	"github.com/sledlab/gosled/pkg/nmt"
	log "github.com/sirupsen/logrus"
)

type NetState string
type NetEvent string

// Network (remote node boot) states
const (
	NetDisabled           NetState = "disabled"
	NetUnknown            NetState = "unknown"
	NetStopped            NetState = "stopped"
	NetPreOperational     NetState = "pre-operational"
	NetOperational        NetState = "operational"
	NetEnteringPreOp      NetState = "entering-pre-operational"
	NetUploadingConfig    NetState = "uploading-config"
	NetStartingRemoteNode NetState = "starting-remote-node"
)

// Network events
const (
	EvIntfOpened     NetEvent = "intf-opened"
	EvIntfClosed     NetEvent = "intf-closed"
	EvStopped        NetEvent = "stopped"
	EvPreOperational NetEvent = "pre-operational"
	EvOperational    NetEvent = "operational"
	EvUploadComplete NetEvent = "upload-complete"
	EvUploadFailed   NetEvent = "upload-failed"
	EvWatchdogFailed NetEvent = "watchdog-failed"
)

// Network event for an NMT state reported by a heartbeat, false if the
// state has no event (boot-up or unknown values)
func NetEventFromNMT(state uint8) (NetEvent, bool) {
	switch state {
	case nmt.StateStopped:
		return EvStopped, true
	case nmt.StatePreOperational:
		return EvPreOperational, true
	case nmt.StateOperational:
		return EvOperational, true
	}
	return "", false
}

// Side effects of the network machine
type NetworkActions interface {
	SendNMT(command nmt.Command)
	// Start the boot time configuration upload, completion is signalled
	// with upload-complete or upload-failed
	UploadConfig()
	SDOsEnabled()
	SDOsDisabled()
	EnterOperational()
	LeaveOperational()
}

func NetworkDefinition() *fsm.Definition[NetState, NetEvent] {
	def := fsm.NewDefinition[NetState, NetEvent]().
		State(NetDisabled).
		State(NetUnknown).
		State(NetStopped).
		State(NetPreOperational).
		State(NetOperational).
		State(NetEnteringPreOp).
		State(NetUploadingConfig).
		State(NetStartingRemoteNode).
		Global(EvIntfClosed, NetDisabled).
		Transition(NetDisabled, EvIntfOpened, NetUnknown).
		// Whatever the node does, bring it back to pre-operational before configuring it
		Transition(NetUnknown, EvStopped, NetEnteringPreOp).
		Transition(NetUnknown, EvOperational, NetEnteringPreOp).
		Transition(NetUnknown, EvPreOperational, NetUploadingConfig).
		Transition(NetEnteringPreOp, EvPreOperational, NetUploadingConfig).
		Transition(NetUploadingConfig, EvUploadComplete, NetStartingRemoteNode).
		Transition(NetUploadingConfig, EvUploadFailed, NetPreOperational).
		Transition(NetStartingRemoteNode, EvOperational, NetOperational).
		Transition(NetOperational, EvStopped, NetStopped).
		Transition(NetOperational, EvPreOperational, NetPreOperational).
		Transition(NetStopped, EvPreOperational, NetPreOperational).
		Transition(NetStopped, EvOperational, NetOperational).
		Transition(NetPreOperational, EvOperational, NetOperational).
		Transition(NetPreOperational, EvStopped, NetStopped).
		Initial(NetDisabled)
	for _, state := range def.States() {
		if state != NetDisabled && state != NetUnknown {
			def.Transition(state, EvWatchdogFailed, NetUnknown)
		}
	}
	return def
}

// States in which the remote node answers SDO requests
func SDOCapable(state NetState) bool {
	switch state {
	case NetPreOperational, NetOperational, NetUploadingConfig, NetStartingRemoteNode:
		return true
	}
	return false
}

type Network struct {
	*fsm.Machine[NetState, NetEvent]
}

func NewNetwork(actions NetworkActions) (*Network, error) {
	machine, err := fsm.NewMachine(NetworkDefinition(), "network")
	if err != nil {
		return nil, err
	}
	machine.
		OnEnter(NetEnteringPreOp, func() { actions.SendNMT(nmt.CommandEnterPreOperational) }).
		OnEnter(NetUploadingConfig, actions.UploadConfig).
		OnEnter(NetStartingRemoteNode, func() { actions.SendNMT(nmt.CommandEnterOperational) }).
		OnEnter(NetOperational, actions.EnterOperational).
		OnExit(NetOperational, actions.LeaveOperational).
		OnTransition(func(from NetState, to NetState, ev NetEvent) {
			wasCapable, isCapable := SDOCapable(from), SDOCapable(to)
			switch {
			case !wasCapable && isCapable:
				log.Infof("[NMT] remote node reachable over SDO (%v)", to)
				actions.SDOsEnabled()
			case wasCapable && !isCapable:
				log.Infof("[NMT] remote node no longer reachable over SDO (%v)", to)
				actions.SDOsDisabled()
			}
		})
	return &Network{Machine: machine}, nil
}
