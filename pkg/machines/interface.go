// Package machines holds the interface, network and motion-mode state machines
// of the sled and the actions they trigger on the bus.
package machines

import "github.com/sledlab/gosled/pkg/fsm"

type IntfState string
type IntfEvent string

// Interface (link) states
const (
	IntfClosed  IntfState = "closed"
	IntfOpening IntfState = "opening"
	IntfOpen    IntfState = "open"
	IntfClosing IntfState = "closing"
)

// Interface events
const (
	EvOpenRequest     IntfEvent = "open-request"
	EvCloseRequest    IntfEvent = "close-request"
	EvOpenedConfirmed IntfEvent = "opened-confirmed"
	EvClosedConfirmed IntfEvent = "closed-confirmed"
)

// Side effects of the interface machine.
// Connect and Disconnect must not block, they confirm through events later on.
type InterfaceActions interface {
	Connect()    // entering opening
	Disconnect() // entering closing
	Opened()     // entering open
	Closed()     // entering closed
}

func InterfaceDefinition() *fsm.Definition[IntfState, IntfEvent] {
	return fsm.NewDefinition[IntfState, IntfEvent]().
		State(IntfClosed).
		State(IntfOpening).
		State(IntfOpen).
		State(IntfClosing).
		Transition(IntfClosed, EvOpenRequest, IntfOpening).
		Transition(IntfOpening, EvOpenedConfirmed, IntfOpen).
		Transition(IntfOpening, EvClosedConfirmed, IntfClosed).
		Transition(IntfOpen, EvCloseRequest, IntfClosing).
		// Link lost while open
		Transition(IntfOpen, EvClosedConfirmed, IntfClosed).
		Transition(IntfClosing, EvClosedConfirmed, IntfClosed).
		Initial(IntfClosed)
}

type Interface struct {
	*fsm.Machine[IntfState, IntfEvent]
}

func NewInterface(actions InterfaceActions) (*Interface, error) {
	machine, err := fsm.NewMachine(InterfaceDefinition(), "interface")
	if err != nil {
		return nil, err
	}
	machine.
		OnEnter(IntfOpening, actions.Connect).
		OnEnter(IntfClosing, actions.Disconnect).
		OnEnter(IntfOpen, actions.Opened).
		OnEnter(IntfClosed, actions.Closed)
	return &Interface{Machine: machine}, nil
}
