package sled

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface.
// It tags every received frame with the link epoch it arrived on, so that
// frames from a previous connection can be told apart after a reconnect.
type BusManager struct {
	mu       sync.Mutex
	bus      Bus
	epoch    uint32
	open     bool
	onFrame  func(epoch uint32, frame Frame)
	onClosed func(epoch uint32, err error)
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{bus: bus}
}

// Set callbacks for received frames and link loss.
// Both are called from the transport's goroutine.
func (bm *BusManager) SetListeners(onFrame func(epoch uint32, frame Frame), onClosed func(epoch uint32, err error)) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.onFrame = onFrame
	bm.onClosed = onClosed
}

// Implements the FrameListener interface
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	epoch := bm.epoch
	open := bm.open
	onFrame := bm.onFrame
	bm.mu.Unlock()
	if !open || onFrame == nil {
		return
	}
	onFrame(epoch, frame)
}

// Implements the LinkListener interface
func (bm *BusManager) LinkClosed(err error) {
	bm.mu.Lock()
	if !bm.open {
		bm.mu.Unlock()
		return
	}
	epoch := bm.epoch
	bm.open = false
	bm.epoch++
	onClosed := bm.onClosed
	bm.mu.Unlock()
	log.Warnf("[CAN] link closed : %v", err)
	if onClosed != nil {
		onClosed(epoch, err)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Connect the underlying bus and start receiving.
// Returns the epoch that frames of this connection will carry.
func (bm *BusManager) Connect(args ...any) (uint32, error) {
	bus := bm.Bus()
	if bus == nil {
		return 0, ErrNoBus
	}
	if err := bus.Connect(args...); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	bm.mu.Lock()
	bm.epoch++
	bm.open = true
	epoch := bm.epoch
	bm.mu.Unlock()
	if err := bus.Subscribe(bm); err != nil {
		bm.mu.Lock()
		bm.open = false
		bm.mu.Unlock()
		_ = bus.Disconnect()
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return epoch, nil
}

// Disconnect the underlying bus. Frames received afterwards are dropped.
func (bm *BusManager) Disconnect() error {
	bm.mu.Lock()
	bus := bm.bus
	bm.open = false
	bm.epoch++
	bm.mu.Unlock()
	if bus == nil {
		return ErrNoBus
	}
	return bus.Disconnect()
}

// Current link epoch
func (bm *BusManager) Epoch() uint32 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.epoch
}

// Send a CAN message.
// Errors are wrapped with ErrTransport.
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil {
		return ErrNoBus
	}
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
