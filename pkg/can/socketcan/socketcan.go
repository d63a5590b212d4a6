package socketcan

import (
	sockcan "github.com/brutella/can"
	sled "github.com/sledlab/gosled"
	can "github.com/sledlab/gosled/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can
// Bitrate is configured on the interface itself (ip link), not here.

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	name       string
	bus        *sockcan.Bus
	rxCallback sled.FrameListener
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	if socketcan.bus == nil {
		bus, err := sockcan.NewBusForInterfaceWithName(socketcan.name)
		if err != nil {
			return err
		}
		socketcan.bus = bus
	}
	bus := socketcan.bus
	go func() {
		err := bus.ConnectAndPublish()
		if err == nil {
			return
		}
		log.Warnf("[CAN] socketcan %v reception stopped : %v", socketcan.name, err)
		if listener, ok := socketcan.rxCallback.(sled.LinkListener); ok {
			listener.LinkClosed(err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	if socketcan.bus == nil {
		return nil
	}
	err := socketcan.bus.Disconnect()
	socketcan.bus = nil
	return err
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame sled.Frame) error {
	if socketcan.bus == nil {
		return sled.ErrLinkClosed
	}
	id := frame.ID
	if frame.IsExtended() {
		id |= 0x80000000
	}
	return socketcan.bus.Publish(
		sockcan.Frame{
			ID:     id,
			Length: frame.DLC,
			Flags:  0,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback sled.FrameListener) error {
	socketcan.rxCallback = rxCallback
	if socketcan.bus == nil {
		return sled.ErrLinkClosed
	}
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	if socketcan.rxCallback == nil {
		return
	}
	converted := sled.Frame{ID: frame.ID & sled.CanEffMask, DLC: frame.Length, Data: frame.Data}
	if frame.ID&0x80000000 != 0 {
		converted.Flags |= sled.FlagExtended
	} else {
		converted.ID &= sled.CanSffMask
	}
	socketcan.rxCallback.Handle(converted)
}

func NewSocketCanBus(name string, bitrate int) (sled.Bus, error) {
	return &SocketcanBus{name: name}, nil
}
