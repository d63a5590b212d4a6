// Package sim provides an in-process simulated sled drive behind the Bus interface.
//
// The drive answers expedited SDO requests from an object dictionary, follows
// NMT commands, sends heartbeats and models the homing and profile position
// modes well enough to run the controller without hardware.
package sim

import (
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	sled "github.com/sledlab/gosled"
	can "github.com/sledlab/gosled/pkg/can"
	"github.com/sledlab/gosled/pkg/nmt"
	"github.com/sledlab/gosled/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

func init() {
	can.RegisterInterface("sim", NewSimBus)
}

const (
	DefaultNodeId          = 1
	DefaultHeartbeatPeriod = 100 * time.Millisecond
)

// Drive objects with behaviour attached
const (
	IndexHeartbeatTime    uint16 = 0x1017
	IndexCopyMotionTask   uint16 = 0x2082
	IndexMotionTaskFirst  uint16 = 0x2091
	IndexMotionTaskLast   uint16 = 0x2098
	IndexControlword      uint16 = 0x6040
	IndexStatusword       uint16 = 0x6041
	IndexModesOfOperation uint16 = 0x6060
	IndexModesDisplay     uint16 = 0x6061
	IndexPositionActual   uint16 = 0x6064
)

const (
	modeHoming          = 6
	modeProfilePosition = 8

	statusOperationEnabled uint16 = 0x0237
	statusTargetReached    uint16 = 1 << 10
	statusBit12            uint16 = 1 << 12
)

type key struct {
	index    uint16
	subindex uint8
}

// Drive is a simulated remote node, it implements [sled.Bus]
type Drive struct {
	mu          sync.Mutex
	nodeId      uint8
	objects     map[key]uint32
	aborts      map[key]sdo.Abort
	silent      map[key]bool
	tasks       map[uint32][8]uint32
	requests    []sdo.Request
	nmtState    uint8
	homed       bool
	controlword uint16
	position    int32
	heartbeats  bool
	rx          sled.FrameListener
	connected   bool
	outbox      []sled.Frame
	signal      chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
}

// Create a simulated drive, channel holds the node id (1 if empty)
func NewSimBus(channel string, bitrate int) (sled.Bus, error) {
	nodeId := DefaultNodeId
	if channel != "" {
		id, err := strconv.Atoi(channel)
		if err != nil || id < 1 || id > 127 {
			return nil, sled.ErrIllegalArgument
		}
		nodeId = id
	}
	return NewDrive(uint8(nodeId)), nil
}

func NewDrive(nodeId uint8) *Drive {
	drive := &Drive{
		nodeId:     nodeId,
		objects:    make(map[key]uint32),
		aborts:     make(map[key]sdo.Abort),
		silent:     make(map[key]bool),
		tasks:      make(map[uint32][8]uint32),
		nmtState:   nmt.StateInitializing,
		heartbeats: true,
	}
	drive.objects[key{IndexHeartbeatTime, 0}] = uint32(DefaultHeartbeatPeriod / time.Millisecond)
	drive.objects[key{IndexModesDisplay, 0}] = 0
	return drive
}

// Set a dictionary value
func (d *Drive) Set(index uint16, subindex uint8, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key{index, subindex}] = value
}

// Read back a dictionary value
func (d *Drive) Get(index uint16, subindex uint8) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.objects[key{index, subindex}]
	return value, ok
}

// Answer every access to index:subindex with an abort, a zero code removes it
func (d *Drive) SetAbort(index uint16, subindex uint8, code sdo.Abort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == 0 {
		delete(d.aborts, key{index, subindex})
		return
	}
	d.aborts[key{index, subindex}] = code
}

// Never answer accesses to index:subindex
func (d *Drive) SetSilent(index uint16, subindex uint8, silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[key{index, subindex}] = silent
}

func (d *Drive) SetHomed(homed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.homed = homed
}

// Stop or resume heartbeat production, used to trip the host watchdog
func (d *Drive) SetHeartbeats(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeats = enabled
}

// SDO requests received so far
func (d *Drive) Requests() []sdo.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sdo.Request(nil), d.requests...)
}

func (d *Drive) NmtState() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nmtState
}

func (d *Drive) Position() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Motion task stored under a profile number by a copy-out
func (d *Drive) Task(number uint32) ([8]uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[number]
	return task, ok
}

// "Connect" implementation of Bus interface, the drive boots up
func (d *Drive) Connect(...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	d.connected = true
	d.signal = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	d.nmtState = nmt.StateInitializing
	d.emit(d.heartbeatFrame())
	d.nmtState = nmt.StatePreOperational
	d.wg.Add(2)
	go d.deliver(d.signal, d.stop)
	go d.produceHeartbeats(d.stop)
	return nil
}

// "Disconnect" implementation of Bus interface
func (d *Drive) Disconnect() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	close(d.stop)
	d.outbox = nil
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Simulate a lost link, the listener is told that reception stopped
func (d *Drive) DropLink(err error) {
	d.mu.Lock()
	rx := d.rx
	d.mu.Unlock()
	_ = d.Disconnect()
	if listener, ok := rx.(sled.LinkListener); ok {
		listener.LinkClosed(err)
	}
}

// "Subscribe" implementation of Bus interface
func (d *Drive) Subscribe(rxCallback sled.FrameListener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = rxCallback
	return nil
}

// "Send" implementation of Bus interface, the frame is processed immediately
// and answers are delivered later from the drive's goroutine
func (d *Drive) Send(frame sled.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return sled.ErrLinkClosed
	}
	switch {
	case frame.ID == nmt.ServiceId && frame.DLC >= 2:
		d.handleNMT(nmt.Command(frame.Data[0]), frame.Data[1])
	case frame.ID == sdo.ClientBaseId+uint32(d.nodeId):
		d.handleSDO(frame)
	}
	return nil
}

// Queue a frame for delivery, called with mu held
func (d *Drive) emit(frame sled.Frame) {
	d.outbox = append(d.outbox, frame)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Drive) deliver(signal chan struct{}, stop chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-signal:
		}
		for {
			d.mu.Lock()
			if len(d.outbox) == 0 || !d.connected {
				d.mu.Unlock()
				break
			}
			frame := d.outbox[0]
			d.outbox = d.outbox[1:]
			rx := d.rx
			d.mu.Unlock()
			if rx != nil {
				rx.Handle(frame)
			}
		}
	}
}

func (d *Drive) heartbeatPeriod() time.Duration {
	period := time.Duration(d.objects[key{IndexHeartbeatTime, 0}]) * time.Millisecond
	if period <= 0 {
		return DefaultHeartbeatPeriod
	}
	return period
}

func (d *Drive) produceHeartbeats(stop chan struct{}) {
	defer d.wg.Done()
	d.mu.Lock()
	period := d.heartbeatPeriod()
	d.mu.Unlock()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		if d.heartbeats && d.objects[key{IndexHeartbeatTime, 0}] != 0 {
			d.emit(d.heartbeatFrame())
		}
		if p := d.heartbeatPeriod(); p != period {
			period = p
			ticker.Reset(period)
		}
		d.mu.Unlock()
	}
}

func (d *Drive) heartbeatFrame() sled.Frame {
	frame := sled.NewFrame(sled.CobId(0x0E, d.nodeId), 0, 1)
	frame.Data[0] = d.nmtState
	return frame
}

func (d *Drive) handleNMT(command nmt.Command, target uint8) {
	if target != 0 && target != d.nodeId {
		return
	}
	log.Debugf("[SIM] node x%x nmt command %v", d.nodeId, command)
	switch command {
	case nmt.CommandEnterOperational:
		d.nmtState = nmt.StateOperational
	case nmt.CommandEnterStopped:
		d.nmtState = nmt.StateStopped
	case nmt.CommandEnterPreOperational:
		d.nmtState = nmt.StatePreOperational
	case nmt.CommandResetNode, nmt.CommandResetCommunication:
		d.nmtState = nmt.StateInitializing
		d.emit(d.heartbeatFrame())
		d.nmtState = nmt.StatePreOperational
		return
	default:
		return
	}
	d.emit(d.heartbeatFrame())
}

func (d *Drive) handleSDO(frame sled.Frame) {
	_, req, err := sdo.DecodeRequest(frame)
	if err != nil {
		index := binary.LittleEndian.Uint16(frame.Data[1:3])
		d.emit(sdo.AbortFrame(d.nodeId, index, frame.Data[3], sdo.AbortCmd))
		return
	}
	d.requests = append(d.requests, req)
	k := key{req.Index, req.Subindex}
	// No SDO server in stopped state
	if d.nmtState == nmt.StateStopped || d.silent[k] {
		return
	}
	if code, ok := d.aborts[k]; ok {
		d.emit(sdo.AbortFrame(d.nodeId, req.Index, req.Subindex, code))
		return
	}
	if req.Op == sdo.OpRead {
		value, size, ok := d.read(k)
		if !ok {
			d.emit(sdo.AbortFrame(d.nodeId, req.Index, req.Subindex, sdo.AbortNotExist))
			return
		}
		d.emit(sdo.ReadResponseFrame(d.nodeId, req.Index, req.Subindex, value, size))
		return
	}
	d.objects[k] = req.Value
	d.emit(sdo.WriteAckFrame(d.nodeId, req.Index, req.Subindex))
	d.written(req)
}

func (d *Drive) read(k key) (uint32, uint8, bool) {
	switch k.index {
	case IndexStatusword:
		return uint32(d.statusword()), 2, true
	case IndexPositionActual:
		return uint32(d.position), 4, true
	case IndexModesDisplay:
		return d.objects[k], 1, true
	}
	value, ok := d.objects[k]
	return value, 4, ok
}

func (d *Drive) mode() uint32 {
	return d.objects[key{IndexModesDisplay, 0}]
}

func (d *Drive) statusword() uint16 {
	status := statusOperationEnabled
	if d.mode() == modeProfilePosition {
		// Target reached whenever no set-point is being followed
		status |= statusTargetReached
	} else if d.homed {
		status |= statusTargetReached | statusBit12
	}
	return status
}

// Side effects of dictionary writes
func (d *Drive) written(req sdo.Request) {
	switch {
	case req.Index == IndexModesOfOperation:
		d.objects[key{IndexModesDisplay, 0}] = req.Value
	case req.Index == IndexCopyMotionTask:
		d.copyMotionTask(req.Value)
	case req.Index == IndexControlword:
		previous := d.controlword
		d.controlword = uint16(req.Value)
		risingStart := d.controlword&0x10 != 0 && previous&0x10 == 0
		if !risingStart {
			return
		}
		switch d.mode() {
		case modeHoming:
			d.homed = true
			d.position = 0
			d.tpdo(d.statusword())
		case modeProfilePosition:
			d.move()
		}
	}
}

// Low word loads a stored task into the working registers,
// high word stores the working registers as a task
func (d *Drive) copyMotionTask(value uint32) {
	if in := value & 0xFFFF; in != 0 {
		task := d.tasks[in]
		for i := range task {
			d.objects[key{IndexMotionTaskFirst + uint16(i), 1}] = task[i]
		}
	}
	if out := value >> 16; out != 0 {
		var task [8]uint32
		for i := range task {
			task[i] = d.objects[key{IndexMotionTaskFirst + uint16(i), 1}]
		}
		d.tasks[out] = task
	}
}

// Run the working motion task and its chain to completion
func (d *Drive) move() {
	task := d.objects[key{IndexMotionTaskFirst, 1}]
	control := d.objects[key{IndexMotionTaskFirst + 2, 1}]
	seen := map[uint32]bool{}
	for {
		target := int32(task)
		if control&0x0001 != 0 {
			// Both relative modes are taken from the actual position here
			target += d.position
		}
		d.position = target
		next := d.objects[key{IndexMotionTaskFirst + 6, 1}]
		if control&0x0008 == 0 || next == 0 || seen[next] {
			break
		}
		seen[next] = true
		stored, ok := d.tasks[next]
		if !ok {
			break
		}
		for i := range stored {
			d.objects[key{IndexMotionTaskFirst + uint16(i), 1}] = stored[i]
		}
		task, control = stored[0], stored[2]
	}
	d.tpdo(d.statusword() &^ statusTargetReached)
	d.tpdo(d.statusword())
}

// TPDO1 mapping statusword and actual position, only sent when operational
func (d *Drive) tpdo(status uint16) {
	if d.nmtState != nmt.StateOperational {
		return
	}
	frame := sled.NewFrame(sled.CobId(0x03, d.nodeId), 0, 6)
	binary.LittleEndian.PutUint16(frame.Data[0:2], status)
	binary.LittleEndian.PutUint32(frame.Data[2:6], uint32(d.position))
	d.emit(frame)
}
