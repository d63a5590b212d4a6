// Package controller runs the sled control stack in a single reactor goroutine.
//
// Received frames, timer ticks and API calls are serialized on one inbox.
// Events raised by state machine actions are queued and handled once the
// current entry point returns, so no machine ever handles an event from
// within one of its own callbacks.
package controller

import (
	"context"
	"errors"
	"time"

	sled "github.com/sledlab/gosled"
	can "github.com/sledlab/gosled/pkg/can"
	"github.com/sledlab/gosled/pkg/config"
	"github.com/sledlab/gosled/pkg/dispatch"
	"github.com/sledlab/gosled/pkg/heartbeat"
	"github.com/sledlab/gosled/pkg/machines"
	"github.com/sledlab/gosled/pkg/nmt"
	"github.com/sledlab/gosled/pkg/profile"
	"github.com/sledlab/gosled/pkg/sdo"
	"github.com/sledlab/gosled/pkg/status"
	log "github.com/sirupsen/logrus"
)

const inboxSize = 1024

var (
	ErrStopped         = errors.New("controller is not running")
	ErrNodeUnavailable = errors.New("remote node does not accept sdo requests")
)

// Receives state changes, implemented by [status.Publisher]
type StatusSink interface {
	Set(field string, value string) bool
}

type Controller struct {
	config       *config.Config
	nodeId       uint8
	bm           *sled.BusManager
	dispatcher   *dispatch.Dispatcher
	client       *sdo.Client
	consumer     *heartbeat.Consumer
	intf         *machines.Interface
	network      *machines.Network
	motion       *machines.Motion
	profiles     *profile.Table
	configurator *config.NodeConfigurator
	status       StatusSink

	inbox       chan func()
	done        chan struct{}
	events      []func()
	epoch       uint32
	wantOpen    bool
	reconnectIn time.Duration
}

// Create a controller for the configured node.
// A nil bus is created from the [bus] section of the configuration,
// a nil sink disables the state mirror.
func New(cfg *config.Config, bus sled.Bus, sink StatusSink) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if bus == nil {
		var err error
		bus, err = can.NewBus(cfg.Bus.Interface, cfg.Bus.Channel, cfg.Bus.Bitrate)
		if err != nil {
			return nil, err
		}
	}
	c := &Controller{
		config:     cfg,
		nodeId:     cfg.Bus.NodeId,
		bm:         sled.NewBusManager(bus),
		dispatcher: dispatch.New(),
		consumer:   heartbeat.NewConsumer(cfg.Bus.NodeId, cfg.Network.WatchdogTimeout),
		status:     sink,
		inbox:      make(chan func(), inboxSize),
		done:       make(chan struct{}),
	}
	c.client = sdo.NewClient(c.bm, c.nodeId, cfg.SDO.Timeout, cfg.SDO.QueueSize)
	c.client.OnTransportError = c.transportError
	c.configurator = config.NewNodeConfigurator(c.client)
	c.profiles = profile.NewTable(c.client, profile.Config{
		MaxProfiles:  cfg.Profiles.MaxProfiles,
		BaseNumber:   cfg.Profiles.BaseNumber,
		DefaultTable: cfg.Profiles.DefaultTable,
	})

	var err error
	if c.intf, err = machines.NewInterface(interfaceActions{c}); err != nil {
		return nil, err
	}
	if c.network, err = machines.NewNetwork(networkActions{c}); err != nil {
		return nil, err
	}
	c.motion, err = machines.NewMotion(c.client, c.postMotion, machines.MotionConfig{
		HomedIndex:     cfg.Motion.HomedIndex,
		HomedSubindex:  cfg.Motion.HomedSubindex,
		HomedMask:      cfg.Motion.HomedMask,
		StatuswordTPDO: cfg.Motion.StatuswordTPDO,
	})
	if err != nil {
		return nil, err
	}
	c.intf.OnTransition(func(from, to machines.IntfState, ev machines.IntfEvent) {
		c.publish(status.FieldInterface, string(to))
	})
	c.network.OnTransition(func(from, to machines.NetState, ev machines.NetEvent) {
		c.publish(status.FieldNetwork, string(to))
	})
	c.motion.OnTransition(func(from, to machines.MotionState, ev machines.MotionEvent) {
		c.publish(status.FieldMotion, string(to))
	})

	c.dispatcher.OnTPDO(c.motion.HandleTPDO)
	c.dispatcher.OnSDOResponse(c.client.HandleResponse)
	c.dispatcher.OnNMTState(c.nmtState)
	c.consumer.OnEvent(c.heartbeatEvent)
	c.bm.SetListeners(
		func(epoch uint32, frame sled.Frame) { c.enqueue(func() { c.handleFrame(epoch, frame) }) },
		func(epoch uint32, err error) { c.enqueue(func() { c.linkClosed(epoch, err) }) },
	)
	return c, nil
}

// Run the reactor until ctx is done. The link is closed on return.
func (c *Controller) Run(ctx context.Context) error {
	tick := c.config.Network.Tick
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	log.Infof("[CTRL] running for node x%x", c.nodeId)

	for {
		select {
		case <-ctx.Done():
			// Transport goroutines stop posting once done is closed
			close(c.done)
			c.shutdown()
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			c.process(elapsed)
		}
		c.drain()
	}
}

func (c *Controller) shutdown() {
	c.wantOpen = false
	if !c.intf.Is(machines.IntfClosed) {
		if err := c.bm.Disconnect(); err != nil {
			log.Warnf("[CTRL] disconnect : %v", err)
		}
	}
	c.client.Reset(ErrStopped)
	c.drain()
	log.Infof("[CTRL] stopped")
}

// Post fn to the reactor from any goroutine. Dropped once the reactor stopped.
func (c *Controller) enqueue(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// Run fn on the reactor and wait for it to return
func (c *Controller) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timers: sdo timeout, heartbeat watchdog and reconnection
func (c *Controller) process(elapsed time.Duration) {
	c.client.Process(elapsed)
	c.consumer.Process(elapsed)
	if c.wantOpen && c.intf.Is(machines.IntfClosed) {
		c.reconnectIn -= elapsed
		if c.reconnectIn <= 0 {
			log.Infof("[CTRL] reconnecting")
			c.postIntf(machines.EvOpenRequest)
		}
	}
}

// Handle deferred events until none is left
func (c *Controller) drain() {
	for len(c.events) > 0 {
		ev := c.events[0]
		c.events[0] = nil
		c.events = c.events[1:]
		ev()
	}
}

func (c *Controller) postIntf(ev machines.IntfEvent) {
	c.events = append(c.events, func() { _, _ = c.intf.HandleEvent(ev) })
}

func (c *Controller) postNetwork(ev machines.NetEvent) {
	c.events = append(c.events, func() { _, _ = c.network.HandleEvent(ev) })
}

func (c *Controller) postMotion(ev machines.MotionEvent) {
	c.events = append(c.events, func() { _, _ = c.motion.HandleEvent(ev) })
}

func (c *Controller) publish(field string, value string) {
	if c.status != nil {
		c.status.Set(field, value)
	}
}

func (c *Controller) handleFrame(epoch uint32, frame sled.Frame) {
	if epoch != c.epoch {
		log.Debugf("[CTRL] dropped frame x%x of link epoch %d (current %d)", frame.ID, epoch, c.epoch)
		return
	}
	if kind := dispatch.Classify(frame); kind != dispatch.KindIgnored && frame.NodeId() != c.nodeId {
		log.Tracef("[CTRL] dropped %v from node x%x", kind, frame.NodeId())
		return
	}
	c.dispatcher.Dispatch(frame)
}

func (c *Controller) linkClosed(epoch uint32, err error) {
	if epoch != c.epoch {
		return
	}
	log.Errorf("[CTRL] link lost : %v", err)
	c.postIntf(machines.EvClosedConfirmed)
}

func (c *Controller) transportError(err error) {
	if !c.intf.Is(machines.IntfOpen) {
		return
	}
	log.Errorf("[CTRL] transport failure, closing link : %v", err)
	c.postIntf(machines.EvCloseRequest)
}

func (c *Controller) nmtState(state uint8) {
	c.consumer.Feed(state)
	if ev, ok := machines.NetEventFromNMT(state); ok {
		c.postNetwork(ev)
	}
}

func (c *Controller) heartbeatEvent(event uint8, nodeId uint8, state uint8) {
	switch event {
	case heartbeat.EventTimeout:
		c.postNetwork(machines.EvWatchdogFailed)
	case heartbeat.EventBoot:
		// A rebooted node lost its configuration
		log.Warnf("[CTRL] node x%x booted", nodeId)
		c.postNetwork(machines.EvWatchdogFailed)
	}
}

type interfaceActions struct{ c *Controller }

func (a interfaceActions) Connect() {
	c := a.c
	epoch, err := c.bm.Connect()
	if err != nil {
		log.Errorf("[CTRL] connecting : %v", err)
		c.postIntf(machines.EvClosedConfirmed)
		return
	}
	c.epoch = epoch
	c.postIntf(machines.EvOpenedConfirmed)
}

func (a interfaceActions) Disconnect() {
	c := a.c
	if err := c.bm.Disconnect(); err != nil {
		log.Warnf("[CTRL] disconnecting : %v", err)
	}
	c.postIntf(machines.EvClosedConfirmed)
}

func (a interfaceActions) Opened() {
	c := a.c
	log.Infof("[CTRL] link open (epoch %d)", c.epoch)
	c.consumer.Start()
	c.postNetwork(machines.EvIntfOpened)
}

func (a interfaceActions) Closed() {
	c := a.c
	c.epoch = c.bm.Epoch()
	c.consumer.Stop()
	c.profiles.ResetStaged()
	// Leave the motion mode before pending continuations report their failure
	c.postMotion(machines.EvNetworkInoperational)
	c.postNetwork(machines.EvIntfClosed)
	c.client.Reset(sled.ErrLinkClosed)
	c.reconnectIn = c.config.Network.ReconnectInterval
	log.Infof("[CTRL] link closed")
}

type networkActions struct{ c *Controller }

func (a networkActions) SendNMT(command nmt.Command) {
	log.Infof("[NMT] sending %v to node x%x", command, a.c.nodeId)
	if err := a.c.bm.Send(nmt.NewCommandFrame(command, a.c.nodeId)); err != nil {
		a.c.transportError(err)
	}
}

func (a networkActions) UploadConfig() {
	c := a.c
	plan := c.config.UploadPlan()
	log.Infof("[CTRL] uploading %d configuration entries", len(plan))
	c.configurator.Upload(plan, func(err error) {
		if err != nil {
			log.Errorf("[CTRL] configuration upload failed : %v", err)
			c.postNetwork(machines.EvUploadFailed)
			return
		}
		c.postNetwork(machines.EvUploadComplete)
	})
}

func (a networkActions) SDOsEnabled() {}

func (a networkActions) SDOsDisabled() {
	a.c.profiles.ResetStaged()
	a.c.client.Reset(ErrNodeUnavailable)
}

func (a networkActions) EnterOperational() {
	a.c.postMotion(machines.EvNetworkOperational)
}

func (a networkActions) LeaveOperational() {
	a.c.postMotion(machines.EvNetworkInoperational)
}
