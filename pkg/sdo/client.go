package sdo

import (
	"fmt"
	"time"

	sled "github.com/sledlab/gosled"
	log "github.com/sirupsen/logrus"
)

// Frame sink used by the client, usually a [sled.BusManager]
type Sender interface {
	Send(frame sled.Frame) error
}

// Transaction identifier, the upper 32 bits hold the client generation
// so that identifiers are never reused across a [Client.Reset].
type TxID uint64

func (id TxID) Generation() uint32 {
	return uint32(id >> 32)
}

func (id TxID) String() string {
	return fmt.Sprintf("%d/%d", id.Generation(), uint32(id))
}

type transaction struct {
	id      TxID
	req     Request
	elapsed time.Duration
}

// Expedited SDO client for a single remote node.
// At most one transaction is in flight, further requests are queued and
// transmitted in submission order once the previous one resolved.
// The client is not safe for concurrent use, it is driven by a single reactor.
type Client struct {
	bus        Sender
	nodeId     uint8
	timeout    time.Duration
	capacity   int
	generation uint32
	seq        uint32
	pending    *transaction
	queue      []*transaction
	flushing   bool
	// Resolutions waiting to be delivered, in resolution order
	results    []func()
	delivering bool

	// Called when a request could not be transmitted
	OnTransportError func(err error)
}

// Create a new client, a zero timeout disables transaction timeouts
// and a capacity <= 0 selects [DefaultQueueSize].
func NewClient(bus Sender, nodeId uint8, timeout time.Duration, capacity int) *Client {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Client{bus: bus, nodeId: nodeId, timeout: timeout, capacity: capacity}
}

func (c *Client) NodeId() uint8 {
	return c.nodeId
}

func (c *Client) Generation() uint32 {
	return c.generation
}

// Identifier of the in-flight transaction if any
func (c *Client) Pending() (TxID, bool) {
	if c.pending == nil {
		return 0, false
	}
	return c.pending.id, true
}

// Number of requests waiting behind the in-flight transaction
func (c *Client) Queued() int {
	return len(c.queue)
}

// Submit a request. It is transmitted right away if nothing is in flight.
func (c *Client) Submit(req Request) (TxID, error) {
	if req.Op == OpWrite {
		if _, err := WriteCommand(req.Size); err != nil {
			return 0, err
		}
	} else if req.Op != OpRead {
		return 0, sled.ErrIllegalArgument
	}
	if len(c.queue) >= c.capacity {
		log.Errorf("[SDO] queue full (%d), rejecting %v x%x:x%x", c.capacity, req.Op, req.Index, req.Subindex)
		return 0, ErrQueueFull
	}
	c.seq++
	tx := &transaction{id: TxID(uint64(c.generation)<<32 | uint64(c.seq)), req: req}
	c.queue = append(c.queue, tx)
	c.transmitNext()
	c.deliver()
	return tx.id, nil
}

// Queue an expedited read
func (c *Client) Read(index uint16, subindex uint8, onRead func(uint16, uint8, uint32), onFailure func(uint16, uint8, error)) (TxID, error) {
	return c.Submit(Request{Index: index, Subindex: subindex, Op: OpRead, OnRead: onRead, OnFailure: onFailure})
}

// Queue an expedited write of size bytes
func (c *Client) Write(index uint16, subindex uint8, value uint32, size uint8, onWritten func(uint16, uint8), onFailure func(uint16, uint8, error)) (TxID, error) {
	return c.Submit(Request{Index: index, Subindex: subindex, Op: OpWrite, Value: value, Size: size, OnWritten: onWritten, OnFailure: onFailure})
}

// Transmit queued requests until one is in flight or the queue is empty.
// Send failures are only recorded, see [Client.deliver].
func (c *Client) transmitNext() {
	if c.flushing {
		return
	}
	c.flushing = true
	defer func() { c.flushing = false }()
	for c.pending == nil && len(c.queue) > 0 {
		tx := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		frame, err := EncodeRequest(c.nodeId, tx.req)
		if err == nil {
			c.pending = tx
			err = c.bus.Send(frame)
			if err == nil {
				log.Debugf("[SDO][TX][%v] %v x%x:x%x | %x", tx.id, tx.req.Op, tx.req.Index, tx.req.Subindex, frame.Data)
				continue
			}
			c.pending = nil
		}
		log.Errorf("[SDO][TX][%v] failed to send %v x%x:x%x : %v", tx.id, tx.req.Op, tx.req.Index, tx.req.Subindex, err)
		if c.OnTransportError != nil {
			c.OnTransportError(err)
		}
		c.fail(tx, err)
	}
}

func (c *Client) resolved(fn func()) {
	c.results = append(c.results, fn)
}

func (c *Client) fail(tx *transaction, err error) {
	c.resolved(func() {
		if tx.req.OnFailure != nil {
			tx.req.OnFailure(tx.req.Index, tx.req.Subindex, err)
		}
	})
}

// Run the continuations of resolved transactions in order. Continuations
// may submit or resolve further transactions, those are run by the
// outermost call once the current continuation returned.
func (c *Client) deliver() {
	if c.delivering {
		return
	}
	c.delivering = true
	defer func() { c.delivering = false }()
	for len(c.results) > 0 {
		fn := c.results[0]
		c.results[0] = nil
		c.results = c.results[1:]
		fn()
	}
}

// Handle the payload of an SDO server response frame.
// Unexpected or malformed responses are logged and dropped.
func (c *Client) HandleResponse(data [8]byte) {
	resp, err := DecodeResponse(data)
	if err != nil {
		log.Warnf("[SDO][RX] dropped response %x : %v", data, err)
		return
	}
	tx := c.pending
	if tx == nil {
		log.Warnf("[SDO][RX] dropped response x%x:x%x : %v", resp.Index, resp.Subindex, ErrNoTransaction)
		return
	}
	// Some servers abort without echoing the multiplexer
	anonymousAbort := resp.Kind == ResponseAbort && resp.Index == 0 && resp.Subindex == 0
	if !anonymousAbort && (resp.Index != tx.req.Index || resp.Subindex != tx.req.Subindex) {
		log.Warnf("[SDO][RX][%v] dropped response x%x:x%x, expected x%x:x%x : %v",
			tx.id, resp.Index, resp.Subindex, tx.req.Index, tx.req.Subindex, ErrMismatch)
		return
	}
	switch {
	case resp.Kind == ResponseWriteAck && tx.req.Op != OpWrite,
		resp.Kind == ResponseRead && tx.req.Op != OpRead:
		log.Warnf("[SDO][RX][%v] dropped response x%x for %v x%x:x%x", tx.id, data[0], tx.req.Op, tx.req.Index, tx.req.Subindex)
		return
	}

	c.pending = nil
	req := tx.req
	switch resp.Kind {
	case ResponseWriteAck:
		log.Debugf("[SDO][RX][%v] write x%x:x%x acknowledged", tx.id, req.Index, req.Subindex)
		c.resolved(func() {
			if req.OnWritten != nil {
				req.OnWritten(req.Index, req.Subindex)
			}
		})
	case ResponseRead:
		log.Debugf("[SDO][RX][%v] read x%x:x%x = x%x", tx.id, req.Index, req.Subindex, resp.Value)
		c.resolved(func() {
			if req.OnRead != nil {
				req.OnRead(req.Index, req.Subindex, resp.Value)
			}
		})
	case ResponseAbort:
		abort := Abort(resp.Value)
		log.Errorf("[SDO][RX][%v] %v x%x:x%x aborted : %v", tx.id, req.Op, req.Index, req.Subindex, abort)
		c.fail(tx, abort)
	}
	// The next request leaves before the continuation runs
	c.transmitNext()
	c.deliver()
}

// Advance the in-flight transaction timer by elapsed.
// A transaction older than the timeout fails with [ErrTimeout].
func (c *Client) Process(elapsed time.Duration) {
	tx := c.pending
	if tx == nil || c.timeout <= 0 {
		return
	}
	tx.elapsed += elapsed
	if tx.elapsed < c.timeout {
		return
	}
	log.Warnf("[SDO][%v] %v x%x:x%x timed out after %v", tx.id, tx.req.Op, tx.req.Index, tx.req.Subindex, tx.elapsed)
	c.pending = nil
	c.fail(tx, ErrTimeout)
	c.transmitNext()
	c.deliver()
}

// Fail the in-flight and all queued transactions with reason, in submission order.
// Transactions submitted afterwards carry a new generation.
func (c *Client) Reset(reason error) {
	var dropped []*transaction
	if c.pending != nil {
		dropped = append(dropped, c.pending)
	}
	dropped = append(dropped, c.queue...)
	c.pending = nil
	c.queue = nil
	c.generation++
	c.seq = 0
	if len(dropped) > 0 {
		log.Infof("[SDO] reset, failing %d transaction(s) : %v", len(dropped), reason)
	}
	for _, tx := range dropped {
		c.fail(tx, reason)
	}
	c.deliver()
}
