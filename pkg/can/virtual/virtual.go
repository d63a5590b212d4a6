package virtual

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	sled "github.com/sledlab/gosled"
	can "github.com/sledlab/gosled/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const (
	frameSize    = 14 // id(4) flags(1) dlc(1) data(8)
	dialTimeout  = 2 * time.Second
	writeTimeout = 10 * time.Millisecond
)

var ErrNotConnected = errors.New("no active connection to virtual can broker")

type Bus struct {
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	listener   sled.FrameListener
	closing    bool
	wg         sync.WaitGroup
}

func NewVirtualCanBus(channel string, bitrate int) (sled.Bus, error) {
	return &Bus{channel: channel}, nil
}

// Broker wire format : big endian length header followed by the frame fields
func encodeFrame(frame sled.Frame) []byte {
	raw := make([]byte, 4+frameSize)
	binary.BigEndian.PutUint32(raw[0:4], frameSize)
	binary.BigEndian.PutUint32(raw[4:8], frame.ID)
	raw[8] = frame.Flags
	raw[9] = frame.DLC
	copy(raw[10:], frame.Data[:])
	return raw
}

func decodeFrame(body []byte) (sled.Frame, error) {
	var frame sled.Frame
	if len(body) != frameSize {
		return frame, fmt.Errorf("virtual frame of %d bytes, expected %d", len(body), frameSize)
	}
	frame.ID = binary.BigEndian.Uint32(body[0:4])
	frame.Flags = body[4]
	frame.DLC = body[5]
	copy(frame.Data[:], body[6:])
	return frame, frame.Validate()
}

// Read one frame, blocking until it is complete or the connection fails
func readFrame(r io.Reader) (sled.Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return sled.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > 64 {
		return sled.Frame{}, fmt.Errorf("virtual frame length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return sled.Frame{}, err
	}
	return decodeFrame(body)
}

// "Connect" to broker e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", b.channel, dialTimeout)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.conn = conn
	b.closing = false
	b.wg.Add(1)
	go b.handleReception(conn)
	return nil
}

// "Disconnect" from broker, reception stops before returning
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.closing = true
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame sled.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	listener := b.listener
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	if receiveOwn && listener != nil {
		listener.Handle(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(encodeFrame(frame))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(listener sled.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) handleReception(conn net.Conn) {
	defer b.wg.Done()
	for {
		frame, err := readFrame(conn)
		b.mu.Lock()
		listener := b.listener
		closing := b.closing
		b.mu.Unlock()
		if err != nil {
			if closing {
				return
			}
			log.Errorf("[CAN] virtual listening routine has closed because : %v", err)
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.mu.Unlock()
			conn.Close()
			if l, ok := listener.(sled.LinkListener); ok {
				l.LinkClosed(err)
			}
			return
		}
		if listener != nil {
			listener.Handle(frame)
		}
	}
}

// Deliver sent frames to the local listener as well
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
