// Package slcan implements the Lawicel serial line CAN protocol used by
// USB-CAN adapters (CANable, CANUSB...).
package slcan

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	sled "github.com/sledlab/gosled"
	can "github.com/sledlab/gosled/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

const (
	DefaultBaudRate = 115200
	readTimeout     = 100 * time.Millisecond
)

var ErrBitrate = errors.New("unsupported slcan bitrate")
var ErrMalformed = errors.New("malformed slcan frame")

var bitrateCodes = map[int]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

type port interface {
	io.ReadWriteCloser
}

type Bus struct {
	mu         sync.Mutex
	portName   string
	bitrate    int
	port       port
	open       func(name string) (port, error)
	rxCallback sled.FrameListener
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewSlcanBus(channel string, bitrate int) (sled.Bus, error) {
	if _, ok := bitrateCodes[bitrate]; !ok {
		return nil, fmt.Errorf("%w : %v", ErrBitrate, bitrate)
	}
	return &Bus{portName: channel, bitrate: bitrate, open: openSerial}, nil
}

func openSerial(name string) (port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}
	p, err := b.open(b.portName)
	if err != nil {
		return fmt.Errorf("slcan: failed to open %s: %w", b.portName, err)
	}
	// Close any channel left open, then set bitrate and open
	setup := []string{"C", "S" + string(bitrateCodes[b.bitrate]), "O"}
	for _, cmd := range setup {
		if _, err := p.Write([]byte(cmd + "\r")); err != nil {
			p.Close()
			return fmt.Errorf("slcan: command %v failed: %w", cmd, err)
		}
	}
	b.port = p
	b.stop = make(chan struct{})
	log.Infof("[CAN] slcan opened %v at %v bit/s", b.portName, b.bitrate)
	b.wg.Add(1)
	go b.handleReception(p, b.stop)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	p := b.port
	if p == nil {
		b.mu.Unlock()
		return nil
	}
	close(b.stop)
	b.port = nil
	b.mu.Unlock()
	_, _ = p.Write([]byte("C\r"))
	err := p.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame sled.Frame) error {
	line, err := Encode(frame)
	if err != nil {
		return err
	}
	b.mu.Lock()
	p := b.port
	b.mu.Unlock()
	if p == nil {
		return sled.ErrLinkClosed
	}
	_, err = p.Write([]byte(line))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback sled.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

func (b *Bus) listener() sled.FrameListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxCallback
}

func (b *Bus) handleReception(p port, stop chan struct{}) {
	defer b.wg.Done()
	reader := bufio.NewReader(p)
	var line []byte
	for {
		select {
		case <-stop:
			return
		default:
		}
		c, err := reader.ReadByte()
		if err == io.EOF || err == io.ErrNoProgress {
			// Read timeouts on go.bug.st/serial return 0 bytes
			continue
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.Warnf("[CAN] slcan %v reception stopped : %v", b.portName, err)
			if l, ok := b.listener().(sled.LinkListener); ok {
				l.LinkClosed(err)
			}
			return
		}
		switch c {
		case '\r':
			if len(line) > 0 {
				b.handleLine(string(line))
			}
			line = line[:0]
		case '\a':
			log.Debugf("[CAN] slcan %v command rejected", b.portName)
			line = line[:0]
		default:
			line = append(line, c)
		}
	}
}

func (b *Bus) handleLine(line string) {
	switch line[0] {
	case 't', 'T', 'r', 'R':
	default:
		// Acknowledgements ("z", "Z") and status replies
		return
	}
	frame, err := Decode(line)
	if err != nil {
		log.Debugf("[CAN] slcan dropped %q : %v", line, err)
		return
	}
	if l := b.listener(); l != nil {
		l.Handle(frame)
	}
}

// Encode a frame to its slcan representation, terminated by a carriage return
func Encode(frame sled.Frame) (string, error) {
	if err := frame.Validate(); err != nil {
		return "", err
	}
	var kind byte
	var id string
	if frame.IsExtended() {
		kind = 'T'
		id = fmt.Sprintf("%08X", frame.ID&sled.CanEffMask)
	} else {
		kind = 't'
		id = fmt.Sprintf("%03X", frame.ID&sled.CanSffMask)
	}
	if frame.Flags&sled.FlagRemote != 0 {
		kind = 'r'
		if frame.IsExtended() {
			kind = 'R'
		}
		return fmt.Sprintf("%c%s%d\r", kind, id, frame.DLC), nil
	}
	data := fmt.Sprintf("%X", frame.Data[:frame.DLC])
	return fmt.Sprintf("%c%s%d%s\r", kind, id, frame.DLC, data), nil
}

// Decode a single slcan frame line, without the trailing carriage return
func Decode(line string) (sled.Frame, error) {
	var frame sled.Frame
	if len(line) < 1 {
		return frame, ErrMalformed
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		frame.Flags |= sled.FlagExtended
	case 'r':
		frame.Flags |= sled.FlagRemote
	case 'R':
		idLen = 8
		frame.Flags |= sled.FlagExtended | sled.FlagRemote
	default:
		return frame, ErrMalformed
	}
	if len(line) < 1+idLen+1 {
		return frame, ErrMalformed
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return frame, fmt.Errorf("%w : %v", ErrMalformed, err)
	}
	frame.ID = uint32(id)
	dlc := line[1+idLen] - '0'
	if dlc > 8 {
		return frame, ErrMalformed
	}
	frame.DLC = dlc
	if frame.Flags&sled.FlagRemote != 0 {
		return frame, nil
	}
	payload := line[2+idLen:]
	// Some adapters append a 4 digit timestamp
	if len(payload) != 2*int(dlc) && len(payload) != 2*int(dlc)+4 {
		return frame, ErrMalformed
	}
	if _, err := hex.Decode(frame.Data[:dlc], []byte(payload[:2*dlc])); err != nil {
		return frame, fmt.Errorf("%w : %v", ErrMalformed, err)
	}
	return frame, nil
}
