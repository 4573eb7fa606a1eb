// Package serialport implements scale.Transport on top of go.bug.st/serial.
package serialport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

const (
	readBufferSize = 1024
	// defaultFrameGap is how long Read keeps collecting once the first
	// bytes of a reply have arrived.
	defaultFrameGap = 20 * time.Millisecond
)

var errClosed = errors.New("port not open")

// Transport opens serial ports. The zero value is not usable; call New.
type Transport struct {
	open     func(name string, mode *serial.Mode) (serial.Port, error)
	list     func() ([]*enumerator.PortDetails, error)
	frameGap time.Duration
}

type Option func(*Transport)

// WithFrameGap sets the inter-byte gap that ends a reply.
func WithFrameGap(d time.Duration) Option {
	return func(t *Transport) { t.frameGap = d }
}

// WithOpener replaces serial.Open.
func WithOpener(open func(name string, mode *serial.Mode) (serial.Port, error)) Option {
	return func(t *Transport) { t.open = open }
}

// WithLister replaces the enumerator used to list and resolve devices.
func WithLister(list func() ([]*enumerator.PortDetails, error)) Option {
	return func(t *Transport) { t.list = list }
}

func New(opts ...Option) *Transport {
	t := &Transport{
		open:     serial.Open,
		list:     enumerator.GetDetailedPortsList,
		frameGap: defaultFrameGap,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open resolves device to a port name and opens it with params.
func (t *Transport) Open(device string, params scale.SerialParams) (scale.Session, error) {
	name, err := t.Resolve(device)
	if err != nil {
		return nil, err
	}

	mode, err := modeFor(params)
	if err != nil {
		return nil, err
	}

	port, err := t.open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	return &session{port: port, name: name, frameGap: t.frameGap}, nil
}

func modeFor(p scale.SerialParams) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
	}

	switch p.Parity {
	case scale.ParityNone, "":
		mode.Parity = serial.NoParity
	case scale.ParityEven:
		mode.Parity = serial.EvenParity
	case scale.ParityOdd:
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", p.Parity)
	}

	switch p.StopBits {
	case scale.StopBitsOne, "":
		mode.StopBits = serial.OneStopBit
	case scale.StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case scale.StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %q", p.StopBits)
	}

	return mode, nil
}

type session struct {
	port     serial.Port
	name     string
	frameGap time.Duration

	mu     sync.Mutex
	closed bool
}

// Send drops unread input before writing, so the next Read returns the
// reply to this command.
func (s *session) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input %s: %w", s.name, err)
	}
	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	return nil
}

// Read waits up to timeout for a reply, then keeps collecting until the
// line is quiet for the frame gap. Nothing received is an empty slice.
func (s *session) Read(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set timeout %s: %w", s.name, err)
	}

	buf := make([]byte, readBufferSize)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	if n == 0 || s.frameGap <= 0 {
		return buf[:n], nil
	}

	if err := s.port.SetReadTimeout(s.frameGap); err != nil {
		return buf[:n], nil
	}
	for n < len(buf) {
		m, err := s.port.Read(buf[n:])
		if err != nil || m == 0 {
			break
		}
		n += m
	}
	return buf[:n], nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.port.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}
