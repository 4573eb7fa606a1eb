// Package scaletest provides a scripted in-memory scale.Transport.
package scaletest

import (
	"errors"
	"sync"
	"time"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

var errNotOpen = errors.New("port not open")

// Transport replays scripted replies. Each Read consumes the next reply;
// once the script is exhausted Read returns the fallback (empty by default,
// which the handler treats as a timeout).
type Transport struct {
	mu        sync.Mutex
	replies   [][]byte
	fallback  []byte
	openErr   error
	closeErr  error
	readDelay time.Duration

	opens  int
	reads  int
	closes int
	sent   [][]byte
	params []scale.SerialParams
	device []string
}

func New(replies ...string) *Transport {
	t := &Transport{}
	for _, r := range replies {
		t.replies = append(t.replies, []byte(r))
	}
	return t
}

// Push appends replies to the script.
func (t *Transport) Push(replies ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range replies {
		t.replies = append(t.replies, []byte(r))
	}
}

// SetFallback sets the reply returned once the script runs out.
func (t *Transport) SetFallback(reply string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = []byte(reply)
}

func (t *Transport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

func (t *Transport) FailClose(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

// SetReadDelay makes every Read block for d before returning.
func (t *Transport) SetReadDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readDelay = d
}

func (t *Transport) Open(device string, params scale.SerialParams) (scale.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.device = append(t.device, device)
	t.params = append(t.params, params)
	return &session{t: t}, nil
}

func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *Transport) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Sent returns every command written, in order.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// LastParams returns the parameters of the most recent Open.
func (t *Transport) LastParams() scale.SerialParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.params) == 0 {
		return scale.SerialParams{}
	}
	return t.params[len(t.params)-1]
}

type session struct {
	t      *Transport
	closed bool
}

func (s *session) Send(p []byte) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return errNotOpen
	}
	s.t.sent = append(s.t.sent, append([]byte(nil), p...))
	return nil
}

func (s *session) Read(time.Duration) ([]byte, error) {
	s.t.mu.Lock()
	delay := s.t.readDelay
	s.t.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return nil, errNotOpen
	}
	s.t.reads++
	if len(s.t.replies) == 0 {
		return append([]byte(nil), s.t.fallback...), nil
	}
	reply := s.t.replies[0]
	s.t.replies = s.t.replies[1:]
	return reply, nil
}

func (s *session) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.closed = true
	s.t.closes++
	return s.t.closeErr
}
