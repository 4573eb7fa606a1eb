package scale

import (
	"context"
	"errors"
	"iter"
)

// MonitorPolicy decides what a read failure does to a running monitor.
type MonitorPolicy int

const (
	// MonitorContinue yields the failure as an element and keeps polling.
	MonitorContinue MonitorPolicy = iota
	// MonitorStop ends the sequence; the failure is available from Err.
	MonitorStop
)

// ParseMonitorPolicy maps "continue" and "stop"; anything else is
// MonitorContinue.
func ParseMonitorPolicy(s string) MonitorPolicy {
	if s == "stop" {
		return MonitorStop
	}
	return MonitorContinue
}

// Result is one element of a monitor sequence.
type Result struct {
	Weight Weight
	Err    error
}

// Monitor is a pull-based sequence of readings from one handler. Each Next
// call performs one blocking read cycle. The sequence ends when the
// handler disconnects, ctx is done, or a failure occurs under MonitorStop,
// and it cannot be restarted; call Handler.Monitor for a fresh one.
type Monitor struct {
	h      *Handler
	policy MonitorPolicy
	result Result
	err    error
	done   bool
}

// Monitor starts a new monitoring sequence.
func (h *Handler) Monitor(policy MonitorPolicy) *Monitor {
	return &Monitor{h: h, policy: policy}
}

// Next reads the next element. It reports false once the sequence is
// over.
func (m *Monitor) Next(ctx context.Context) bool {
	if m.done {
		return false
	}
	if ctx.Err() != nil || !m.h.Connected() {
		m.done = true
		return false
	}

	w, err := m.h.read(ctx, m.h.pollTimeout, m.h.pollInterval)
	if err == nil {
		m.result = Result{Weight: w}
		return true
	}

	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), !m.h.Connected():
		m.done = true
		return false
	case m.policy == MonitorStop:
		m.err = err
		m.done = true
		return false
	}

	m.result = Result{Err: err}
	return true
}

// Result returns the element read by the last successful Next.
func (m *Monitor) Result() Result { return m.result }

// Err returns the failure that ended the sequence under MonitorStop.
func (m *Monitor) Err() error { return m.err }

// All adapts the monitor to a range-over-func sequence.
func (m *Monitor) All(ctx context.Context) iter.Seq2[Weight, error] {
	return func(yield func(Weight, error) bool) {
		for m.Next(ctx) {
			r := m.Result()
			if !yield(r.Weight, r.Err) {
				return
			}
		}
	}
}
