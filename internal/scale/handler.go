package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultSettleDelay  = 200 * time.Millisecond
	defaultPollInterval = 50 * time.Millisecond
	defaultPollTimeout  = 50 * time.Millisecond
)

// Observer is notified once per ReadWeight call.
type Observer interface {
	ObserveRead(brand Brand, attempts int, err error)
}

// Handler owns the session with one physical scale. All transport access
// goes through mu, so reads and retries on a device never overlap.
type Handler struct {
	brand        Brand
	transport    Transport
	logger       logrus.FieldLogger
	observer     Observer
	policy       Policy
	settleDelay  time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu      sync.Mutex
	parser  Parser
	session Session
	device  string
	timeout time.Duration
	retries int

	connected atomic.Bool
}

type Option func(*Handler)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

func WithPolicy(p Policy) Option {
	return func(h *Handler) { h.policy = p }
}

// WithSettleDelay sets the wait between sending a command and reading
// the reply in ReadWeight.
func WithSettleDelay(d time.Duration) Option {
	return func(h *Handler) { h.settleDelay = d }
}

// WithPolling sets the settle delay and read timeout used by Monitor.
func WithPolling(interval, timeout time.Duration) Option {
	return func(h *Handler) {
		h.pollInterval = interval
		h.pollTimeout = timeout
	}
}

func (h *Handler) Brand() Brand { return h.brand }

func (h *Handler) Model() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parser.Model()
}

// Device returns the identity the handler was connected with.
func (h *Handler) Device() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

func (h *Handler) Connected() bool { return h.connected.Load() }

// Connect opens the transport session. It is a no-op on a connected
// handler.
func (h *Handler) Connect(ctx context.Context, device string, cfg ConnectionConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connected.Load() {
		return nil
	}

	params, timeout, retries, err := h.policy.Resolve(cfg)
	if err != nil {
		return err
	}

	session, err := h.transport.Open(device, params)
	if err != nil {
		return asSerialError(err)
	}

	h.session = session
	h.device = device
	h.timeout = timeout
	h.retries = retries

	if cfg.DetectModel && h.brand == BrandUrano {
		h.parser = h.parser.withModel(h.detectUranoModel(ctx))
		h.logger = h.logger.WithField("model", h.parser.Model())
	}

	h.connected.Store(true)
	h.logger.WithFields(logrus.Fields{
		"device":  device,
		"model":   h.parser.Model(),
		"timeout": timeout,
		"retries": retries,
	}).Info("scale connected")

	return nil
}

// Disconnect closes the session. It waits for an in-flight read to finish
// and is a no-op on a disconnected handler.
func (h *Handler) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connected.Store(false)
	if h.session == nil {
		return nil
	}

	err := h.session.Close()
	h.session = nil
	h.logger.WithField("device", h.device).Info("scale disconnected")

	if err != nil {
		return asSerialError(err)
	}
	return nil
}

// ReadWeight reads one weight, making at most retries+1 attempts. Only
// unstable readings and timeouts are retried; the last failure is
// returned once attempts run out. timeout <= 0 uses the configured one.
func (h *Handler) ReadWeight(ctx context.Context, timeout time.Duration) (Weight, error) {
	return h.read(ctx, timeout, h.settleDelay)
}

func (h *Handler) read(ctx context.Context, timeout, settle time.Duration) (Weight, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected.Load() || h.session == nil {
		return Weight{}, newError(KindSerialConnection, "not connected", nil)
	}
	if timeout <= 0 {
		timeout = h.timeout
	}

	attempts := h.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		w, err := h.attempt(ctx, timeout, settle)
		if err == nil {
			h.observe(attempt, nil)
			return w, nil
		}
		lastErr = err

		var se *Error
		if !errors.As(err, &se) || !se.Retryable() {
			h.observe(attempt, err)
			return Weight{}, err
		}

		h.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      attempts,
			"kind":    se.Kind,
		}).Debug("read attempt failed")
	}

	h.observe(attempts, lastErr)
	return Weight{}, lastErr
}

func (h *Handler) attempt(ctx context.Context, timeout, settle time.Duration) (Weight, error) {
	if cmd := h.parser.Command(); cmd != nil {
		if err := h.session.Send(cmd); err != nil {
			return Weight{}, asSerialError(err)
		}
		h.logger.WithField("tx", fmt.Sprintf("% X", cmd)).Debug("command sent")
	}

	if err := sleep(ctx, settle); err != nil {
		return Weight{}, err
	}

	raw, err := h.session.Read(timeout)
	if err != nil {
		return Weight{}, asSerialError(err)
	}
	h.logger.WithField("rx", fmt.Sprintf("%q", raw)).Debug("response received")

	if len(raw) == 0 {
		return Weight{}, newError(KindTimeout, "no response received", nil)
	}
	return h.parser.Parse(raw)
}

// detectUranoModel probes with EOT first (any reply means uranoudc), then
// with ENQ, picking the dialect by weight marker. Caller holds mu.
func (h *Handler) detectUranoModel(ctx context.Context) string {
	fallback := h.parser.Model()

	probe := func(cmd byte) []byte {
		if err := h.session.Send([]byte{cmd}); err != nil {
			h.logger.WithError(err).Warn("model probe send failed")
			return nil
		}
		if err := sleep(ctx, h.settleDelay); err != nil {
			return nil
		}
		reply, err := h.session.Read(h.timeout)
		if err != nil {
			h.logger.WithError(err).Warn("model probe read failed")
			return nil
		}
		return reply
	}

	model := ModelUranoUDC
	if reply := probe(EOT); len(reply) == 0 {
		model = uranoModelFromReply(probe(ENQ), fallback)
	}
	h.logger.WithFields(logrus.Fields{"detected": model, "configured": fallback}).Info("urano model detected")
	return model
}

func (h *Handler) observe(attempts int, err error) {
	if h.observer != nil {
		h.observer.ObserveRead(h.brand, attempts, err)
	}
}

func asSerialError(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return newError(KindSerialConnection, err.Error(), nil)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
