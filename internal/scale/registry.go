package scale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Events receives registry notifications. WeightUpdate is called from
// monitor goroutines and must not block for long.
type Events interface {
	DeviceConnected(device string, h *Handler)
	DeviceDisconnected(device string, h *Handler)
	WeightUpdate(device string, monitorID string, r Result)
}

type RegistryConfig struct {
	Transport Transport
	Logger    logrus.FieldLogger
	Events    Events

	// MonitorPolicy is handed to every monitor sequence.
	MonitorPolicy MonitorPolicy
	// RestartDelay is the pause before a monitor that ended with an error
	// is started again.
	RestartDelay time.Duration

	HandlerOptions []Option
}

// Registry maps device identities to their handler and active monitor.
// Monitoring is single-flight per device.
type Registry struct {
	cfg    RegistryConfig
	logger logrus.FieldLogger

	mu       sync.Mutex
	handlers map[string]*Handler
	monitors map[string]*monitorTask
}

type monitorTask struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultPollInterval
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]*Handler),
		monitors: make(map[string]*monitorTask),
	}
}

// Connect creates and connects a handler for device. A device that is
// already connected keeps its handler.
func (r *Registry) Connect(ctx context.Context, device string, cfg ConnectionConfig) (*Handler, error) {
	if h, ok := r.lookup(device); ok && h.Connected() {
		return h, nil
	}

	opts := append(append([]Option{}, r.cfg.HandlerOptions...), WithLogger(r.logger.WithField("device", device)))
	h, err := NewHandler(cfg.Brand, cfg.Model, r.cfg.Transport, opts...)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(ctx, device, cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.handlers[device]; ok && existing.Connected() {
		r.mu.Unlock()
		_ = h.Disconnect()
		return existing, nil
	}
	r.handlers[device] = h
	r.mu.Unlock()

	if r.cfg.Events != nil {
		r.cfg.Events.DeviceConnected(device, h)
	}
	return h, nil
}

// Handler returns the handler registered for device.
func (r *Registry) Handler(device string) (*Handler, error) {
	h, ok := r.lookup(device)
	if !ok {
		return nil, newError(KindInvalidScaleID, "unknown scale id: "+device, nil)
	}
	return h, nil
}

func (r *Registry) ReadWeight(ctx context.Context, device string) (Weight, error) {
	h, err := r.Handler(device)
	if err != nil {
		return Weight{}, err
	}
	return h.ReadWeight(ctx, 0)
}

// StartMonitoring starts the background monitor for device and returns
// its id. started is false when a monitor was already running.
func (r *Registry) StartMonitoring(device string) (id string, started bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[device]
	if !ok {
		return "", false, newError(KindInvalidScaleID, "unknown scale id: "+device, nil)
	}
	if task, running := r.monitors[device]; running {
		return task.id, false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &monitorTask{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.monitors[device] = task

	go r.runMonitor(ctx, device, h, task)

	r.logger.WithFields(logrus.Fields{"device": device, "monitor": task.id}).Info("monitoring started")
	return task.id, true, nil
}

// StopMonitoring cancels the monitor for device and waits for its loop to
// observe the cancellation. An in-flight read is allowed to finish.
func (r *Registry) StopMonitoring(device string) {
	r.mu.Lock()
	task, ok := r.monitors[device]
	delete(r.monitors, device)
	r.mu.Unlock()

	if !ok {
		return
	}
	task.cancel()
	<-task.done
	r.logger.WithFields(logrus.Fields{"device": device, "monitor": task.id}).Info("monitoring stopped")
}

// Disconnect stops the device's monitor, then closes its handler.
func (r *Registry) Disconnect(device string) error {
	r.mu.Lock()
	h, ok := r.handlers[device]
	delete(r.handlers, device)
	r.mu.Unlock()

	if !ok {
		return newError(KindInvalidScaleID, "unknown scale id: "+device, nil)
	}

	r.StopMonitoring(device)
	if r.cfg.Events != nil {
		r.cfg.Events.DeviceDisconnected(device, h)
	}
	return h.Disconnect()
}

// DisconnectAll cancels every monitor before closing every handler. A
// failing close does not stop the others; all failures are joined.
func (r *Registry) DisconnectAll() error {
	r.mu.Lock()
	handlers := r.handlers
	monitors := r.monitors
	r.handlers = make(map[string]*Handler)
	r.monitors = make(map[string]*monitorTask)
	r.mu.Unlock()

	for _, task := range monitors {
		task.cancel()
	}
	for _, task := range monitors {
		<-task.done
	}

	var errs []error
	for device, h := range handlers {
		if r.cfg.Events != nil {
			r.cfg.Events.DeviceDisconnected(device, h)
		}
		if err := h.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", device, err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the registered device identities, sorted.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]string, 0, len(r.handlers))
	for device := range r.handlers {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

func (r *Registry) ActiveMonitors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

func (r *Registry) Monitoring(device string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.monitors[device]
	return ok
}

func (r *Registry) lookup(device string) (*Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[device]
	return h, ok
}

func (r *Registry) runMonitor(ctx context.Context, device string, h *Handler, task *monitorTask) {
	defer close(task.done)
	defer func() {
		r.mu.Lock()
		if r.monitors[device] == task {
			delete(r.monitors, device)
		}
		r.mu.Unlock()
	}()

	for {
		m := h.Monitor(r.cfg.MonitorPolicy)
		for m.Next(ctx) {
			res := m.Result()
			r.emit(device, task.id, res)
			// A dead link fails without blocking; pace the error stream.
			if res.Err != nil && sleep(ctx, r.cfg.RestartDelay) != nil {
				return
			}
		}
		if ctx.Err() != nil || !h.Connected() {
			return
		}

		if err := m.Err(); err != nil {
			r.emit(device, task.id, Result{Err: err})
		}
		if err := sleep(ctx, r.cfg.RestartDelay); err != nil {
			return
		}
	}
}

func (r *Registry) emit(device, id string, res Result) {
	if r.cfg.Events != nil {
		r.cfg.Events.WeightUpdate(device, id, res)
	}
}
