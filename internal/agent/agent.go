package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/config"
	"github.com/NowakAdmin/ScaleAgent/internal/scale"
	"github.com/NowakAdmin/ScaleAgent/internal/serialport"
)

type IncomingMessage struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type        string         `json:"type"`
	AgentID     string         `json:"agent_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	Event       string         `json:"event,omitempty"`
	Device      string         `json:"device,omitempty"`
	Status      string         `json:"status,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorDetail *scale.Payload `json:"error_detail,omitempty"`
}

type pullCommandsResponse struct {
	Success bool              `json:"success"`
	Data    []IncomingMessage `json:"data"`
}

// DeviceLister enumerates serial ports for list_devices.
type DeviceLister interface {
	ListDevices() ([]serialport.Device, error)
}

type Agent struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	transport scale.Transport
	lister    DeviceLister
	observer  scale.Observer
	sinks     []EventSink
	registry  *scale.Registry

	pollEvery      time.Duration
	heartbeatEvery time.Duration
	client         *http.Client

	running atomic.Bool
	online  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type Option func(*Agent)

// WithTransport replaces the serial transport.
func WithTransport(t scale.Transport) Option {
	return func(a *Agent) { a.transport = t }
}

func WithDeviceLister(l DeviceLister) Option {
	return func(a *Agent) { a.lister = l }
}

func WithObserver(o scale.Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithSink adds a destination for scale events besides the bridge.
func WithSink(s EventSink) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, s) }
}

func New(cfg *config.Config, logger logrus.FieldLogger, opts ...Option) *Agent {
	a := &Agent{
		cfg:            cfg,
		logger:         logger,
		pollEvery:      2 * time.Second,
		heartbeatEvery: 30 * time.Second,
		client:         http.DefaultClient,
	}
	if cfg.HeartbeatSeconds > 0 {
		a.heartbeatEvery = time.Duration(cfg.HeartbeatSeconds) * time.Second
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.transport == nil {
		port := serialport.New()
		a.transport = port
		if a.lister == nil {
			a.lister = port
		}
	}
	if a.lister == nil {
		if l, ok := a.transport.(DeviceLister); ok {
			a.lister = l
		}
	}

	handlerOpts := cfg.HandlerOptions()
	if a.observer != nil {
		handlerOpts = append(handlerOpts, scale.WithObserver(a.observer))
	}
	a.registry = scale.NewRegistry(scale.RegistryConfig{
		Transport:      a.transport,
		Logger:         logger,
		Events:         a,
		MonitorPolicy:  cfg.MonitorPolicy(),
		RestartDelay:   cfg.PollInterval(),
		HandlerOptions: handlerOpts,
	})

	return a
}

// Registry exposes the connected scales.
func (a *Agent) Registry() *scale.Registry {
	return a.registry
}

func (a *Agent) Start(parent context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.startWatcher(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.autoConnect(ctx)
		a.loop(ctx)
	}()

	return nil
}

// startWatcher takes the first port snapshot before returning, so a port
// that disappears right after Start is still reported as detached.
func (a *Agent) startWatcher(ctx context.Context) {
	interval := a.cfg.WatchInterval()
	if a.lister == nil || interval <= 0 {
		return
	}

	w := serialport.NewWatcher(a.lister)
	if _, err := w.Scan(); err != nil {
		a.logger.Warnf("Nie można odczytać listy portów: %v", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		w.Run(ctx, interval, a.logger, a.portChanged)
	}()
}

// Stop ends the bridge session and disconnects every scale.
func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()
	if err := a.registry.DisconnectAll(); err != nil {
		a.logger.Warnf("Błąd rozłączania wag: %v", err)
	}
	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Online reports whether a bridge websocket session is up.
func (a *Agent) Online() bool {
	return a.online.Load()
}

func (a *Agent) autoConnect(ctx context.Context) {
	for _, entry := range a.cfg.AutoConnect {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.registry.Connect(ctx, entry.Device, entry.Connection); err != nil {
			a.logger.Warnf("Autopołączenie wagi %s nieudane: %v", entry.Device, err)
			continue
		}
		if !entry.Monitor {
			continue
		}
		if _, _, err := a.registry.StartMonitoring(entry.Device); err != nil {
			a.logger.Warnf("Nie udało się uruchomić monitoringu %s: %v", entry.Device, err)
		}
	}
}

func (a *Agent) loop(ctx context.Context) {
	if strings.TrimSpace(a.cfg.AgentToken) == "" {
		a.logger.Warn("Brak tokena agenta. Użyj: scale-agent configure --token=...")
		<-ctx.Done()
		return
	}

	if strings.TrimSpace(a.cfg.ServerURL) == "" && strings.TrimSpace(a.cfg.WebSocketURL) == "" {
		a.logger.Warn("Brak ServerURL i WebSocketURL. Użyj: scale-agent configure ...")
		<-ctx.Done()
		return
	}

	backoff := 1 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		websocketURL := strings.TrimSpace(a.cfg.WebSocketURL)

		if websocketURL != "" {
			err = a.runSession(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warnf("Sesja WebSocket zakończona: %v", err)
			}

			if ctx.Err() != nil {
				return
			}

			if strings.TrimSpace(a.cfg.ServerURL) != "" {
				a.logger.Info("Przechodzę na fallback HTTP polling.")
				_ = a.runHTTPPolling(ctx, 45*time.Second)
			}
		} else {
			err = a.runHTTPPolling(ctx, 0)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("Pętla agenta zakończona błędem: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 20*time.Second {
			backoff *= 2
		}
	}
}

func (a *Agent) heartbeatData() map[string]any {
	return map[string]any{
		"devices":  a.registry.Devices(),
		"monitors": a.registry.ActiveMonitors(),
	}
}

func (a *Agent) runHTTPPolling(ctx context.Context, maxDuration time.Duration) error {
	if strings.TrimSpace(a.cfg.ServerURL) == "" {
		return fmt.Errorf("brak server_url do fallback HTTP")
	}

	pollTicker := time.NewTicker(a.pollEvery)
	heartbeatTicker := time.NewTicker(a.heartbeatEvery)
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	if err := a.heartbeat(ctx); err != nil {
		a.logger.Warnf("HTTP heartbeat error: %v", err)
	}

	var timeout <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-timeout:
			return nil
		case <-heartbeatTicker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warnf("HTTP heartbeat error: %v", err)
			}
		case <-pollTicker.C:
			commands, err := a.pullCommands(ctx)
			if err != nil {
				return err
			}

			for _, message := range commands {
				commandName := strings.ToLower(strings.TrimSpace(message.Command))
				result, execErr := a.executeCommand(ctx, commandName, message.Payload)
				if reportErr := a.reportCommandResult(ctx, message.JobID, result, execErr); reportErr != nil {
					a.logger.Warnf("Błąd raportowania wyniku job %s: %v", message.JobID, reportErr)
				}
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	body, err := json.Marshal(a.heartbeatData())
	if err != nil {
		return err
	}

	request, err := a.newAPIRequest(ctx, http.MethodPost, "/api/bizanticore/agent/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("heartbeat status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

func (a *Agent) pullCommands(ctx context.Context) ([]IncomingMessage, error) {
	request, err := a.newAPIRequest(ctx, http.MethodGet, "/api/bizanticore/agent/commands/next?limit=5", nil)
	if err != nil {
		return nil, err
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("pull commands status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed pullCommandsResponse
	if err = json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	if !parsed.Success {
		return nil, fmt.Errorf("pull commands returned success=false")
	}

	return parsed.Data, nil
}

func (a *Agent) reportCommandResult(ctx context.Context, jobID string, result map[string]any, execErr error) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("brak job_id")
	}

	payload := map[string]any{}
	if execErr != nil {
		payload["status"] = "failed"
		payload["error"] = execErr.Error()
		payload["error_detail"] = scale.PayloadOf(execErr)
	} else {
		payload["status"] = "completed"
		payload["result"] = result
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := a.newAPIRequest(ctx, http.MethodPost, "/api/bizanticore/agent/commands/"+jobID+"/result", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(response.Body)
		return fmt.Errorf("report result status %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	a.logJob(jobID, execErr)
	return nil
}

func (a *Agent) logJob(jobID string, err error) {
	if err != nil {
		a.logger.WithField("job", jobID).Infof("Job failed: %v", err)
		return
	}
	a.logger.WithField("job", jobID).Info("Job completed")
}

func (a *Agent) newAPIRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.ServerURL), "/")
	if base == "" {
		return nil, fmt.Errorf("server_url is empty")
	}

	pathPart := path
	if !strings.HasPrefix(pathPart, "/") {
		pathPart = "/" + pathPart
	}

	request, err := http.NewRequestWithContext(ctx, method, base+pathPart, body)
	if err != nil {
		return nil, err
	}

	a.setAuthHeaders(request.Header)
	return request, nil
}

func (a *Agent) setAuthHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+a.cfg.AgentToken)
	h.Set("X-Agent-ID", a.cfg.AgentID)
	h.Set("X-Agent-Name", a.cfg.DeviceName)
	if strings.TrimSpace(a.cfg.TenantID) != "" {
		h.Set("X-Tenant-ID", a.cfg.TenantID)
	}
}

func (a *Agent) runSession(ctx context.Context) error {
	headers := http.Header{}
	a.setAuthHeaders(headers)

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WebSocketURL, headers)
	if err != nil {
		if response != nil {
			return fmt.Errorf("błąd połączenia websocket (http %d): %w", response.StatusCode, err)
		}

		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	a.logger.Infof("Połączono z Bizanti WebSocket: %s", a.cfg.WebSocketURL)

	if err = a.write(conn, OutgoingMessage{
		Type:      "auth",
		AgentID:   a.cfg.AgentID,
		Status:    "online",
		Timestamp: now(),
		Data: map[string]any{
			"device_name": a.cfg.DeviceName,
			"devices":     a.registry.Devices(),
		},
	}); err != nil {
		return err
	}

	a.setConn(conn)
	defer a.setConn(nil)

	heartbeatTicker := time.NewTicker(a.heartbeatEvery)
	defer heartbeatTicker.Stop()

	readErrors := make(chan error, 1)
	readMessages := make(chan IncomingMessage, 8)

	go func() {
		for {
			var message IncomingMessage
			if readErr := conn.ReadJSON(&message); readErr != nil {
				readErrors <- readErr
				return
			}

			select {
			case readMessages <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = a.write(conn, OutgoingMessage{Type: "status", Status: "offline"})
			return context.Canceled
		case err = <-readErrors:
			return err
		case message := <-readMessages:
			a.handleIncoming(ctx, conn, message)
		case <-heartbeatTicker.C:
			_ = a.write(conn, OutgoingMessage{
				Type:      "heartbeat",
				AgentID:   a.cfg.AgentID,
				Timestamp: now(),
				Status:    "online",
				Data:      a.heartbeatData(),
			})
		}
	}
}

func (a *Agent) handleIncoming(ctx context.Context, conn *websocket.Conn, message IncomingMessage) {
	messageType := strings.ToLower(strings.TrimSpace(message.Type))
	commandName := strings.ToLower(strings.TrimSpace(message.Command))

	switch {
	case messageType == "ping" || commandName == "ping":
		_ = a.write(conn, OutgoingMessage{
			Type:      "pong",
			AgentID:   a.cfg.AgentID,
			Timestamp: now(),
			JobID:     message.JobID,
		})
		return

	case messageType == "command":
		result, err := a.executeCommand(ctx, commandName, message.Payload)
		out := OutgoingMessage{
			Type:      "command_result",
			AgentID:   a.cfg.AgentID,
			JobID:     message.JobID,
			Timestamp: now(),
		}

		if err != nil {
			detail := scale.PayloadOf(err)
			out.Status = "failed"
			out.Error = err.Error()
			out.ErrorDetail = &detail
		} else {
			out.Status = "completed"
			out.Data = result
		}
		a.logJob(message.JobID, err)

		_ = a.write(conn, out)
		return
	}
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	a.online.Store(conn != nil)
}

func (a *Agent) currentConn() *websocket.Conn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

// write serialises writers; gorilla connections allow only one at a time.
func (a *Agent) write(conn *websocket.Conn, msg OutgoingMessage) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
