package agent

import (
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
	"github.com/NowakAdmin/ScaleAgent/internal/serialport"
)

// Event names pushed to the bridge and to every sink.
const (
	EventWeightUpdate       = "weight_update"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventDeviceAttached     = "device_attached"
	EventDeviceDetached     = "device_detached"
	EventLog                = "log"
)

// EventSink receives every event the agent emits.
type EventSink interface {
	PublishEvent(event, device string, data map[string]any) error
}

func (a *Agent) DeviceConnected(device string, h *scale.Handler) {
	a.emit(EventDeviceConnected, device, map[string]any{
		"brand": h.Brand(),
		"model": h.Model(),
	})
}

func (a *Agent) DeviceDisconnected(device string, h *scale.Handler) {
	a.emit(EventDeviceDisconnected, device, map[string]any{
		"brand": h.Brand(),
	})
}

// WeightUpdate forwards one monitor element as {result: {weight}} or
// {result: {error}}.
func (a *Agent) WeightUpdate(device, monitorID string, r scale.Result) {
	result := map[string]any{}
	if r.Err != nil {
		result["error"] = scale.PayloadOf(r.Err)
	} else {
		result = weightData(r.Weight)
	}
	a.emit(EventWeightUpdate, device, map[string]any{
		"monitor_id": monitorID,
		"result":     result,
	})
}

// portChanged reports a port appearing or disappearing. Handlers opened on
// a detached port are disconnected first, which also ends their monitors.
func (a *Agent) portChanged(c serialport.Change) {
	data := map[string]any{
		"port":      c.Device.Port,
		"isUsb":     c.Device.IsUSB,
		"vendorId":  c.Device.VendorID,
		"productId": c.Device.ProductID,
		"product":   c.Device.Product,
	}

	if c.Attached {
		a.logger.WithField("device", c.Device.Port).Info("Podłączono port")
		a.emit(EventDeviceAttached, c.Device.Port, data)
		return
	}

	for _, device := range a.registry.Devices() {
		if !c.Device.Matches(device) {
			continue
		}
		if err := a.registry.Disconnect(device); err != nil {
			a.logger.WithError(err).WithField("device", device).Debug("detached device disconnect failed")
		}
	}
	a.logger.WithField("device", c.Device.Port).Info("Odłączono port")
	a.emit(EventDeviceDetached, c.Device.Port, data)
}

// emit never logs above debug level, so LogHook cannot feed on itself.
func (a *Agent) emit(event, device string, data map[string]any) {
	if conn := a.currentConn(); conn != nil {
		err := a.write(conn, OutgoingMessage{
			Type:      "event",
			AgentID:   a.cfg.AgentID,
			Event:     event,
			Device:    device,
			Timestamp: now(),
			Data:      data,
		})
		if err != nil {
			a.logger.WithError(err).Debug("event push failed")
		}
	}

	for _, sink := range a.sinks {
		if err := sink.PublishEvent(event, device, data); err != nil {
			a.logger.WithError(err).WithField("event", event).Debug("event publish failed")
		}
	}
}

// LogHook forwards log entries as log events.
type LogHook struct {
	agent  *Agent
	levels []logrus.Level
}

// NewLogHook forwards entries at level and above.
func NewLogHook(a *Agent, level logrus.Level) *LogHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &LogHook{agent: a, levels: levels}
}

func (h *LogHook) Levels() []logrus.Level { return h.levels }

func (h *LogHook) Fire(entry *logrus.Entry) error {
	data := map[string]any{
		"level":   entry.Level.String(),
		"message": entry.Message,
	}
	device, _ := entry.Data["device"].(string)
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
		data["error"] = err.Error()
	}
	h.agent.emit(EventLog, device, data)
	return nil
}
