package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

type devicePayload struct {
	Device string `json:"device"`
}

type connectPayload struct {
	Device string                 `json:"device"`
	Config scale.ConnectionConfig `json:"config"`
}

type readPayload struct {
	Device string `json:"device"`
	// Timeout overrides the connection timeout for this read, in ms.
	Timeout int `json:"timeout,omitempty"`
}

var errNoDevice = errors.New("brak pola device")

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("nieprawidłowy payload: %w", err)
	}
	return nil
}

func deviceFrom(raw json.RawMessage) (string, error) {
	var p devicePayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Device) == "" {
		return "", errNoDevice
	}
	return p.Device, nil
}

func (a *Agent) executeCommand(ctx context.Context, command string, rawPayload json.RawMessage) (map[string]any, error) {
	switch command {
	case "list_devices":
		if a.lister == nil {
			return nil, fmt.Errorf("lista urządzeń niedostępna")
		}
		devices, err := a.lister.ListDevices()
		if err != nil {
			return nil, err
		}
		return map[string]any{"devices": devices}, nil

	case "connected_devices":
		devices := a.registry.Devices()
		list := make([]map[string]any, 0, len(devices))
		for _, device := range devices {
			h, err := a.registry.Handler(device)
			if err != nil {
				continue
			}
			list = append(list, handlerInfo(device, h, a.registry.Monitoring(device)))
		}
		return map[string]any{"devices": list}, nil

	case "connect":
		var payload connectPayload
		if err := decode(rawPayload, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.Device) == "" {
			return nil, errNoDevice
		}

		h, err := a.registry.Connect(ctx, payload.Device, payload.Config)
		if err != nil {
			return nil, err
		}
		return handlerInfo(payload.Device, h, a.registry.Monitoring(payload.Device)), nil

	case "read_weight":
		var payload readPayload
		if err := decode(rawPayload, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.Device) == "" {
			return nil, errNoDevice
		}

		h, err := a.registry.Handler(payload.Device)
		if err != nil {
			return nil, err
		}
		w, err := h.ReadWeight(ctx, time.Duration(payload.Timeout)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		result := weightData(w)
		result["device"] = payload.Device
		return result, nil

	case "start_monitoring":
		device, err := deviceFrom(rawPayload)
		if err != nil {
			return nil, err
		}
		id, started, err := a.registry.StartMonitoring(device)
		if err != nil {
			return nil, err
		}
		return map[string]any{"device": device, "monitor_id": id, "started": started}, nil

	case "stop_monitoring":
		device, err := deviceFrom(rawPayload)
		if err != nil {
			return nil, err
		}
		if _, err := a.registry.Handler(device); err != nil {
			return nil, err
		}
		a.registry.StopMonitoring(device)
		return map[string]any{"device": device, "monitoring": false}, nil

	case "disconnect":
		device, err := deviceFrom(rawPayload)
		if err != nil {
			return nil, err
		}
		if err := a.registry.Disconnect(device); err != nil {
			return nil, err
		}
		return map[string]any{"device": device, "connected": false}, nil

	case "disconnect_all":
		devices := a.registry.Devices()
		if err := a.registry.DisconnectAll(); err != nil {
			return nil, err
		}
		return map[string]any{"disconnected": devices}, nil

	default:
		return nil, fmt.Errorf("nieobsługiwana komenda: %s", command)
	}
}

func handlerInfo(device string, h *scale.Handler, monitoring bool) map[string]any {
	return map[string]any{
		"device":     device,
		"brand":      h.Brand(),
		"model":      h.Model(),
		"connected":  h.Connected(),
		"monitoring": monitoring,
	}
}

func weightData(w scale.Weight) map[string]any {
	return map[string]any{
		"weight":   w.Float64(),
		"units":    w.Units,
		"decimals": w.Decimals,
	}
}
