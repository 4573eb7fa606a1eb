package serialport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Device describes one serial port visible to the host.
type Device struct {
	Port         string `json:"port"`
	IsUSB        bool   `json:"isUsb"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListDevices returns the serial ports found on the host, sorted by port
// name.
func (t *Transport) ListDevices() ([]Device, error) {
	ports, err := t.list()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}

	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{
			Port:         p.Name,
			IsUSB:        p.IsUSB,
			VendorID:     strings.ToLower(p.VID),
			ProductID:    strings.ToLower(p.PID),
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Port < devices[j].Port })
	return devices, nil
}

// Resolve maps a device identity to a port name. Accepted forms:
//
//	COM3, /dev/ttyUSB0   port name, used as is
//	usb:6001             USB product id (hex)
//	usb:0403:6001        USB vendor and product id (hex)
//	24577                USB product id (decimal)
func (t *Transport) Resolve(device string) (string, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return "", fmt.Errorf("empty device id")
	}

	vid, pid, ok := parseUSBID(device)
	if !ok {
		return device, nil
	}

	devices, err := t.ListDevices()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.matchesUSB(vid, pid) {
			return d.Port, nil
		}
	}
	return "", fmt.Errorf("device not found: %s", device)
}

// Matches reports whether id, in any form Resolve accepts, names d.
func (d Device) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if id == d.Port {
		return true
	}
	vid, pid, ok := parseUSBID(id)
	return ok && d.matchesUSB(vid, pid)
}

func (d Device) matchesUSB(vid, pid string) bool {
	if !d.IsUSB || d.ProductID != pid {
		return false
	}
	return vid == "" || d.VendorID == vid
}

func parseUSBID(device string) (vid, pid string, ok bool) {
	if rest, found := strings.CutPrefix(strings.ToLower(device), "usb:"); found {
		if v, p, two := strings.Cut(rest, ":"); two {
			return normalizeHex(v), normalizeHex(p), p != ""
		}
		return "", normalizeHex(rest), rest != ""
	}

	n, err := strconv.ParseUint(device, 10, 16)
	if err != nil {
		return "", "", false
	}
	return "", fmt.Sprintf("%04x", n), true
}

func normalizeHex(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}
