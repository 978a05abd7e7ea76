// Package preflight finds serial devices that may be MicroPython boards and
// checks a target before the CLI tries to open it.
package preflight

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Device is a serial port found on the host.
type Device struct {
	Path         string
	USB          bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Description is a one-line summary for listings.
func (d Device) Description() string {
	if !d.USB {
		return ""
	}
	parts := []string{fmt.Sprintf("%s:%s", d.VID, d.PID)}
	if d.Product != "" {
		parts = append(parts, d.Product)
	}
	if d.SerialNumber != "" {
		parts = append(parts, "s/n "+d.SerialNumber)
	}
	return strings.Join(parts, " ")
}

// detailedPorts is swapped out in tests.
var detailedPorts = enumerator.GetDetailedPortsList

// ListDevices returns the host's serial ports, sorted by path. With usbOnly,
// built-in UARTs are left out. macOS tty.* duplicates of cu.* ports are
// always skipped.
func ListDevices(usbOnly bool) ([]Device, error) {
	ports, err := detailedPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	var out []Device
	for _, p := range ports {
		if strings.HasPrefix(p.Name, "/dev/tty.") {
			continue
		}
		if usbOnly && !p.IsUSB {
			continue
		}
		out = append(out, Device{
			Path:         p.Name,
			USB:          p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CheckSerialPath verifies path names an existing character device.
func CheckSerialPath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("serial device %s: %w", path, err)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return fmt.Errorf("serial device %s: not a character device", path)
	}
	return nil
}
