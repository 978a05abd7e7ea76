// Package devsim simulates the REPL side of a MicroPython board, so sessions
// can be exercised over a pipe, a pseudo-terminal or a WebREPL socket without
// hardware.
package devsim

import (
	"bytes"
	"strings"
	"sync"
)

// ExecFunc runs one raw-mode script and returns what the board would print.
type ExecFunc func(script string) (stdout, stderr string)

const (
	friendlyPrompt = "\r\n>>> "
	rawBanner      = "raw REPL; CTRL-B to exit\r\n>"
	bootBanner     = "\r\nMicroPython v1.22.0 on 2024-01-01; devsim with fake-chip\r\nType \"help()\" for more information."
)

// Device is a byte-level MicroPython REPL. It is safe for concurrent use.
type Device struct {
	exec ExecFunc

	mu       sync.Mutex
	emit     func([]byte)
	raw      bool
	pending  bytes.Buffer
	scripts  []string
	password string
	authing  bool
	authBuf  []byte
	onDenied func()
	inputs   [][]byte
}

// New returns a device in friendly mode. A nil exec prints nothing.
func New(exec ExecFunc) *Device {
	if exec == nil {
		exec = func(string) (string, string) { return "", "" }
	}
	return &Device{exec: exec}
}

func (d *Device) attach(emit func([]byte)) {
	d.mu.Lock()
	d.emit = emit
	d.mu.Unlock()
}

// requirePassword starts a WebREPL login. denied runs after a wrong password.
func (d *Device) requirePassword(password string, denied func()) {
	d.mu.Lock()
	d.password = password
	d.authing = true
	d.authBuf = nil
	d.onDenied = denied
	d.mu.Unlock()
	d.out("Password: ")
}

// Scripts returns every script executed so far.
func (d *Device) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// Inputs returns every write the device received, in order.
func (d *Device) Inputs() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.inputs))
	for i, p := range d.inputs {
		out[i] = bytes.Clone(p)
	}
	return out
}

// InRaw reports whether the device is in raw REPL mode.
func (d *Device) InRaw() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw
}

// Input processes bytes written by the host.
func (d *Device) Input(p []byte) {
	d.mu.Lock()
	d.inputs = append(d.inputs, bytes.Clone(p))
	if d.authing {
		d.authInput(p)
		return
	}
	d.mu.Unlock()

	for _, b := range p {
		d.inputByte(b)
	}
}

// authInput is called with d.mu held and releases it.
func (d *Device) authInput(p []byte) {
	d.authBuf = append(d.authBuf, p...)
	i := bytes.IndexByte(d.authBuf, '\r')
	if i < 0 {
		d.mu.Unlock()
		return
	}
	ok := string(d.authBuf[:i]) == d.password
	d.authing = false
	denied := d.onDenied
	d.mu.Unlock()

	if !ok {
		d.out("\r\nAccess denied\r\n")
		if denied != nil {
			denied()
		}
		return
	}
	d.out("\r\nWebREPL connected" + friendlyPrompt)
}

func (d *Device) inputByte(b byte) {
	d.mu.Lock()
	raw := d.raw
	d.mu.Unlock()

	if !raw {
		switch b {
		case 0x01:
			d.setRaw(true)
			d.out("\r\n" + rawBanner)
		case 0x03:
			d.out(friendlyPrompt)
		case '\r':
		default:
			d.out(string(b))
		}
		return
	}

	switch b {
	case 0x02:
		d.setRaw(false)
		d.out(bootBanner + friendlyPrompt)
	case 0x03:
		d.mu.Lock()
		d.pending.Reset()
		d.mu.Unlock()
	case 0x04:
		d.mu.Lock()
		script := d.pending.String()
		d.pending.Reset()
		d.scripts = append(d.scripts, script)
		d.mu.Unlock()

		stdout, stderr := d.exec(script)
		d.out("OK" + stdout + "\x04" + stderr + "\x04>")
	default:
		d.mu.Lock()
		d.pending.WriteByte(b)
		d.mu.Unlock()
	}
}

// Reboot simulates a hard reset: raw mode is dropped and the boot banner is
// printed.
func (d *Device) Reboot() {
	d.setRaw(false)
	d.out(bootBanner + friendlyPrompt)
}

func (d *Device) setRaw(raw bool) {
	d.mu.Lock()
	d.raw = raw
	d.pending.Reset()
	d.mu.Unlock()
}

func (d *Device) out(s string) {
	d.mu.Lock()
	emit := d.emit
	d.mu.Unlock()
	if emit != nil && s != "" {
		emit([]byte(s))
	}
}

// versionReply answers a binary WebREPL request. Only GET_VER is supported.
func versionReply(req []byte, major, minor byte) []byte {
	if len(req) < 3 || req[0] != 'W' || req[1] != 'A' || req[2] != 3 {
		return nil
	}
	return []byte{'W', 'B', major, minor}
}

// Script helpers for ExecFunc implementations.

// Contains reports whether the script mentions every fragment.
func Contains(script string, fragments ...string) bool {
	for _, f := range fragments {
		if !strings.Contains(script, f) {
			return false
		}
	}
	return true
}
