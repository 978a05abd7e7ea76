package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// SerialBaudRate is the fixed rate used for every serial connection.
	SerialBaudRate = 115200

	// WebREPLPort is the port MicroPython's WebREPL listens on.
	WebREPLPort = 8266

	// ConnectTimeout bounds the WebREPL handshake. Zero disables it.
	ConnectTimeout = 5 * time.Second

	// Raw-mode script transmission.
	SerialScriptChunkSize  = 3000
	NetworkScriptChunkSize = 120
	NetworkChunkDelay      = 200 * time.Millisecond

	// Hex-encoded payload bytes per putFile write, by transport.
	ProxyPutChunkSize   = 5000
	SerialPutChunkSize  = 3000
	NetworkPutChunkSize = 64

	// InterruptDelay separates the Ctrl-C/Ctrl-A bytes sent when entering raw mode.
	InterruptDelay = 100 * time.Millisecond

	// SerialResetDelay is how long a serial reset waits before forcing the friendly prompt.
	SerialResetDelay = time.Second

	// DefaultProxyAddr is where the proxy server listens unless overridden.
	DefaultProxyAddr = "127.0.0.1:3000"

	// DefaultPassword matches the WebREPL default used by the setup docs.
	DefaultPassword = "test"
)

// Env returns the environment value for key, or def when unset.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ProxyAddr is the address the proxy server binds and clients dial.
func ProxyAddr() string {
	return Env("MCTL_PROXY_ADDR", DefaultProxyAddr)
}

// DBPath returns the location of the sqlite registry.
func DBPath() (string, error) {
	if p := os.Getenv("MCTL_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mctl", "mctl.db"), nil
}
