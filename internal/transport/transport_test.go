package transport_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterje/mctl/internal/devsim"
	"github.com/peterje/mctl/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) HandleData(p []byte) {
	r.mu.Lock()
	r.data.Write(p)
	r.mu.Unlock()
}

func (r *recorder) HandleError(error) {}

func (r *recorder) HandleClose() {
	r.once.Do(func() { close(r.closed) })
}

func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := r.data.String()
		r.mu.Unlock()
		if strings.Contains(got, want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("never received %q; got %q", want, r.data.String())
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("HandleClose not called")
	}
}

func TestWebREPLURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"192.168.4.1", "ws://192.168.4.1:8266"},
		{"esp32.local", "ws://esp32.local:8266"},
		{"10.0.0.2:9000", "ws://10.0.0.2:9000"},
		{"ws://10.0.0.2:8266/", "ws://10.0.0.2:8266/"},
	}
	for _, tt := range tests {
		if got := transport.WebREPLURL(tt.in); got != tt.want {
			t.Errorf("WebREPLURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if transport.Serial.String() != "serial" || transport.Network.String() != "network" || transport.Proxy.String() != "proxy" {
		t.Fatal("unexpected kind names")
	}
	var zero transport.Kind
	if zero != transport.Unknown || zero.String() != "unknown" {
		t.Fatalf("zero kind = %v", zero)
	}
}

func TestWebREPLTransport(t *testing.T) {
	dev := devsim.New(nil)
	srv := httptest.NewServer(&devsim.WebREPL{Device: dev, Password: "pw", Version: [2]byte{1, 20}})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, err := transport.DialWebREPL(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if ws.Kind() != transport.Network {
		t.Fatalf("kind = %v", ws.Kind())
	}

	rec := newRecorder()
	ws.Start(rec)
	rec.waitFor(t, "Password:")

	if err := ws.Send([]byte("pw\r")); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "WebREPL connected")

	req := append([]byte{'W', 'A', 3}, make([]byte, 16)...)
	if err := ws.SendBinary(req); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "WB\x01\x14")

	if err := ws.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	rec.waitClosed(t)
	if err := ws.Send([]byte("x")); err == nil {
		t.Fatal("Send after Close succeeded")
	}
}

func TestSerialOverPTY(t *testing.T) {
	dev := devsim.New(func(string) (string, string) { return "42", "" })
	sim, err := devsim.StartSerial(dev)
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}

	port := transport.NewSerial(sim.Path(), sim.Port())
	if port.Path() != sim.Path() || port.Kind() != transport.Serial {
		t.Fatalf("path %q kind %v", port.Path(), port.Kind())
	}

	rec := newRecorder()
	port.Start(rec)

	if err := port.Send([]byte{0x01}); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "raw REPL; CTRL-B to exit\r\n>")

	if err := port.Send([]byte("print(42)\x04")); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "OK42\x04\x04>")

	sim.Close()
	rec.waitClosed(t)
}
