package proxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterje/mctl/internal/db"
	"github.com/peterje/mctl/internal/repl"
	"github.com/peterje/mctl/internal/transport"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []repl.ScriptOptions
}

func (f *fakeBackend) RunScript(_ context.Context, script string, opts repl.ScriptOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	switch {
	case strings.Contains(script, "raise"):
		return "", &repl.ScriptError{Message: "Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT"}
	case strings.Contains(script, "unplug"):
		return "", repl.ErrNotConnected
	}
	return "ran: " + script, nil
}

func (f *fakeBackend) Kind() transport.Kind { return transport.Serial }

func (f *fakeBackend) Info() repl.Info {
	return repl.Info{Kind: transport.Serial, Conn: repl.StateOpen, Mode: repl.ModeTerminal, Target: "/dev/ttyUSB0"}
}

func TestIdentityEndpoint(t *testing.T) {
	s := NewServer(&fakeBackend{}, "/dev/ttyUSB0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		t.Fatal(err)
	}
	if id.DeviceID != "/dev/ttyUSB0" || id.SessionID != s.ID() || !id.Connected || id.Transport != "serial" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestRunScriptEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeBackend{}, "/dev/ttyUSB0", nil).Handler())
	defer srv.Close()

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
		success     bool
		kind        string
	}{
		{"plain text", "text/plain", "print(1)", http.StatusOK, true, ""},
		{"json", "application/json", `{"script":"print(2)","stayInRaw":true}`, http.StatusOK, true, ""},
		{"empty", "text/plain", "  ", http.StatusBadRequest, false, ""},
		{"bad json", "application/json", `{"script":`, http.StatusBadRequest, false, ""},
		{"script error", "text/plain", "raise OSError(2)", http.StatusUnprocessableEntity, false, "script"},
		{"disconnected", "text/plain", "unplug()", http.StatusServiceUnavailable, false, "closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/run-script", tt.contentType, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var rr RunResponse
			if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
				t.Fatal(err)
			}
			if rr.Success != tt.success || rr.ErrorKind != tt.kind {
				t.Fatalf("response = %+v", rr)
			}
		})
	}
}

func startProxy(t *testing.T, backend Backend) (*Server, string) {
	t.Helper()
	s := NewServer(backend, "/dev/ttyUSB0", nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, s.Handler(), nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return s, ln.Addr().String()
}

func TestClientOverYamux(t *testing.T) {
	backend := &fakeBackend{}
	s, addr := startProxy(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Kind() != transport.Proxy {
		t.Fatalf("kind = %v", c.Kind())
	}
	id, err := c.Identity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id.SessionID != s.ID() {
		t.Fatalf("identity = %+v", id)
	}

	out, err := c.RunScript(ctx, "print(1)", repl.ScriptOptions{StayInRaw: true, NoWait: true})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ran: print(1)" {
		t.Fatalf("out = %q", out)
	}
	backend.mu.Lock()
	opts := backend.calls[0]
	backend.mu.Unlock()
	if !opts.StayInRaw || !opts.NoWait {
		t.Fatalf("options not forwarded: %+v", opts)
	}

	_, err = c.RunScript(ctx, "raise OSError(2)", repl.ScriptOptions{})
	if !repl.IsOSError(err, repl.ENOENT) {
		t.Fatalf("err = %v, want ENOENT script error", err)
	}
	if _, err := c.RunScript(ctx, "unplug()", repl.ScriptOptions{}); !errors.Is(err, repl.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func openRegistry(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "mctl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestDiscover(t *testing.T) {
	database := openRegistry(t)
	s, addr := startProxy(t, &fakeBackend{})
	ctx := context.Background()

	if _, err := Discover(ctx, database, "/dev/ttyUSB0", nil); !errors.Is(err, ErrNoProxy) {
		t.Fatalf("empty registry: %v", err)
	}

	if err := Register(database, s, "/dev/ttyUSB0", addr, 1234); err != nil {
		t.Fatal(err)
	}
	c, err := Discover(ctx, database, "/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	c.Close()

	if err := Unregister(database, s, "/dev/ttyUSB0"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.LookupProxy(database, "/dev/ttyUSB0"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("entry still present: %v", err)
	}
}

func TestDiscoverDropsStaleEntry(t *testing.T) {
	database := openRegistry(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()

	stale := NewServer(&fakeBackend{}, "/dev/ttyACM0", nil)
	if err := Register(database, stale, "/dev/ttyACM0", dead, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := Discover(context.Background(), database, "/dev/ttyACM0", nil); !errors.Is(err, ErrNoProxy) {
		t.Fatalf("err = %v, want ErrNoProxy", err)
	}
	if _, err := db.LookupProxy(database, "/dev/ttyACM0"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("stale entry not removed")
	}
}
