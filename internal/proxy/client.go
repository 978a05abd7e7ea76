package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/peterje/mctl/internal/repl"
	"github.com/peterje/mctl/internal/transport"
)

// ErrNoProxy means no live proxy serves the requested device.
var ErrNoProxy = errors.New("no proxy for device")

// Client talks to a proxy over a single yamux session. It implements
// repl.ScriptRunner, so device operations work the same through it.
type Client struct {
	addr    string
	session *yamux.Session
	http    *http.Client
}

// Dial connects to the proxy at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", addr, err)
	}
	session, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	c := &Client{addr: addr, session: session}
	c.http = &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return session.Open()
			},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	return c, nil
}

// Addr is the proxy's TCP address.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Kind() transport.Kind {
	return transport.Proxy
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return c.session.Close()
}

// Identity asks the proxy which device it owns.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api"), nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("proxy identity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("proxy identity: status %d", resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

// RunScript executes script on the proxied device. Device-side failures come
// back as *repl.ScriptError, exactly as from a direct session.
func (c *Client) RunScript(ctx context.Context, script string, opts repl.ScriptOptions) (string, error) {
	body, err := json.Marshal(RunRequest{
		Script:    script,
		StayInRaw: opts.StayInRaw,
		Broadcast: opts.Broadcast,
		NoDedent:  opts.NoDedent,
		NoWait:    opts.NoWait,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/run-script"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxy run-script: %w", err)
	}
	defer resp.Body.Close()

	var rr RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("decode run-script response (status %d): %w", resp.StatusCode, err)
	}
	if rr.Success {
		return rr.Output, nil
	}
	switch rr.ErrorKind {
	case "script":
		return "", &repl.ScriptError{Message: rr.Error}
	case "closed":
		return "", fmt.Errorf("proxy: %s: %w", rr.Error, repl.ErrClosed)
	default:
		return "", fmt.Errorf("proxy: %s", rr.Error)
	}
}

// the host is ignored; every request dials a new yamux stream
func (c *Client) url(path string) string {
	return "http://mctl-proxy" + path
}

var _ repl.ScriptRunner = (*Client)(nil)
