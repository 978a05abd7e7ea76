package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/mctl/internal/config"
)

// WebREPL is a Transport over MicroPython's WebSocket REPL.
// Text and binary frames are both delivered to the handler unmodified.
type WebREPL struct {
	url  string
	conn *websocket.Conn

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	closed    chan struct{}
}

// WebREPLURL turns a host, host:port or full ws:// URL into the URL to dial.
func WebREPLURL(host string) string {
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "ws://" + host
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(config.WebREPLPort))
}

// DialWebREPL opens the WebSocket. The password handshake happens over the
// returned transport once it is started.
func DialWebREPL(ctx context.Context, host string) (*WebREPL, error) {
	url := WebREPLURL(host)
	// No HandshakeTimeout: ctx alone bounds the dial.
	var dialer websocket.Dialer

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &WebREPL{
		url:    url,
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// URL returns the address the transport is connected to.
func (w *WebREPL) URL() string {
	return w.url
}

func (w *WebREPL) Kind() Kind {
	return Network
}

func (w *WebREPL) Start(h Handler) {
	go w.readLoop(h)
}

// Send writes p as a text frame.
func (w *WebREPL) Send(p []byte) error {
	return w.write(websocket.TextMessage, p)
}

// SendBinary writes p as a binary frame.
func (w *WebREPL) SendBinary(p []byte) error {
	return w.write(websocket.BinaryMessage, p)
}

func (w *WebREPL) write(msgType int, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.closed:
		return io.ErrClosedPipe
	default:
	}
	if err := w.conn.WriteMessage(msgType, p); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *WebREPL) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebREPL) readLoop(h Handler) {
	defer h.HandleClose()

	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.HandleError(fmt.Errorf("websocket read: %w", err))
				}
				w.Close()
			}
			return
		}
		if len(msg) > 0 {
			h.HandleData(msg)
		}
	}
}

var (
	_ Transport    = (*WebREPL)(nil)
	_ BinarySender = (*WebREPL)(nil)
)
