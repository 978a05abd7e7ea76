package repl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/config"
	"github.com/peterje/mctl/internal/metrics"
	"github.com/peterje/mctl/internal/transport"
)

// ConnState is the lifecycle of a session's connection.
type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
)

func (c ConnState) String() string {
	switch c {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Timing holds the delays the protocol depends on. Tests shrink them.
type Timing struct {
	InterruptDelay    time.Duration
	NetworkChunkDelay time.Duration
	SerialResetDelay  time.Duration
}

// DefaultTiming returns the delays real devices need.
func DefaultTiming() Timing {
	return Timing{
		InterruptDelay:    config.InterruptDelay,
		NetworkChunkDelay: config.NetworkChunkDelay,
		SerialResetDelay:  config.SerialResetDelay,
	}
}

// Options configures a Session.
type Options struct {
	Logger *zap.Logger
	Timing *Timing

	// OpenSerial and DialNetwork replace the real transports.
	OpenSerial  func(path string) (transport.Transport, error)
	DialNetwork func(ctx context.Context, host string) (transport.Transport, error)
}

// ScriptOptions tunes a single RunScript call.
type ScriptOptions struct {
	// StayInRaw skips the Ctrl-B exit so the next script runs back to back.
	StayInRaw bool
	// Broadcast forwards stdout/stderr bytes to the terminal handler as they arrive.
	Broadcast bool
	// NoDedent sends the source exactly as given.
	NoDedent bool
	// NoWait returns as soon as Ctrl-D is sent. Used for resets, where the
	// interpreter restarts instead of answering.
	NoWait bool
}

// ScriptRunner executes Python source on a device and returns its stdout.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string, opts ScriptOptions) (string, error)
	Kind() transport.Kind
}

// Info is a snapshot of a session's state.
type Info struct {
	Kind   transport.Kind
	Conn   ConnState
	Mode   Mode
	Target string
}

// Session is one connection to one MicroPython device. Public operations are
// queued FIFO and run one at a time; inbound data from the transport drives
// the state machine and completes the in-flight operation.
type Session struct {
	log    *zap.Logger
	timing Timing
	opts   Options

	queue chan struct{}
	coord Coordinator

	mu           sync.Mutex
	tr           transport.Transport
	conn         ConnState
	machine      *Machine
	target       string
	password     string
	closed       chan struct{}
	lastDuration time.Duration
	onTerminal   func([]byte)
	onClose      func()
}

// New returns a closed session.
func New(opts Options) *Session {
	s := &Session{
		log:     opts.Logger,
		timing:  DefaultTiming(),
		opts:    opts,
		queue:   make(chan struct{}, 1),
		machine: NewMachine(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if opts.Timing != nil {
		s.timing = *opts.Timing
	}
	if s.opts.OpenSerial == nil {
		s.opts.OpenSerial = func(path string) (transport.Transport, error) {
			return transport.OpenSerial(path)
		}
	}
	if s.opts.DialNetwork == nil {
		s.opts.DialNetwork = func(ctx context.Context, host string) (transport.Transport, error) {
			return transport.DialWebREPL(ctx, host)
		}
	}
	return s
}

// OnTerminalData sets the callback that receives terminal-mode output.
func (s *Session) OnTerminalData(fn func([]byte)) {
	s.mu.Lock()
	s.onTerminal = fn
	s.mu.Unlock()
}

// OnClose sets the callback run once when the connection closes.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{Conn: s.conn, Mode: s.machine.Mode(), Target: s.target}
	if s.tr != nil {
		info.Kind = s.tr.Kind()
	}
	return info
}

// Kind is transport.Unknown while no transport is attached.
func (s *Session) Kind() transport.Kind {
	return s.Info().Kind
}

func (s *Session) IsConnected() bool {
	return s.Info().Conn == StateOpen
}

func (s *Session) IsTerminalMode() bool {
	info := s.Info()
	return info.Conn == StateOpen && info.Mode == ModeTerminal
}

// LastScriptDuration is the wall time of the most recent completed script.
func (s *Session) LastScriptDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDuration
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.queue <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.queue
}

// ConnectSerial opens the serial device at path.
func (s *Session) ConnectSerial(ctx context.Context, path string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.IsConnected() {
		return ErrAlreadyConnected
	}

	tr, err := s.opts.OpenSerial(path)
	if err != nil {
		return &CouldNotConnectError{Target: path, Err: err}
	}
	s.attach(tr, path, "", StateOpen)
	s.log.Debug("serial connected", zap.String("path", path))
	return nil
}

// ConnectNetwork opens a WebREPL connection and answers the password prompt.
// A zero timeout waits for the handshake indefinitely.
func (s *Session) ConnectNetwork(ctx context.Context, host, password string, timeout time.Duration) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.IsConnected() {
		return ErrAlreadyConnected
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tr, err := s.opts.DialNetwork(waitCtx, host)
	if err != nil {
		return &CouldNotConnectError{Target: host, Err: err}
	}

	op, err := s.coord.Begin()
	if err != nil {
		tr.Close()
		return err
	}
	s.attach(tr, host, password, StateConnecting)

	if _, err := op.Wait(waitCtx); err != nil {
		s.coord.Abandon(op)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &CouldNotConnectError{Target: host, Err: fmt.Errorf("no handshake within %s", timeout)}
		}
		tr.Close()
		return err
	}
	s.log.Debug("webrepl connected", zap.String("host", host))
	return nil
}

func (s *Session) attach(tr transport.Transport, target, password string, conn ConnState) {
	s.mu.Lock()
	s.tr = tr
	s.conn = conn
	s.target = target
	s.password = password
	s.closed = make(chan struct{})
	s.machine = NewMachine()
	if conn == StateConnecting {
		s.machine.BeginHandshake()
	}
	s.mu.Unlock()

	tr.Start(&sessionHandler{s: s, tr: tr})
}

// Disconnect closes the transport and waits for the close to be observed.
// Any operation still in flight is rejected with ErrClosed.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	tr, closed := s.tr, s.closed
	s.mu.Unlock()
	if tr == nil {
		return nil
	}

	if err := tr.Close(); err != nil {
		s.log.Debug("close transport", zap.Error(err))
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendData writes p to the device unchanged, for interactive terminal use.
func (s *Session) SendData(p []byte) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}
	return tr.Send(p)
}

func (s *Session) transport() (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil || s.conn != StateOpen {
		return nil, ErrNotConnected
	}
	return s.tr, nil
}

// EnterRawRepl puts the device in raw mode. It is a no-op when already there.
func (s *Session) EnterRawRepl(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.enterRaw(ctx)
}

// ExitRawRepl returns the device to the friendly prompt.
func (s *Session) ExitRawRepl(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.exitRaw(ctx)
}

// RunScript executes script in raw mode and returns its trimmed stdout. A
// script that writes to stderr fails with a *ScriptError.
func (s *Session) RunScript(ctx context.Context, script string, opts ScriptOptions) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	return s.runScript(ctx, script, opts)
}

// Exclusive runs fn with the session reserved, so a sequence of scripts
// (a chunked upload, say) cannot interleave with other callers.
func (s *Session) Exclusive(ctx context.Context, fn func(ScriptRunner) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn(heldSession{s})
}

type heldSession struct{ s *Session }

func (h heldSession) RunScript(ctx context.Context, script string, opts ScriptOptions) (string, error) {
	return h.s.runScript(ctx, script, opts)
}

func (h heldSession) Kind() transport.Kind { return h.s.Kind() }

// GetVersion asks a WebREPL device for its version with the GET_VER record.
func (s *Session) GetVersion(ctx context.Context) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	tr, err := s.transport()
	if err != nil {
		return "", err
	}
	bs, ok := tr.(transport.BinarySender)
	if !ok {
		return "", fmt.Errorf("get version over %s: %w", tr.Kind(), ErrNotSupported)
	}

	op, err := s.coord.Begin()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.machine.BeginVersionQuery()
	s.mu.Unlock()

	if err := bs.SendBinary(encodeRequest(wrGetVer)); err != nil {
		s.coord.Abandon(op)
		return "", err
	}
	return s.await(ctx, op)
}

func (s *Session) await(ctx context.Context, op *Operation) (string, error) {
	v, err := op.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.coord.Abandon(op)
	}
	return v, err
}

func (s *Session) enterRaw(ctx context.Context) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}

	op, err := s.coord.Begin()
	if err != nil {
		return err
	}
	s.mu.Lock()
	entering := s.machine.BeginEnterRaw()
	s.mu.Unlock()
	if !entering {
		s.coord.Abandon(op)
		return nil
	}

	s.log.Debug("entering raw repl")
	steps := [][]byte{{'\r', ctrlC}, {ctrlC}, {ctrlA}}
	for i, b := range steps {
		if i > 0 {
			if err := sleep(ctx, s.timing.InterruptDelay); err != nil {
				s.coord.Abandon(op)
				return err
			}
		}
		if err := tr.Send(b); err != nil {
			s.coord.Abandon(op)
			return err
		}
	}
	_, err = s.await(ctx, op)
	return err
}

func (s *Session) exitRaw(ctx context.Context) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}

	op, err := s.coord.Begin()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.machine.BeginExitRaw()
	s.mu.Unlock()

	s.log.Debug("exiting raw repl")
	if err := tr.Send([]byte{'\r', ctrlB}); err != nil {
		s.coord.Abandon(op)
		return err
	}
	_, err = s.await(ctx, op)
	return err
}

func (s *Session) runScript(ctx context.Context, script string, opts ScriptOptions) (string, error) {
	start := time.Now()
	if err := s.enterRaw(ctx); err != nil {
		return "", err
	}
	tr, err := s.transport()
	if err != nil {
		return "", err
	}

	if !opts.NoDedent {
		script = Dedent(script)
	}

	chunkSize, delay := config.SerialScriptChunkSize, time.Duration(0)
	if tr.Kind() == transport.Network {
		chunkSize, delay = config.NetworkScriptChunkSize, s.timing.NetworkChunkDelay
	}

	op, err := s.coord.Begin()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.machine.BeginScript(opts.Broadcast)
	s.mu.Unlock()

	if err := sendChunked(ctx, tr, []byte(script), chunkSize, delay); err != nil {
		s.coord.Abandon(op)
		s.interrupt(tr)
		return "", err
	}
	if err := tr.Send([]byte{ctrlD}); err != nil {
		s.coord.Abandon(op)
		return "", err
	}

	if opts.NoWait {
		s.coord.Abandon(op)
		return "", s.afterReset(ctx, tr, opts.Broadcast)
	}

	out, err := s.await(ctx, op)
	s.recordDuration(tr.Kind(), time.Since(start), err)
	if err != nil {
		var se *ScriptError
		if !errors.As(err, &se) {
			if ctx.Err() != nil {
				s.interrupt(tr)
			}
			return "", err
		}
	}

	if !opts.StayInRaw {
		if exitErr := s.exitRaw(ctx); exitErr != nil && err == nil {
			return "", exitErr
		}
	}
	return out, err
}

// afterReset handles the interpreter restarting underneath us. A network
// device drops the socket; a serial link stays up, so after a pause the
// friendly prompt is requested explicitly. Boot output reaches the terminal
// callback only with broadcast.
func (s *Session) afterReset(ctx context.Context, tr transport.Transport, broadcast bool) error {
	s.mu.Lock()
	s.machine.BeginReset(broadcast)
	s.mu.Unlock()

	if tr.Kind() != transport.Serial {
		return nil
	}
	if err := sleep(ctx, s.timing.SerialResetDelay); err != nil {
		return err
	}
	return s.exitRaw(ctx)
}

// interrupt abandons a half-finished exchange. The machine goes back to
// terminal mode so the next operation resynchronises by re-entering raw mode.
func (s *Session) interrupt(tr transport.Transport) {
	s.mu.Lock()
	s.machine.Reset()
	s.mu.Unlock()
	if err := tr.Send([]byte{'\r', ctrlC}); err != nil {
		s.log.Debug("interrupt", zap.Error(err))
	}
}

func (s *Session) recordDuration(kind transport.Kind, d time.Duration, err error) {
	s.mu.Lock()
	s.lastDuration = d
	s.mu.Unlock()
	metrics.ObserveScript(kind.String(), d, err)
}

func sendChunked(ctx context.Context, tr transport.Transport, data []byte, size int, delay time.Duration) error {
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		if err := tr.Send(data[off:end]); err != nil {
			return fmt.Errorf("send script chunk at %d: %w", off, err)
		}
		if delay > 0 && end < len(data) {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionHandler routes transport events into the session. Events from a
// transport that has since been replaced are ignored.
type sessionHandler struct {
	s  *Session
	tr transport.Transport
}

func (h *sessionHandler) HandleData(p []byte) {
	s := h.s
	s.mu.Lock()
	if s.tr != h.tr {
		s.mu.Unlock()
		return
	}
	fx := s.machine.Feed(p)
	if s.conn == StateConnecting && s.machine.Mode() == ModeTerminal {
		for _, e := range fx {
			if _, ok := e.(Resolve); ok {
				s.conn = StateOpen
			}
		}
	}
	onTerminal, password := s.onTerminal, s.password
	s.mu.Unlock()

	for _, e := range fx {
		switch e := e.(type) {
		case TerminalData:
			if onTerminal != nil {
				onTerminal(e.Data)
			}
		case SendPassword:
			if err := h.tr.Send([]byte(password + "\r")); err != nil {
				s.coord.Reject(&CouldNotConnectError{Target: s.Info().Target, Err: err})
			}
		case Resolve:
			s.coord.resolveReply(e.Value, e.Reply)
		case Reject:
			s.coord.Reject(e.Err)
		case CloseTransport:
			h.tr.Close()
		}
	}
}

func (h *sessionHandler) HandleError(err error) {
	s := h.s
	s.mu.Lock()
	if s.tr != h.tr {
		s.mu.Unlock()
		return
	}
	conn, target := s.conn, s.target
	s.mu.Unlock()

	if conn == StateConnecting {
		s.coord.Reject(&CouldNotConnectError{Target: target, Err: err})
		return
	}
	if !s.coord.Reject(err) {
		s.log.Error("transport error", zap.String("target", target), zap.Error(err))
	}
}

func (h *sessionHandler) HandleClose() {
	s := h.s
	s.mu.Lock()
	if s.tr != h.tr {
		s.mu.Unlock()
		return
	}
	s.tr = nil
	s.conn = StateClosed
	s.machine.Reset()
	closed, onClose, target := s.closed, s.onClose, s.target
	s.mu.Unlock()

	s.coord.Reject(ErrClosed)
	close(closed)
	s.log.Debug("connection closed", zap.String("target", target))
	if onClose != nil {
		onClose()
	}
}
