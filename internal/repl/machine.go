package repl

import (
	"bytes"
	"strings"
)

// Control bytes sent to the device.
const (
	ctrlA byte = 0x01 // enter raw REPL
	ctrlB byte = 0x02 // exit raw REPL
	ctrlC byte = 0x03 // interrupt
	ctrlD byte = 0x04 // execute; also the stdout/stderr separator in replies
)

var (
	rawBanner = []byte("raw REPL; CTRL-B to exit\r\n>")
	okMarker  = []byte("OK")
)

// resetTailSize bounds what is kept of the reboot output while watching for
// the friendly prompt.
const resetTailSize = 64

// Mode is the REPL mode of a session.
type Mode int

const (
	ModeTerminal Mode = iota
	ModeConnecting
	ModeEnteringRaw
	ModeRawActive
	ModeScriptSent
	ModeReceivingResponse
	ModeExitingToFriendly
	ModeAwaitingVersionReply
)

var modeNames = [...]string{
	"terminal", "connecting", "entering-raw", "raw", "script-sent",
	"receiving", "exiting-raw", "awaiting-version",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// RawSubState is where a raw-mode reply is while it is being received.
type RawSubState int

const (
	ReceivingOutput RawSubState = iota
	ReceivingError
	AwaitingTerminator
)

// Effects are what the machine asks its owner to do after a Feed.
type Effect interface{ effect() }

type (
	// TerminalData is output to forward to the terminal callback.
	TerminalData struct{ Data []byte }
	// SendPassword answers the WebREPL password prompt.
	SendPassword struct{}
	// Resolve completes the pending operation.
	Resolve struct {
		Value string
		Reply *Reply
	}
	// Reject fails the pending operation.
	Reject struct{ Err error }
	// CloseTransport drops the connection.
	CloseTransport struct{}
)

func (TerminalData) effect()   {}
func (SendPassword) effect()   {}
func (Resolve) effect()        {}
func (Reject) effect()         {}
func (CloseTransport) effect() {}

// Each state carries only the data meaningful to it.
type state interface{ mode() Mode }

type (
	terminalState  struct{}
	resettingState struct {
		tail      []byte
		broadcast bool
	}
	connectingState  struct{ buf []byte }
	enteringRawState struct{ buf []byte }
	rawIdleState     struct{}
	scriptSentState  struct {
		buf       []byte
		broadcast bool
	}
	receivingState struct {
		sub       RawSubState
		out, errb []byte
		broadcast bool
	}
	exitingState         struct{ buf []byte }
	awaitingVersionState struct {
		buf  []byte
		prev state
	}
)

func (*terminalState) mode() Mode        { return ModeTerminal }
func (*resettingState) mode() Mode       { return ModeTerminal }
func (*connectingState) mode() Mode      { return ModeConnecting }
func (*enteringRawState) mode() Mode     { return ModeEnteringRaw }
func (*rawIdleState) mode() Mode         { return ModeRawActive }
func (*scriptSentState) mode() Mode      { return ModeScriptSent }
func (*receivingState) mode() Mode       { return ModeReceivingResponse }
func (*exitingState) mode() Mode         { return ModeExitingToFriendly }
func (*awaitingVersionState) mode() Mode { return ModeAwaitingVersionReply }

// Machine is the protocol state machine. It performs no I/O: callers announce
// what they sent with the Begin methods and pass every inbound chunk to Feed,
// then carry out the returned effects.
type Machine struct {
	st state
}

// NewMachine returns a machine in terminal mode.
func NewMachine() *Machine {
	return &Machine{st: &terminalState{}}
}

func (m *Machine) Mode() Mode {
	return m.st.mode()
}

// SubState reports the receive sub-state; ok is false outside ModeReceivingResponse.
func (m *Machine) SubState() (sub RawSubState, ok bool) {
	if st, isRecv := m.st.(*receivingState); isRecv {
		return st.sub, true
	}
	return 0, false
}

// InRaw reports whether the device is already in raw mode.
func (m *Machine) InRaw() bool {
	switch m.st.(type) {
	case *rawIdleState, *scriptSentState, *receivingState:
		return true
	}
	return false
}

// Reset returns the machine to terminal mode, dropping any partial state.
func (m *Machine) Reset() {
	m.st = &terminalState{}
}

// BeginReset is called once a reset has been triggered. The reboot output is
// forwarded only when broadcast is set; plain terminal mode resumes at the
// next friendly prompt.
func (m *Machine) BeginReset(broadcast bool) {
	m.st = &resettingState{broadcast: broadcast}
}

// BeginHandshake starts waiting for the WebREPL password exchange.
func (m *Machine) BeginHandshake() {
	m.st = &connectingState{}
}

// BeginEnterRaw reports false, leaving the state untouched, when the device
// is already in raw mode.
func (m *Machine) BeginEnterRaw() bool {
	if m.InRaw() {
		return false
	}
	m.st = &enteringRawState{}
	return true
}

// BeginScript is called right before a script is transmitted.
func (m *Machine) BeginScript(broadcast bool) {
	m.st = &scriptSentState{broadcast: broadcast}
}

// BeginExitRaw is called right before Ctrl-B is sent.
func (m *Machine) BeginExitRaw() {
	m.st = &exitingState{}
}

// BeginVersionQuery is called right before a GET_VER record is sent. The
// current state resumes once the reply has been decoded.
func (m *Machine) BeginVersionQuery() {
	m.st = &awaitingVersionState{prev: m.st}
}

// Feed consumes one inbound chunk. Chunk boundaries carry no meaning:
// feeding a reply byte by byte yields the same effects as feeding it whole.
func (m *Machine) Feed(p []byte) []Effect {
	var fx []Effect
	for len(p) > 0 {
		switch st := m.st.(type) {
		case *terminalState:
			fx = append(fx, TerminalData{Data: bytes.Clone(p)})
			p = nil

		case *resettingState:
			if st.broadcast {
				fx = append(fx, TerminalData{Data: bytes.Clone(p)})
			}
			st.tail = append(st.tail, p...)
			if len(st.tail) > resetTailSize {
				st.tail = st.tail[len(st.tail)-resetTailSize:]
			}
			p = nil
			if strings.HasSuffix(strings.TrimSpace(string(st.tail)), ">>>") {
				m.st = &terminalState{}
			}

		case *connectingState:
			st.buf = append(st.buf, p...)
			p = nil
			fx = m.handshake(st, fx)

		case *enteringRawState:
			st.buf = append(st.buf, p...)
			p = nil
			if bytes.Contains(st.buf, rawBanner) {
				m.st = &rawIdleState{}
				fx = append(fx, Resolve{})
			}

		case *rawIdleState:
			// nothing is expected between replies
			p = nil

		case *scriptSentState:
			st.buf = append(st.buf, p...)
			p = nil
			if i := bytes.Index(st.buf, okMarker); i >= 0 {
				p = st.buf[i+len(okMarker):]
				m.st = &receivingState{sub: ReceivingOutput, broadcast: st.broadcast}
			}

		case *receivingState:
			p, fx = m.receive(st, p, fx)

		case *exitingState:
			st.buf = append(st.buf, p...)
			p = nil
			if strings.HasSuffix(strings.TrimSpace(string(st.buf)), ">>>") {
				m.st = &terminalState{}
				fx = append(fx, Resolve{})
			}

		case *awaitingVersionState:
			st.buf = append(st.buf, p...)
			p = nil
			fx = m.versionReply(st, fx)
		}
	}
	return fx
}

// handshake looks at the last non-blank line received so far, so a prompt
// and its answer arriving in one frame are still told apart.
func (m *Machine) handshake(st *connectingState, fx []Effect) []Effect {
	switch lastLine(st.buf) {
	case "Password:":
		st.buf = st.buf[:0]
		return append(fx, SendPassword{})
	case "Access denied":
		m.st = &terminalState{}
		return append(fx, Reject{Err: ErrInvalidPassword}, CloseTransport{})
	case ">>>":
		m.st = &terminalState{}
		return append(fx, Resolve{})
	}
	return fx
}

func lastLine(buf []byte) string {
	text := strings.TrimSpace(string(buf))
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[i+1:])
	}
	return text
}

// receive walks the reply byte by byte: stdout, 0x04, stderr, 0x04, '>'.
func (m *Machine) receive(st *receivingState, p []byte, fx []Effect) ([]byte, []Effect) {
	var echo []byte
	for i, b := range p {
		switch st.sub {
		case ReceivingOutput:
			if b == ctrlD {
				st.sub = ReceivingError
				continue
			}
			st.out = append(st.out, b)
		case ReceivingError:
			if b == ctrlD {
				st.sub = AwaitingTerminator
				continue
			}
			st.errb = append(st.errb, b)
		case AwaitingTerminator:
			if b != '>' {
				continue
			}
			if len(echo) > 0 {
				fx = append(fx, TerminalData{Data: echo})
			}
			m.st = &rawIdleState{}
			out := strings.TrimSpace(string(st.out))
			errText := strings.TrimSpace(string(st.errb))
			if errText != "" {
				fx = append(fx, Reject{Err: &ScriptError{Message: errText}})
			} else {
				fx = append(fx, Resolve{Value: out})
			}
			return p[i+1:], fx
		}
		if st.broadcast {
			echo = append(echo, b)
		}
	}
	if len(echo) > 0 {
		fx = append(fx, TerminalData{Data: echo})
	}
	return nil, fx
}

func (m *Machine) versionReply(st *awaitingVersionState, fx []Effect) []Effect {
	bad := (len(st.buf) >= 1 && st.buf[0] != 'W') || (len(st.buf) >= 2 && st.buf[1] != 'B')
	if !bad && len(st.buf) < wrReplySize {
		return fx
	}
	m.st = st.prev
	reply, err := decodeReply(st.buf)
	if err != nil {
		return append(fx, Reject{Err: err})
	}
	return append(fx, Resolve{Value: reply.Version(), Reply: &reply})
}
