package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/peterje/mctl/internal/config"
)

// SerialPort is a Transport over a serial device.
type SerialPort struct {
	path string
	port io.ReadWriteCloser

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenSerial opens path at the fixed REPL baud rate.
func OpenSerial(path string) (*SerialPort, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: config.SerialBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerial(path, port), nil
}

// NewSerial wraps an already-open port. Anything that reads and writes like
// a tty works, which is how tests drive a pty instead of real hardware.
func NewSerial(path string, port io.ReadWriteCloser) *SerialPort {
	return &SerialPort{
		path:   path,
		port:   port,
		closed: make(chan struct{}),
	}
}

// Path returns the device path the port was opened with.
func (s *SerialPort) Path() string {
	return s.path
}

func (s *SerialPort) Kind() Kind {
	return Serial
}

func (s *SerialPort) Start(h Handler) {
	go s.readLoop(h)
}

func (s *SerialPort) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *SerialPort) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.port.Close()
	})
	return err
}

func (s *SerialPort) readLoop(h Handler) {
	defer h.HandleClose()

	buf := make([]byte, 4096)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.HandleData(data)
		}
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !errors.Is(err, io.EOF) {
					h.HandleError(fmt.Errorf("serial read: %w", err))
				}
				s.Close()
			}
			return
		}
	}
}

var _ Transport = (*SerialPort)(nil)
