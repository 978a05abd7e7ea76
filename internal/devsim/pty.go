package devsim

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/peterje/mctl/internal/logging"
)

// Serial exposes a Device behind a pseudo-terminal. The host end behaves like
// a USB serial port in raw mode.
type Serial struct {
	Device *Device

	ptmx *os.File
	tty  *os.File

	closeOnce sync.Once
	done      chan struct{}
}

// StartSerial allocates a pty and starts feeding it to dev.
func StartSerial(dev *Device) (*Serial, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	ptmx, err := pollable(master, false)
	if err != nil {
		slave.Close()
		return nil, err
	}
	tty, err := pollable(slave, true)
	if err != nil {
		ptmx.Close()
		return nil, err
	}

	s := &Serial{Device: dev, ptmx: ptmx, tty: tty, done: make(chan struct{})}
	dev.attach(func(p []byte) {
		if _, err := ptmx.Write(p); err != nil {
			logging.Named("devsim").Debug("pty write failed", zap.Error(err))
		}
	})
	go s.readLoop()
	return s, nil
}

// pollable replaces f with a non-blocking duplicate registered with the
// runtime poller, so Close interrupts a pending Read on either end. f is
// closed. With raw set the line discipline is switched to raw mode first.
func pollable(f *os.File, raw bool) (*os.File, error) {
	defer f.Close()

	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("pty %s: %w", f.Name(), err)
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(orig uintptr) { fd, dupErr = unix.Dup(int(orig)) }); err != nil {
		return nil, fmt.Errorf("pty %s: %w", f.Name(), err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), dupErr)
	}

	if raw {
		if _, err := term.MakeRaw(fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("raw mode: %w", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nonblock %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// Path is the name of the host end, e.g. /dev/pts/3.
func (s *Serial) Path() string {
	return s.tty.Name()
}

// Port returns the host end of the pty.
func (s *Serial) Port() *os.File {
	return s.tty
}

// Done is closed once the device side stops reading.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

func (s *Serial) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.Device.Input(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Close hangs up the device side, which the host sees as EOF or EIO.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Device.attach(nil)
		err = s.ptmx.Close()
	})
	return err
}
