package cli

import (
	"bytes"
	"errors"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/peterje/mctl/internal/repl"
)

// ctrlK leaves the interactive REPL.
const ctrlK = 0x0b

type ReplCmd struct{}

func (c *ReplCmd) Run(globals *CLI) error {
	ctx, cancel := globals.context()
	defer cancel()

	// the proxy only serves scripts, so the terminal needs the device itself
	cn, err := globals.connect(ctx, false)
	if err != nil {
		return err
	}
	defer cn.close()
	s := cn.session

	closed := make(chan struct{})
	s.OnClose(func() { close(closed) })
	s.OnTerminalData(func(p []byte) { stdout.Write(p) })

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}
	globals.infof("connected to %s, Ctrl-K to quit\r\n", cn.target)

	// Ctrl-B prints the banner and a fresh prompt
	if err := s.SendData([]byte("\r\x02")); err != nil {
		return err
	}

	input := make(chan error, 1)
	go func() { input <- pump(os.Stdin, s) }()

	select {
	case err := <-input:
		return err
	case <-closed:
		return repl.ErrClosed
	case <-ctx.Done():
		return nil
	}
}

// pump forwards keystrokes until Ctrl-K or end of input.
func pump(r io.Reader, s *repl.Session) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			quit := false
			if i := bytes.IndexByte(chunk, ctrlK); i >= 0 {
				chunk, quit = chunk[:i], true
			}
			if len(chunk) > 0 {
				if serr := s.SendData(chunk); serr != nil {
					return serr
				}
			}
			if quit {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
