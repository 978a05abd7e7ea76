// Package cli is the mctl command tree.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/config"
	"github.com/peterje/mctl/internal/db"
	"github.com/peterje/mctl/internal/device"
	"github.com/peterje/mctl/internal/logging"
	"github.com/peterje/mctl/internal/preflight"
	"github.com/peterje/mctl/internal/proxy"
	"github.com/peterje/mctl/internal/repl"
	"github.com/peterje/mctl/internal/transport"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// CLI is the root command structure for mctl.
type CLI struct {
	Tty      string        `short:"t" help:"Serial device of the board" env:"MCTL_TTY"`
	Host     string        `short:"H" help:"WebREPL host (ip, host:port or ws:// url)" env:"WEBREPL_HOST"`
	Password string        `short:"p" help:"WebREPL password" env:"WEBREPL_PASSWORD" default:"${password}"`
	Silent   bool          `short:"s" help:"Only print command output"`
	Verbose  bool          `short:"v" help:"Enable verbose debug output"`
	Timeout  time.Duration `help:"Give up on the command after this long (0 waits forever)" default:"0s"`
	DB       string        `name:"db" help:"Registry database path (default ~/.mctl/mctl.db)" env:"MCTL_DB" type:"path"`
	NoProxy  bool          `name:"no-proxy" help:"Never route through a running proxy"`

	Devices DevicesCmd `cmd:"" help:"List serial devices"`
	Ls      LsCmd      `cmd:"" help:"List files on the board"`
	Cat     CatCmd     `cmd:"" help:"Print a file from the board"`
	Get     GetCmd     `cmd:"" help:"Copy a file from the board"`
	Put     PutCmd     `cmd:"" help:"Copy a file to the board"`
	Mkdir   MkdirCmd   `cmd:"" help:"Create a directory on the board"`
	Rm      RmCmd      `cmd:"" help:"Remove a file or directory on the board"`
	Mv      MvCmd      `cmd:"" help:"Rename a file or directory on the board"`
	Run     RunCmd     `cmd:"" help:"Run a local script or inline code on the board"`
	Info    InfoCmd    `cmd:"" help:"Show board information"`
	Version VersionCmd `cmd:"" name:"version-info" help:"Query the WebREPL protocol version"`
	Reset   ResetCmd   `cmd:"" help:"Reset the board"`
	Repl    ReplCmd    `cmd:"" help:"Interactive REPL (Ctrl-K to quit)"`
	Proxy   ProxyCmd   `cmd:"" help:"Own the device connection and serve it to other mctl processes"`
}

// AfterApply raises the log level once flags are parsed.
func (c *CLI) AfterApply() error {
	if c.Verbose {
		logging.SetLevel("debug")
	}
	return nil
}

func (c *CLI) infof(format string, args ...any) {
	if !c.Silent {
		fmt.Fprintf(stderr, format, args...)
	}
}

// context returns a context cancelled by SIGINT/SIGTERM and the --timeout.
func (c *CLI) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if c.Timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, c.Timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func (c *CLI) openDB() (*sql.DB, error) {
	path := c.DB
	if path == "" {
		var err error
		if path, err = config.DBPath(); err != nil {
			return nil, err
		}
	}
	return db.Open(path)
}

// conn is an open connection to a board, direct or through a proxy.
type conn struct {
	runner  repl.ScriptRunner
	session *repl.Session // nil when proxied
	target  string
	close   func()
}

func (c *conn) device() *device.Device {
	return device.New(c.runner, logging.Named("device"))
}

var errNoTarget = errors.New("no board given: use --tty or --host (or WEBREPL_HOST)")

// connect opens the board named by the flags. A serial board already owned
// by a running proxy is reached through that proxy.
func (c *CLI) connect(ctx context.Context, allowProxy bool) (*conn, error) {
	log := logging.Named("cli")

	switch {
	case c.Host != "":
		s := repl.New(repl.Options{Logger: logging.Named("repl")})
		if err := s.ConnectNetwork(ctx, c.Host, c.Password, config.ConnectTimeout); err != nil {
			return nil, err
		}
		c.infof("connected to %s\n", transport.WebREPLURL(c.Host))
		return &conn{runner: s, session: s, target: c.Host, close: func() { disconnect(s) }}, nil

	case c.Tty != "":
		if allowProxy && !c.NoProxy {
			if pc := c.findProxy(ctx, log); pc != nil {
				c.infof("using proxy at %s\n", pc.Addr())
				return &conn{runner: pc, target: c.Tty, close: func() { pc.Close() }}, nil
			}
		}
		if err := preflight.CheckSerialPath(c.Tty); err != nil {
			return nil, &repl.CouldNotConnectError{Target: c.Tty, Err: err}
		}
		s := repl.New(repl.Options{Logger: logging.Named("repl")})
		if err := s.ConnectSerial(ctx, c.Tty); err != nil {
			return nil, err
		}
		return &conn{runner: s, session: s, target: c.Tty, close: func() { disconnect(s) }}, nil
	}
	return nil, errNoTarget
}

func (c *CLI) findProxy(ctx context.Context, log *zap.Logger) *proxy.Client {
	database, err := c.openDB()
	if err != nil {
		log.Debug("registry unavailable", zap.Error(err))
		return nil
	}
	defer database.Close()

	pc, err := proxy.Discover(ctx, database, c.Tty, log)
	if err != nil {
		if !errors.Is(err, proxy.ErrNoProxy) {
			log.Debug("proxy discovery", zap.Error(err))
		}
		return nil
	}
	return pc
}

func disconnect(s *repl.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Disconnect(ctx); err != nil {
		logging.Debug("disconnect", zap.Error(err))
	}
}

// withDevice connects, runs fn against the board and disconnects.
func (c *CLI) withDevice(fn func(ctx context.Context, d *device.Device) error) error {
	ctx, cancel := c.context()
	defer cancel()

	cn, err := c.connect(ctx, true)
	if err != nil {
		return err
	}
	defer cn.close()
	return fn(ctx, cn.device())
}
