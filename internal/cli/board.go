package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/db"
	"github.com/peterje/mctl/internal/device"
	"github.com/peterje/mctl/internal/logging"
	"github.com/peterje/mctl/internal/preflight"
	"github.com/peterje/mctl/internal/repl"
)

type DevicesCmd struct {
	All bool `short:"a" help:"Include non-USB serial ports"`
}

func (c *DevicesCmd) Run(globals *CLI) error {
	devices, err := preflight.ListDevices(!c.All)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		globals.infof("no serial devices found\n")
		return nil
	}

	// the registry only adds detail; listing works without it
	boards := map[string]db.Board{}
	proxies := map[string]db.Proxy{}
	if database, err := globals.openDB(); err == nil {
		defer database.Close()
		if bs, err := db.ListBoards(database); err == nil {
			for _, b := range bs {
				boards[b.DevicePath] = b
			}
		}
		if ps, err := db.ListProxies(database); err == nil {
			for _, p := range ps {
				proxies[p.DevicePath] = p
			}
		}
	} else {
		logging.Debug("registry unavailable", zap.Error(err))
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, d := range devices {
		var notes []string
		if b, ok := boards[d.Path]; ok {
			notes = append(notes, fmt.Sprintf("%s %s (seen %s)", b.Machine, b.Release, humanize.Time(b.LastSeen)))
		}
		if p, ok := proxies[d.Path]; ok {
			notes = append(notes, fmt.Sprintf("proxy %s pid %d", p.Addr, p.PID))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Path, d.Description(), strings.Join(notes, "; "))
	}
	return tw.Flush()
}

type RunCmd struct {
	File      string `arg:"" optional:"" type:"existingfile" help:"Local script to run"`
	Code      string `short:"c" help:"Inline code to run instead of a file"`
	StayInRaw bool   `name:"stay-raw" help:"Leave the board in raw REPL mode afterwards"`
	NoDedent  bool   `name:"no-dedent" help:"Send the script exactly as written"`
}

func (c *RunCmd) source() (string, error) {
	switch {
	case c.Code != "" && c.File != "":
		return "", errors.New("give a file or --code, not both")
	case c.Code != "":
		return c.Code, nil
	case c.File != "":
		b, err := os.ReadFile(c.File)
		return string(b), err
	}
	return "", errors.New("nothing to run: give a file or --code")
}

func (c *RunCmd) Run(globals *CLI) error {
	src, err := c.source()
	if err != nil {
		return err
	}

	ctx, cancel := globals.context()
	defer cancel()
	cn, err := globals.connect(ctx, true)
	if err != nil {
		return err
	}
	defer cn.close()

	out, err := cn.runner.RunScript(ctx, src, repl.ScriptOptions{StayInRaw: c.StayInRaw, NoDedent: c.NoDedent})
	fmt.Fprint(stdout, out)
	if s := cn.session; s != nil && err == nil {
		logging.Debug("script finished", zap.Duration("took", s.LastScriptDuration()))
	}
	return err
}

type InfoCmd struct{}

func (c *InfoCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		info, err := d.BoardInfo(ctx)
		if err != nil {
			return err
		}
		writeBoardInfo(info)
		if globals.Tty != "" {
			globals.remember(globals.Tty, info)
		}
		return nil
	})
}

func writeBoardInfo(info device.BoardInfo) {
	uid := "n/a"
	if info.UniqueID != nil {
		uid = *info.UniqueID
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "sysname\t%s\n", info.Sysname)
	fmt.Fprintf(tw, "nodename\t%s\n", info.Nodename)
	fmt.Fprintf(tw, "release\t%s\n", info.Release)
	fmt.Fprintf(tw, "version\t%s\n", info.Version)
	fmt.Fprintf(tw, "machine\t%s\n", info.Machine)
	fmt.Fprintf(tw, "unique id\t%s\n", uid)
	fmt.Fprintf(tw, "mem free\t%s\n", humanize.IBytes(info.MemFree))
	fmt.Fprintf(tw, "fs\t%s free of %s\n", humanize.IBytes(info.FSFreeBytes()), humanize.IBytes(info.FSTotalBytes()))
	tw.Flush()
}

// remember stores what a serial board reported so `devices` can show it.
func (c *CLI) remember(path string, info device.BoardInfo) {
	database, err := c.openDB()
	if err != nil {
		logging.Debug("registry unavailable", zap.Error(err))
		return
	}
	defer database.Close()

	b := db.Board{
		DevicePath: path,
		Sysname:    info.Sysname,
		Release:    info.Release,
		Machine:    info.Machine,
		LastSeen:   time.Now(),
	}
	if info.UniqueID != nil {
		b.UniqueID = sql.NullString{String: *info.UniqueID, Valid: true}
	}
	if err := db.SaveBoard(database, b); err != nil {
		logging.Debug("save board", zap.Error(err))
	}
}

type VersionCmd struct{}

func (c *VersionCmd) Run(globals *CLI) error {
	if globals.Host == "" {
		return errors.New("the version query needs a WebREPL connection (--host)")
	}
	ctx, cancel := globals.context()
	defer cancel()
	cn, err := globals.connect(ctx, false)
	if err != nil {
		return err
	}
	defer cn.close()

	v, err := cn.session.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, v)
	return nil
}

type ResetCmd struct {
	Soft   bool `help:"Soft reset (restart the interpreter only)"`
	Follow bool `short:"f" help:"Print the boot log until interrupted"`
}

func (c *ResetCmd) Run(globals *CLI) error {
	ctx, cancel := globals.context()
	defer cancel()

	cn, err := globals.connect(ctx, !c.Follow)
	if err != nil {
		return err
	}
	defer cn.close()

	if c.Follow && cn.session != nil {
		cn.session.OnTerminalData(func(p []byte) { stdout.Write(p) })
	}
	if err := cn.device().Reset(ctx, device.ResetOptions{Soft: c.Soft, Broadcast: c.Follow}); err != nil {
		return err
	}
	globals.infof("reset sent\n")

	if c.Follow && cn.session != nil {
		<-ctx.Done()
	}
	return nil
}
