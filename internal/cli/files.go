package cli

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/peterje/mctl/internal/device"
	"github.com/peterje/mctl/internal/repl"
)

// remotePath resolves p against the board root.
func remotePath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

type LsCmd struct {
	Dir       string `arg:"" optional:"" default:"/" help:"Directory on the board"`
	Recursive bool   `short:"r" help:"Descend into subdirectories"`
	Bytes     bool   `short:"b" help:"Print exact sizes in bytes"`
}

func (c *LsCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		entries, err := d.ListFiles(ctx, remotePath(c.Dir), c.Recursive)
		if err != nil {
			return err
		}
		writeListing(entries, c.Bytes)
		return nil
	})
}

func writeListing(entries []device.FileEntry, exact bool) {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		size := humanize.IBytes(uint64(e.Size))
		if exact {
			size = fmt.Sprint(e.Size)
		}
		name := e.Path
		if e.IsDir {
			size = "-"
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t  %s\t\n", size, name)
	}
	tw.Flush()
}

type CatCmd struct {
	Path string `arg:"" help:"File on the board"`
}

func (c *CatCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		data, err := d.GetFile(ctx, remotePath(c.Path))
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	})
}

type GetCmd struct {
	Remote string `arg:"" help:"File on the board"`
	Local  string `arg:"" optional:"" help:"Destination (defaults to the remote file name)"`
}

func (c *GetCmd) Run(globals *CLI) error {
	remote := remotePath(c.Remote)
	local := c.Local
	if local == "" {
		local = path.Base(remote)
	} else if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		local = filepath.Join(local, path.Base(remote))
	}

	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		data, err := d.GetFile(ctx, remote)
		if err != nil {
			return err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return err
		}
		globals.infof("%s -> %s (%s)\n", remote, local, humanize.IBytes(uint64(len(data))))
		return nil
	})
}

type PutCmd struct {
	Local  string `arg:"" type:"existingfile" help:"Local file"`
	Remote string `arg:"" optional:"" help:"Destination on the board (defaults to /<name>)"`
	Force  bool   `short:"f" help:"Upload even if the board already has identical content"`
}

// destination picks the remote path for the upload.
func (c *PutCmd) destination() string {
	name := filepath.Base(c.Local)
	if c.Remote == "" {
		return "/" + name
	}
	if strings.HasSuffix(c.Remote, "/") {
		return remotePath(c.Remote + name)
	}
	return remotePath(c.Remote)
}

func (c *PutCmd) Run(globals *CLI) error {
	data, err := os.ReadFile(c.Local)
	if err != nil {
		return err
	}
	remote := c.destination()

	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		if !c.Force {
			same, err := d.IsFileTheSame(ctx, remote, data)
			if err != nil {
				return err
			}
			if same {
				globals.infof("%s is up to date\n", remote)
				return nil
			}
		}

		var p *mpb.Progress
		if !globals.Silent && len(data) > 0 {
			p = mpb.New(mpb.WithOutput(stderr), mpb.WithWidth(40))
			bar := p.New(int64(len(data)),
				mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
				mpb.PrependDecorators(
					decor.Name(remote, decor.WC{C: decor.DindentRight | decor.DextraSpace}),
					decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
					decor.Percentage(decor.WC{W: 5}),
				),
			)
			d.OnProgress = func(done, _ int) { bar.SetCurrent(int64(done)) }
			defer func() {
				bar.Abort(false)
				p.Wait()
			}()
		}

		if err := d.PutFile(ctx, remote, data); err != nil {
			return err
		}
		if p == nil {
			globals.infof("%s -> %s (%s)\n", c.Local, remote, humanize.IBytes(uint64(len(data))))
		}
		return nil
	})
}

type MkdirCmd struct {
	Path    string `arg:"" help:"Directory to create"`
	Parents bool   `help:"Create missing parents and accept an existing directory"`
}

func (c *MkdirCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		target := remotePath(c.Path)
		if !c.Parents {
			return d.Mkdir(ctx, target)
		}
		for _, dir := range parents(target) {
			if err := d.Mkdir(ctx, dir); err != nil && !repl.IsOSError(err, repl.EEXIST) {
				return err
			}
		}
		return nil
	})
}

// parents lists every directory from the root down to p, p included.
func parents(p string) []string {
	var out []string
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		out = append(out, cur)
	}
	return out
}

type RmCmd struct {
	Paths     []string `arg:"" help:"Files or directories to remove"`
	Recursive bool     `short:"r" help:"Remove directories and their contents"`
}

func (c *RmCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		for _, p := range c.Paths {
			target := remotePath(p)
			if target == "/" {
				return fmt.Errorf("refusing to remove /")
			}
			if err := d.Remove(ctx, target, c.Recursive); err != nil {
				if repl.IsOSError(err, repl.ENOTEMPTY) {
					return fmt.Errorf("%s: directory not empty (use -r)", target)
				}
				return err
			}
		}
		return nil
	})
}

type MvCmd struct {
	From string `arg:"" help:"Existing path"`
	To   string `arg:"" help:"New path"`
}

func (c *MvCmd) Run(globals *CLI) error {
	return globals.withDevice(func(ctx context.Context, d *device.Device) error {
		return d.Rename(ctx, remotePath(c.From), remotePath(c.To))
	})
}
