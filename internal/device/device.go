// Package device implements file and board operations as Python scripts run
// through a raw-REPL script runner: a direct Session or a proxy client.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/config"
	"github.com/peterje/mctl/internal/metrics"
	"github.com/peterje/mctl/internal/repl"
	"github.com/peterje/mctl/internal/scripts"
	"github.com/peterje/mctl/internal/transport"
)

// exclusiveRunner is implemented by runners that can reserve the device for
// a multi-script sequence.
type exclusiveRunner interface {
	Exclusive(ctx context.Context, fn func(repl.ScriptRunner) error) error
}

// Device runs file operations against one board.
type Device struct {
	r   repl.ScriptRunner
	log *zap.Logger

	// OnProgress, if set, is called after every uploaded chunk with the
	// number of payload bytes written so far.
	OnProgress func(done, total int)
}

// New wraps a script runner. A nil logger discards output.
func New(r repl.ScriptRunner, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	return &Device{r: r, log: log}
}

// FileEntry is one line of a directory listing.
type FileEntry struct {
	Path  string
	IsDir bool
	Size  int64
	MTime int64
}

// StatResult describes a path on the device.
type StatResult struct {
	Exists bool
	IsDir  bool
	Size   int64
}

// BoardInfo is what the board reports about itself.
type BoardInfo struct {
	Sysname  string
	Nodename string
	Release  string
	Version  string
	Machine  string
	UniqueID *string // nil when the port has no machine.unique_id
	MemFree  uint64

	FSBlockSize   uint64
	FSBlocksTotal uint64
	FSBlocksFree  uint64
}

func (b BoardInfo) FSTotalBytes() uint64 { return b.FSBlockSize * b.FSBlocksTotal }
func (b BoardInfo) FSFreeBytes() uint64  { return b.FSBlockSize * b.FSBlocksFree }

// ResetOptions selects the kind of reset.
type ResetOptions struct {
	Soft bool
	// Broadcast streams the boot log to the session's terminal handler.
	Broadcast bool
}

// RunScript runs arbitrary source and returns its stdout.
func (d *Device) RunScript(ctx context.Context, src string) (string, error) {
	return d.r.RunScript(ctx, src, repl.ScriptOptions{})
}

// ListFiles lists dir, descending into subdirectories when recursive is set.
func (d *Device) ListFiles(ctx context.Context, dir string, recursive bool) ([]FileEntry, error) {
	out, err := d.r.RunScript(ctx, scripts.ListFiles(dir, recursive), repl.ScriptOptions{})
	if err != nil {
		return nil, err
	}
	return parseListing(out)
}

func parseListing(out string) ([]FileEntry, error) {
	var entries []FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		parts := strings.Split(line, " | ")
		if len(parts) != 4 || parts[0] == "" {
			continue
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing %q: size: %w", line, err)
		}
		mtime, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing %q: mtime: %w", line, err)
		}
		entries = append(entries, FileEntry{
			Path:  parts[0],
			IsDir: parts[1] == "d",
			Size:  size,
			MTime: mtime,
		})
	}
	return entries, nil
}

// Stat reports whether path exists and what it is.
func (d *Device) Stat(ctx context.Context, path string) (StatResult, error) {
	out, err := d.r.RunScript(ctx, scripts.Stat(path), repl.ScriptOptions{})
	if err != nil {
		return StatResult{}, err
	}
	return parseStat(out)
}

func parseStat(out string) (StatResult, error) {
	out = strings.TrimSpace(out)
	if out == "x" {
		return StatResult{}, nil
	}
	kind, size, ok := strings.Cut(out, " | ")
	if !ok {
		return StatResult{}, fmt.Errorf("unexpected stat output %q", out)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return StatResult{}, fmt.Errorf("stat size %q: %w", size, err)
	}
	return StatResult{Exists: true, IsDir: kind == "d", Size: n}, nil
}

// GetFile reads a whole file. The device streams it as hex in one script.
func (d *Device) GetFile(ctx context.Context, path string) ([]byte, error) {
	out, err := d.r.RunScript(ctx, scripts.GetFile(path), repl.ScriptOptions{})
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	metrics.AddDownloaded(len(data))
	return data, nil
}

// putChunkSize is the hex payload per write script. The device holds the
// whole pending request in RAM, and WebREPL's receive buffer is tiny.
func putChunkSize(k transport.Kind) int {
	switch k {
	case transport.Proxy:
		return config.ProxyPutChunkSize
	case transport.Network:
		return config.NetworkPutChunkSize
	default:
		return config.SerialPutChunkSize
	}
}

// PutFile writes data to path, replacing any existing file. The file is opened
// in one script, written in hex chunks by scripts that stay in raw mode, and
// closed by a final script that leaves it.
func (d *Device) PutFile(ctx context.Context, path string, data []byte) error {
	kind := d.r.Kind()
	if kind == transport.Unknown {
		return repl.ErrNotConnected
	}
	payload := hex.EncodeToString(data)
	size := putChunkSize(kind)

	err := d.exclusive(ctx, func(r repl.ScriptRunner) error {
		stay := repl.ScriptOptions{StayInRaw: true}
		if _, err := r.RunScript(ctx, scripts.OpenWrite(path), stay); err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		for off := 0; off < len(payload); off += size {
			end := min(off+size, len(payload))
			if _, err := r.RunScript(ctx, scripts.WriteChunk(payload[off:end]), stay); err != nil {
				if _, cerr := r.RunScript(ctx, scripts.CloseWrite(), repl.ScriptOptions{}); cerr != nil {
					d.log.Warn("close after failed write", zap.String("path", path), zap.Error(cerr))
				}
				return fmt.Errorf("write %s at %d: %w", path, off/2, err)
			}
			if d.OnProgress != nil {
				d.OnProgress(end/2, len(data))
			}
		}
		if _, err := r.RunScript(ctx, scripts.CloseWrite(), repl.ScriptOptions{}); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.AddUploaded(len(data))
	d.log.Debug("put file", zap.String("path", path), zap.Int("bytes", len(data)), zap.Int("chunk", size))
	return nil
}

func (d *Device) exclusive(ctx context.Context, fn func(repl.ScriptRunner) error) error {
	if ex, ok := d.r.(exclusiveRunner); ok {
		return ex.Exclusive(ctx, fn)
	}
	return fn(d.r)
}

// Remove deletes a file or directory. Without recursive, a non-empty
// directory fails with ENOTEMPTY.
func (d *Device) Remove(ctx context.Context, path string, recursive bool) error {
	src := scripts.Remove(path)
	if recursive {
		src = scripts.RemoveRecursive(path)
	}
	_, err := d.r.RunScript(ctx, src, repl.ScriptOptions{})
	return err
}

func (d *Device) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := d.r.RunScript(ctx, scripts.Rename(oldPath, newPath), repl.ScriptOptions{})
	return err
}

func (d *Device) Mkdir(ctx context.Context, path string) error {
	_, err := d.r.RunScript(ctx, scripts.Mkdir(path), repl.ScriptOptions{})
	return err
}

// Reset restarts the interpreter. It returns once the reset is sent; the
// board never answers the script.
func (d *Device) Reset(ctx context.Context, opts ResetOptions) error {
	_, err := d.r.RunScript(ctx, scripts.Reset(opts.Soft), repl.ScriptOptions{
		NoWait:    true,
		Broadcast: opts.Broadcast,
	})
	return err
}

// FileHash returns the lowercase hex SHA-256 of a device file.
func (d *Device) FileHash(ctx context.Context, path string) (string, error) {
	out, err := d.r.RunScript(ctx, scripts.FileHash(path), repl.ScriptOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsFileTheSame reports whether the device file already holds data.
func (d *Device) IsFileTheSame(ctx context.Context, path string, data []byte) (bool, error) {
	sum := sha256.Sum256(data)
	out, err := d.r.RunScript(ctx, scripts.SameFile(path, int64(len(data)), hex.EncodeToString(sum[:])), repl.ScriptOptions{})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// BoardInfo collects uname, unique id, free memory and filesystem usage.
func (d *Device) BoardInfo(ctx context.Context) (BoardInfo, error) {
	out, err := d.r.RunScript(ctx, scripts.BoardInfo(), repl.ScriptOptions{})
	if err != nil {
		return BoardInfo{}, err
	}
	return parseBoardInfo(out)
}

func parseBoardInfo(out string) (BoardInfo, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	if len(lines) < 10 {
		return BoardInfo{}, fmt.Errorf("board info: want 10 lines, got %d", len(lines))
	}

	info := BoardInfo{
		Sysname:  lines[0],
		Nodename: lines[1],
		Release:  lines[2],
		Version:  lines[3],
		Machine:  lines[4],
	}
	if id := strings.TrimSpace(lines[5]); id != "None" {
		info.UniqueID = &id
	}

	nums := []*uint64{&info.MemFree, &info.FSBlockSize, &info.FSBlocksTotal, &info.FSBlocksFree}
	for i, dst := range nums {
		v, err := strconv.ParseUint(strings.TrimSpace(lines[6+i]), 10, 64)
		if err != nil {
			return BoardInfo{}, fmt.Errorf("board info line %d: %w", 7+i, err)
		}
		*dst = v
	}
	return info, nil
}
