package device

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterje/mctl/internal/devsim"
	"github.com/peterje/mctl/internal/repl"
	"github.com/peterje/mctl/internal/transport"
)

type call struct {
	script string
	opts   repl.ScriptOptions
}

// fakeRunner answers scripts with a function and records every call.
type fakeRunner struct {
	kind  transport.Kind
	reply func(script string) (string, error)

	mu    sync.Mutex
	calls []call
}

func (f *fakeRunner) RunScript(_ context.Context, script string, opts repl.ScriptOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{script, opts})
	f.mu.Unlock()
	if f.reply == nil {
		return "", nil
	}
	return f.reply(script)
}

func (f *fakeRunner) Kind() transport.Kind { return f.kind }

func TestParseListing(t *testing.T) {
	out := "/a.txt | f | 12 | 1000\r\n/b | d | 0 | 999\r\n | f | 1 | 1\r\n\r\n"
	got, err := parseListing(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []FileEntry{
		{Path: "/a.txt", Size: 12, MTime: 1000},
		{Path: "/b", IsDir: true, MTime: 999},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := parseListing("/x | f | big | 1"); err == nil {
		t.Error("bad size accepted")
	}
}

func TestParseStat(t *testing.T) {
	tests := []struct {
		out  string
		want StatResult
	}{
		{"x", StatResult{}},
		{"f | 120", StatResult{Exists: true, Size: 120}},
		{"d | 0\r\n", StatResult{Exists: true, IsDir: true}},
	}
	for _, tt := range tests {
		got, err := parseStat(tt.out)
		if err != nil {
			t.Errorf("parseStat(%q): %v", tt.out, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseStat(%q) = %+v, want %+v", tt.out, got, tt.want)
		}
	}
	if _, err := parseStat("garbage"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestParseBoardInfo(t *testing.T) {
	out := "esp32\r\nesp32\r\n1.22.0\r\nv1.22.0 on 2024-01-01\r\nGeneric ESP32 module with ESP32\r\n246f28a1b2c3\r\n110592\r\n4096\r\n512\r\n480"
	info, err := parseBoardInfo(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Sysname != "esp32" || info.Version != "v1.22.0 on 2024-01-01" || info.Machine != "Generic ESP32 module with ESP32" {
		t.Errorf("uname fields wrong: %+v", info)
	}
	if info.UniqueID == nil || *info.UniqueID != "246f28a1b2c3" {
		t.Errorf("unique id = %v", info.UniqueID)
	}
	if info.MemFree != 110592 || info.FSTotalBytes() != 4096*512 || info.FSFreeBytes() != 4096*480 {
		t.Errorf("numbers wrong: %+v", info)
	}

	noID := strings.Replace(out, "246f28a1b2c3", "None", 1)
	info, err = parseBoardInfo(noID)
	if err != nil {
		t.Fatal(err)
	}
	if info.UniqueID != nil {
		t.Errorf("unique id = %q, want nil", *info.UniqueID)
	}

	if _, err := parseBoardInfo("esp32\nesp32"); err == nil {
		t.Error("short output accepted")
	}
}

func TestPutFileChunking(t *testing.T) {
	tests := []struct {
		kind   transport.Kind
		size   int
		chunks int
	}{
		{transport.Network, 100, 4}, // 200 hex chars / 64
		{transport.Serial, 2000, 2}, // 4000 / 3000
		{transport.Proxy, 2000, 1},  // 4000 / 5000
		{transport.Serial, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			r := &fakeRunner{kind: tt.kind}
			d := New(r, nil)
			var progress []int
			d.OnProgress = func(done, total int) {
				if total != tt.size {
					t.Errorf("total = %d, want %d", total, tt.size)
				}
				progress = append(progress, done)
			}

			if err := d.PutFile(context.Background(), "/data.bin", bytes.Repeat([]byte{0xab}, tt.size)); err != nil {
				t.Fatal(err)
			}
			if got := len(r.calls); got != tt.chunks+2 {
				t.Fatalf("got %d scripts, want %d", got, tt.chunks+2)
			}
			first, last := r.calls[0], r.calls[len(r.calls)-1]
			if !strings.Contains(first.script, `open("/data.bin", 'wb')`) || !first.opts.StayInRaw {
				t.Errorf("open script = %+v", first)
			}
			if last.script != "f.close()\n" || last.opts.StayInRaw {
				t.Errorf("close script = %+v", last)
			}
			for _, c := range r.calls[1 : len(r.calls)-1] {
				if !c.opts.StayInRaw {
					t.Error("write chunk left raw mode")
				}
			}
			if tt.size > 0 && progress[len(progress)-1] != tt.size {
				t.Errorf("progress = %v", progress)
			}
		})
	}
}

func TestPutFileNotConnected(t *testing.T) {
	r := &fakeRunner{kind: transport.Unknown}
	err := New(r, nil).PutFile(context.Background(), "/a.txt", []byte("data"))
	if !errors.Is(err, repl.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("ran %d scripts on a closed session", len(r.calls))
	}
}

func TestPutFileClosesOnWriteError(t *testing.T) {
	r := &fakeRunner{kind: transport.Serial, reply: func(script string) (string, error) {
		if strings.HasPrefix(script, "f.write") {
			return "", &repl.ScriptError{Message: "OSError: 28"}
		}
		return "", nil
	}}
	err := New(r, nil).PutFile(context.Background(), "/full", []byte("data"))
	if !errors.Is(err, repl.ErrScriptExecution) {
		t.Fatalf("err = %v", err)
	}
	last := r.calls[len(r.calls)-1]
	if last.script != "f.close()\n" || last.opts.StayInRaw {
		t.Fatalf("last script = %+v, want exiting close", last)
	}
}

func TestResetDoesNotWait(t *testing.T) {
	r := &fakeRunner{kind: transport.Serial}
	if err := New(r, nil).Reset(context.Background(), ResetOptions{Soft: true, Broadcast: true}); err != nil {
		t.Fatal(err)
	}
	c := r.calls[0]
	if !c.opts.NoWait || !c.opts.Broadcast || !strings.Contains(c.script, "soft_reset") {
		t.Fatalf("reset call = %+v", c)
	}
}

func TestRemoveRecursiveChoosesScript(t *testing.T) {
	r := &fakeRunner{kind: transport.Serial}
	d := New(r, nil)
	ctx := context.Background()
	d.Remove(ctx, "/lib", false)
	d.Remove(ctx, "/lib", true)
	if strings.Contains(r.calls[0].script, "rmtree") || !strings.Contains(r.calls[1].script, "rmtree") {
		t.Fatal("recursive flag not honoured")
	}
}

func TestRemoveSurfacesOSError(t *testing.T) {
	r := &fakeRunner{kind: transport.Serial, reply: func(string) (string, error) {
		return "", &repl.ScriptError{Message: "Traceback (most recent call last):\r\nOSError: [Errno 39] ENOTEMPTY"}
	}}
	err := New(r, nil).Remove(context.Background(), "/lib", false)
	if !repl.IsOSError(err, repl.ENOTEMPTY) {
		t.Fatalf("err = %v, want ENOTEMPTY", err)
	}
}

// memFS answers the upload, download and hash scripts from an in-memory map,
// enough to run a real Session end to end.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	open  string
	buf   []byte
}

var (
	reOpen  = regexp.MustCompile(`f = open\("([^"]+)", 'wb'\)`)
	reWrite = regexp.MustCompile(`unhexlify\('([0-9a-f]*)'\)`)
	reRead  = regexp.MustCompile(`with open\("([^"]+)", 'rb'\)`)
	reHash  = regexp.MustCompile(`print\(file_hash\("([^"]+)"\)\)`)
)

func (m *memFS) exec(script string) (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case reOpen.MatchString(script):
		m.open = reOpen.FindStringSubmatch(script)[1]
		m.buf = nil
	case reWrite.MatchString(script):
		b, _ := hex.DecodeString(reWrite.FindStringSubmatch(script)[1])
		m.buf = append(m.buf, b...)
	case script == "f.close()":
		m.files[m.open] = m.buf
	case reHash.MatchString(script):
		data, ok := m.files[reHash.FindStringSubmatch(script)[1]]
		if !ok {
			return "", "OSError: [Errno 2] ENOENT"
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]) + "\r\n", ""
	case reRead.MatchString(script):
		data, ok := m.files[reRead.FindStringSubmatch(script)[1]]
		if !ok {
			return "", "Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT"
		}
		return hex.EncodeToString(data), ""
	}
	return "", ""
}

func TestPutGetRoundTripOverSession(t *testing.T) {
	fs := &memFS{files: map[string][]byte{}}
	dev := devsim.New(fs.exec)
	timing := repl.Timing{}
	s := repl.New(repl.Options{
		Timing: &timing,
		OpenSerial: func(string) (transport.Transport, error) {
			return devsim.NewPipe(dev, transport.Serial), nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ConnectSerial(ctx, "/dev/ttyFAKE"); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect(context.Background())

	data := bytes.Repeat([]byte("micropython\x00\xff"), 500)
	d := New(s, nil)
	if err := d.PutFile(ctx, "/blob.bin", data); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	got, err := d.GetFile(ctx, "/blob.bin")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %d bytes back, want %d", len(got), len(data))
	}

	sum := sha256.Sum256(data)
	hash, err := d.FileHash(ctx, "/blob.bin")
	if err != nil {
		t.Fatal(err)
	}
	if hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", hash)
	}

	if _, err := d.GetFile(ctx, "/missing"); !repl.IsOSError(err, repl.ENOENT) {
		t.Fatalf("missing file err = %v", err)
	}
	if !s.IsTerminalMode() {
		t.Fatal("session left raw mode active")
	}
}
