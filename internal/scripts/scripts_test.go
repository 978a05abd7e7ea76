package scripts

import (
	"strings"
	"testing"
)

func TestQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/main.py", `"/main.py"`},
		{`it's "x"`, `"it's \"x\""`},
		{"a\\b", `"a\\b"`},
		{"line\nbreak", `"line\nbreak"`},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAbsPath(t *testing.T) {
	if AbsPath("lib") != "/lib" || AbsPath("/lib") != "/lib" {
		t.Fatal("AbsPath did not normalise")
	}
}

func TestListFiles(t *testing.T) {
	flat := ListFiles("lib", false)
	if !strings.Contains(flat, `listdir("/lib")`) {
		t.Errorf("directory not made absolute:\n%s", flat)
	}
	if !strings.Contains(flat, "os.ilistdir") || strings.Contains(flat, "def walk") {
		t.Error("flat listing should use ilistdir only")
	}
	if !strings.Contains(flat, `"%s | %s | %s | %s" % (path`) {
		t.Errorf("output format not rendered:\n%s", flat)
	}

	deep := ListFiles("/", true)
	if !strings.Contains(deep, "def walk") {
		t.Error("recursive listing missing walker")
	}
}

func TestScriptsQuotePaths(t *testing.T) {
	path := `/we'ird "name".txt`
	quoted := Quote(path)
	for name, src := range map[string]string{
		"GetFile":         GetFile(path),
		"FileHash":        FileHash(path),
		"Stat":            Stat(path),
		"SameFile":        SameFile(path, 3, "ABC"),
		"Remove":          Remove(path),
		"RemoveRecursive": RemoveRecursive(path),
		"Mkdir":           Mkdir(path),
		"OpenWrite":       OpenWrite(path),
	} {
		if !strings.Contains(src, quoted) {
			t.Errorf("%s does not contain %s:\n%s", name, quoted, src)
		}
	}
	if got := Rename("/a", "/b"); !strings.Contains(got, `os.rename("/a", "/b")`) {
		t.Errorf("Rename = %q", got)
	}
}

func TestSameFileLowercasesHash(t *testing.T) {
	src := SameFile("/x", 42, "DEADBEEF")
	if !strings.Contains(src, `"deadbeef"`) || !strings.Contains(src, "!= 42") {
		t.Errorf("unexpected script:\n%s", src)
	}
}

func TestReset(t *testing.T) {
	if !strings.Contains(Reset(true), "soft_reset()") {
		t.Error("soft reset")
	}
	if !strings.Contains(Reset(false), "machine.reset()") {
		t.Error("hard reset")
	}
}

func TestWriteChunk(t *testing.T) {
	if got := WriteChunk("6869"); got != "f.write(ubinascii.unhexlify('6869'))\n" {
		t.Errorf("WriteChunk = %q", got)
	}
}
