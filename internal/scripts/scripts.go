// Package scripts generates the MicroPython snippets that implement file and
// board operations. Each snippet prints a small line-oriented result that the
// device package parses.
package scripts

import (
	"fmt"
	"strconv"
	"strings"
)

const importOS = `
try:
    import os
except ImportError:
    import uos as os
`

// Quote renders s as a Python string literal. Go's escapes (\", \\, \n, \xNN,
// \uNNNN) are all valid Python.
func Quote(s string) string {
	return strconv.Quote(s)
}

// AbsPath prefixes a missing leading slash.
func AbsPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// ListFiles prints "path | d|f | size | mtime" per entry, sorted by path.
// A recursive listing also reports empty directories.
func ListFiles(dir string, recursive bool) string {
	var b strings.Builder
	b.WriteString(importOS)
	if recursive {
		b.WriteString(`
def listdir(directory):
    result = set()
    def walk(p):
        try:
            children = os.listdir(p)
        except OSError:
            st = os.stat(p)
            result.add((p, False, st[6], st[8]))
        else:
            result.add((p, True, 0, 0))
            for child in children:
                walk(p + child if p == '/' else p + '/' + child)
    walk(directory)
    return sorted(result)
`)
	} else {
		b.WriteString(`
def listdir(directory):
    out = []
    for entry in os.ilistdir(directory):
        name, kind, size = entry[0], entry[1], entry[3] if len(entry) > 3 else -1
        path = directory + name if directory == '/' else directory + '/' + name
        st = os.stat(path)
        if size == -1:
            size = st[6]
        out.append((path, kind == 0x4000, size, st[8]))
    return sorted(out)
`)
	}
	fmt.Fprintf(&b, `
for (path, isdir, size, mtime) in listdir(%s):
    print("%%s | %%s | %%s | %%s" %% (path, 'd' if isdir else 'f', size, mtime))
`, Quote(AbsPath(dir)))
	return b.String()
}

// GetFile writes the file as hex, 32 bytes per read.
func GetFile(path string) string {
	return fmt.Sprintf(`
import sys
import ubinascii
with open(%s, 'rb') as infile:
    while True:
        chunk = infile.read(32)
        if chunk == b'':
            break
        sys.stdout.write(ubinascii.hexlify(chunk))
`, Quote(path))
}

const hashFunc = `
import ubinascii
import uhashlib
def file_hash(path):
    hasher = uhashlib.sha256()
    with open(path, 'rb') as infile:
        while True:
            chunk = infile.read(32)
            if chunk == b'':
                break
            hasher.update(chunk)
    return ubinascii.hexlify(hasher.digest()).decode()
`

// FileHash prints the hex SHA-256 of the file.
func FileHash(path string) string {
	return hashFunc + fmt.Sprintf("print(file_hash(%s))\n", Quote(path))
}

// Stat prints "x" when path does not exist, else "f|d | size".
func Stat(path string) string {
	return importOS + fmt.Sprintf(`
try:
    st = os.stat(%s)
    print('%%s | %%s' %% ('f' if st[0] == 0x8000 else 'd', st[6]))
except OSError:
    print('x')
`, Quote(path))
}

// SameFile prints "1" when the device file has the given size and SHA-256,
// otherwise "0". A missing file prints "0".
func SameFile(path string, size int64, sha256Hex string) string {
	return importOS + hashFunc + fmt.Sprintf(`
try:
    st = os.stat(%[1]s)
except OSError:
    print('0')
else:
    if st[6] != %[2]d:
        print('0')
    else:
        print('1' if file_hash(%[1]s) == %[3]s else '0')
`, Quote(path), size, Quote(strings.ToLower(sha256Hex)))
}

// Remove deletes a file or an empty directory.
func Remove(path string) string {
	return importOS + fmt.Sprintf(`
p = %s
if os.stat(p)[0] & 0x4000:
    os.rmdir(p)
else:
    os.remove(p)
`, Quote(path))
}

// RemoveRecursive deletes path and everything below it.
func RemoveRecursive(path string) string {
	return importOS + fmt.Sprintf(`
def rmtree(p):
    if os.stat(p)[0] & 0x4000:
        for child in os.listdir(p):
            rmtree(p + child if p == '/' else p + '/' + child)
        if p != '/':
            os.rmdir(p)
    else:
        os.remove(p)
rmtree(%s)
`, Quote(path))
}

func Rename(oldPath, newPath string) string {
	return importOS + fmt.Sprintf("os.rename(%s, %s)\n", Quote(oldPath), Quote(newPath))
}

func Mkdir(path string) string {
	return importOS + fmt.Sprintf("os.mkdir(%s)\n", Quote(path))
}

// Reset restarts the board. A hard reset also power-cycles peripherals.
func Reset(soft bool) string {
	if soft {
		return "import machine\nmachine.soft_reset()\n"
	}
	return "import machine\nmachine.reset()\n"
}

// BoardInfo prints, one per line: sysname, nodename, release, version,
// machine, unique id (hex or None), free heap, and the root filesystem's
// block size, total blocks and free blocks.
func BoardInfo() string {
	return importOS + `
import gc
import ubinascii
u = os.uname()
for v in (u.sysname, u.nodename, u.release, u.version, u.machine):
    print(v)
try:
    import machine
    print(ubinascii.hexlify(machine.unique_id()).decode())
except Exception:
    print('None')
gc.collect()
print(gc.mem_free())
fs = os.statvfs('/')
print(fs[0])
print(fs[2])
print(fs[3])
`
}

// OpenWrite opens path for writing as f. The upload then sends WriteChunk
// scripts and finishes with CloseWrite.
func OpenWrite(path string) string {
	return fmt.Sprintf("import ubinascii\nf = open(%s, 'wb')\n", Quote(path))
}

// WriteChunk appends hex-encoded bytes to the file opened by OpenWrite.
func WriteChunk(hexData string) string {
	return fmt.Sprintf("f.write(ubinascii.unhexlify('%s'))\n", hexData)
}

func CloseWrite() string {
	return "f.close()\n"
}
