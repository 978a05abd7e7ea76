package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.bug.st/serial/enumerator"
)

func withPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	orig := detailedPorts
	detailedPorts = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { detailedPorts = orig })
}

func TestListDevices(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", SerialNumber: "0001", Product: "CP2102"},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/tty.usbserial-1"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "0005"},
	}, nil)

	all, err := ListDevices(false)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, d := range all {
		paths = append(paths, d.Path)
	}
	want := []string{"/dev/ttyACM0", "/dev/ttyS0", "/dev/ttyUSB0"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}

	usb, _ := ListDevices(true)
	if len(usb) != 2 {
		t.Fatalf("usb only = %+v", usb)
	}
	if got := usb[1].Description(); got != "10c4:ea60 CP2102 s/n 0001" {
		t.Fatalf("Description = %q", got)
	}
	if (Device{Path: "/dev/ttyS0"}).Description() != "" {
		t.Fatal("non-USB devices have no description")
	}
}

func TestListDevicesError(t *testing.T) {
	boom := errors.New("boom")
	withPorts(t, nil, boom)
	if _, err := ListDevices(false); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckSerialPath(t *testing.T) {
	if err := CheckSerialPath("/dev/does-not-exist"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing path err = %v", err)
	}

	regular := filepath.Join(t.TempDir(), "file")
	os.WriteFile(regular, nil, 0o644)
	if err := CheckSerialPath(regular); err == nil {
		t.Fatal("regular file accepted")
	}

	if _, err := os.Stat("/dev/null"); err == nil {
		if err := CheckSerialPath("/dev/null"); err != nil {
			t.Fatalf("/dev/null: %v", err)
		}
	}
}
