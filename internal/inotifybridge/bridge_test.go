//go:build linux

package inotifybridge

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/udevd/internal/broker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func withSysfsRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := SysfsRoot
	SysfsRoot = dir
	t.Cleanup(func() { SysfsRoot = old })
	return dir
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b, err := Open(newTestLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestIsWholeDisk(t *testing.T) {
	cases := []struct {
		name string
		d    broker.Device
		want bool
	}{
		{"whole disk", broker.Device{IsBlock: true, Devtype: "disk", Sysname: "sda"}, true},
		{"partition", broker.Device{IsBlock: true, Devtype: "partition", Sysname: "sda1"}, false},
		{"device-mapper", broker.Device{IsBlock: true, Devtype: "disk", Sysname: "dm-0"}, false},
		{"md raid", broker.Device{IsBlock: true, Devtype: "disk", Sysname: "md0"}, false},
		{"non-block", broker.Device{IsBlock: false, Devtype: "disk", Sysname: "sda"}, false},
	}
	for _, c := range cases {
		if got := isWholeDisk(c.d); got != c.want {
			t.Errorf("%s: isWholeDisk = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBridge_SynthesizeWritesChangeAndEmitsEvent(t *testing.T) {
	root := withSysfsRoot(t)
	devpath := "devices/pci0000:00/ata1/host0/target0:0:0/0:0:0:0/block/sda"
	if err := os.MkdirAll(filepath.Join(root, devpath, "sda1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, devpath, "sda1", "partition"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := newTestBridge(t)
	d := broker.Device{Devpath: devpath, IsBlock: true, Devtype: "partition", Sysname: "sda1"}
	b.synthesize(watchEntry{device: d, devNodePath: "/dev/null"})

	data, err := os.ReadFile(filepath.Join(root, devpath, "uevent"))
	if err != nil {
		t.Fatalf("expected change written to uevent attribute: %v", err)
	}
	if string(data) != "change" {
		t.Errorf("uevent attribute = %q, want change", data)
	}

	select {
	case ev := <-b.Events():
		if ev.Action != broker.ActionChange {
			t.Errorf("synthesized action = %q, want change", ev.Action)
		}
		if ev.Devpath != devpath {
			t.Errorf("synthesized devpath = %q, want %q", ev.Devpath, devpath)
		}
	default:
		t.Fatal("expected a synthesized change event on the events channel")
	}
}

func TestBridge_PartitionChildrenListsOnlyPartitions(t *testing.T) {
	root := withSysfsRoot(t)
	devpath := "devices/virtual/block/sda"
	if err := os.MkdirAll(filepath.Join(root, devpath, "sda1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, devpath, "sda1", "partition"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, devpath, "queue"), 0o755); err != nil {
		t.Fatal(err)
	}

	b := newTestBridge(t)
	children, err := b.partitionChildren(devpath)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0] != filepath.Join(devpath, "sda1") {
		t.Errorf("partitionChildren = %v, want [%s]", children, filepath.Join(devpath, "sda1"))
	}
}

func TestBridge_HandleIgnoredRemovesWatch(t *testing.T) {
	b := newTestBridge(t)
	b.watches[7] = watchEntry{device: broker.Device{Devpath: "devices/x"}}
	b.handle(7, inIgnored)
	if _, ok := b.watches[7]; ok {
		t.Error("expected watch removed on IN_IGNORED")
	}
}

func TestBridge_HandleUnknownWatchDescriptorIsNoop(t *testing.T) {
	b := newTestBridge(t)
	b.handle(999, inCloseWrite) // must not panic
}
