package devicedb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/udevd/internal/broker"
	"github.com/tripwire/udevd/internal/devicedb"
)

// conformance exercises the same Record/TagIndex/UntagIndex/Delete sequence
// against any devicedb.Store implementation.
func conformance(t *testing.T, store devicedb.Store) {
	t.Helper()

	d := broker.Device{
		Devpath:   "/devices/pci0000:00/0000:00:0d.0/ata1/host0/target0:0:0/0:0:0:0/block/sda",
		Devnum:    broker.Devnum{Major: 8, Minor: 0},
		IsBlock:   true,
		Subsystem: "block",
		Sysname:   "sda",
	}

	if err := store.Record(d, map[string]string{"ID_BUS": "ata", "ID_TYPE": "disk"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := store.TagIndex(d, []string{"systemd", "seat"}); err != nil {
		t.Fatalf("TagIndex: %v", err)
	}

	// Re-tagging with a smaller set must drop the tag no longer present.
	if err := store.TagIndex(d, []string{"systemd"}); err != nil {
		t.Fatalf("TagIndex (retag): %v", err)
	}

	if err := store.UntagIndex(d); err != nil {
		t.Fatalf("UntagIndex: %v", err)
	}

	// UntagIndex on a device with no tags must be a no-op, not an error
	// (worker-fatal cleanup calls it unconditionally).
	if err := store.UntagIndex(d); err != nil {
		t.Fatalf("UntagIndex (idempotent): %v", err)
	}

	if err := store.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Delete on an already-deleted device must also be a no-op.
	if err := store.Delete(d); err != nil {
		t.Fatalf("Delete (idempotent): %v", err)
	}
}

func TestFileStore_Conformance(t *testing.T) {
	dir := t.TempDir()
	store, err := devicedb.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	conformance(t, store)
}

func TestFileStore_RecordWritesExpectedLines(t *testing.T) {
	dir := t.TempDir()
	store, err := devicedb.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	d := broker.Device{Ifindex: 3, Subsystem: "net", Sysname: "eth0"}
	if err := store.Record(d, map[string]string{"ID_NET_NAME": "eth0"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	key := devicedb.Key(d)
	if key != "n3" {
		t.Fatalf("Key = %q, want n3", key)
	}

	data, err := readFile(filepath.Join(dir, "data", key))
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	if data != "E:ID_NET_NAME=eth0\n" {
		t.Fatalf("data file content = %q", data)
	}
}

func TestSQLiteStore_Conformance(t *testing.T) {
	store, err := devicedb.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	conformance(t, store)
}

func TestKey_Variants(t *testing.T) {
	cases := []struct {
		name string
		d    broker.Device
		want string
	}{
		{"block", broker.Device{Devnum: broker.Devnum{Major: 8, Minor: 1}, IsBlock: true}, "b8:1"},
		{"char", broker.Device{Devnum: broker.Devnum{Major: 13, Minor: 64}}, "c13:64"},
		{"network", broker.Device{Ifindex: 5}, "n5"},
		{"bus", broker.Device{Subsystem: "usb", Sysname: "1-1"}, "+usb:1-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := devicedb.Key(tc.d); got != tc.want {
				t.Errorf("Key() = %q, want %q", got, tc.want)
			}
		})
	}
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}
