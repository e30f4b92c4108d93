// Package devicedb persists device records under /run/udev/data (spec.md
// §6) and maintains the tag-symlink index ("is this device tagged
// systemd, power-switch, ...") that rule execution populates and the
// broker tears down on worker failure.
//
// Two implementations satisfy the same Store interface: FileStore, a
// literal rendering of the real /run/udev/data/<key> contract, and
// SQLiteStore, a WAL-mode indexed store grounded on the teacher's
// internal/queue/sqlite_queue.go. internal/config's db_backend knob
// selects between them; internal/broker only ever calls the narrower
// Delete/UntagIndex subset (see internal/broker/collaborators.go), so
// either one satisfies broker.DevicePersistence without an adapter.
package devicedb

import (
	"fmt"

	"github.com/tripwire/udevd/internal/broker"
)

// Store is the full device-persistence surface: Record and TagIndex are
// called only by the worker subprocess after a successful rule run;
// Delete and UntagIndex are called by the broker itself when a worker
// dies holding an event (spec.md §4.4 on_child_exit).
type Store interface {
	// Record persists the device's current property snapshot, keyed by
	// Key(d).
	Record(d broker.Device, properties map[string]string) error

	// Delete removes the device's record entirely.
	Delete(d broker.Device) error

	// TagIndex adds d to every tag directory named in tags, replacing any
	// previously recorded tag set for this device.
	TagIndex(d broker.Device, tags []string) error

	// UntagIndex removes d from every tag directory it was previously
	// added to.
	UntagIndex(d broker.Device) error
}

// Key computes the canonical /run/udev/data file-name key for a device,
// matching real udev's convention: "b<major>:<minor>" for block device
// nodes, "c<major>:<minor>" for character device nodes, "n<ifindex>" for
// network interfaces, and "+<subsystem>:<sysname>" for everything else
// (buses, class devices with no node or interface of their own).
func Key(d broker.Device) string {
	switch {
	case !d.Devnum.IsZero() && d.IsBlock:
		return fmt.Sprintf("b%d:%d", d.Devnum.Major, d.Devnum.Minor)
	case !d.Devnum.IsZero():
		return fmt.Sprintf("c%d:%d", d.Devnum.Major, d.Devnum.Minor)
	case d.Ifindex != 0:
		return fmt.Sprintf("n%d", d.Ifindex)
	default:
		return fmt.Sprintf("+%s:%s", d.Subsystem, d.Sysname)
	}
}
