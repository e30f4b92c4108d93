// Package ueventsrc decodes and delivers kernel device-change events,
// whether read live off a NETLINK_KOBJECT_UEVENT socket (netlink_linux.go)
// or injected in memory through LoopbackSource (loopback.go).
package ueventsrc

import (
	"strconv"
	"strings"

	"github.com/tripwire/udevd/internal/broker"
)

// ParseUevent decodes a single raw NETLINK_KOBJECT_UEVENT datagram into a
// broker.Device. The kernel's wire format is a NUL-separated sequence of
// ASCII lines: a leading "ACTION@DEVPATH" header line, followed by
// "KEY=VALUE" lines (SUBSYSTEM, SEQNUM, MAJOR, MINOR, DEVTYPE, DEVPATH_OLD,
// IFINDEX, ...). The second bool return reports whether the buffer decoded
// to a usable Device; malformed or truncated datagrams are silently
// dropped, matching the kernel's own "best effort" delivery semantics.
func ParseUevent(buf []byte) (broker.Device, bool) {
	lines := strings.Split(string(buf), "\x00")
	if len(lines) == 0 || lines[0] == "" {
		return broker.Device{}, false
	}

	header := lines[0]
	action, devpath, ok := strings.Cut(header, "@")
	if !ok || action == "" || devpath == "" {
		return broker.Device{}, false
	}

	d := broker.Device{
		Action:  broker.Action(action),
		Devpath: devpath,
	}

	var major, minor int64
	var haveMajor, haveMinor bool

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "SUBSYSTEM":
			d.Subsystem = value
			d.IsBlock = value == "block"
		case "SEQNUM":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				d.Seqnum = n
			}
		case "MAJOR":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				major, haveMajor = n, true
			}
		case "MINOR":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				minor, haveMinor = n, true
			}
		case "DEVTYPE":
			d.Devtype = value
		case "DEVNAME":
			// retained only implicitly via devpath/sysname; not modeled as
			// a separate field, matching spec.md §3.1's attribute set.
		case "DEVPATH_OLD":
			d.DevpathOld = value
		case "IFINDEX":
			if n, err := strconv.Atoi(value); err == nil {
				d.Ifindex = n
			}
		}
	}

	if haveMajor && haveMinor {
		d.Devnum = broker.Devnum{Major: uint32(major), Minor: uint32(minor)}
	}

	idx := strings.LastIndexByte(devpath, '/')
	if idx >= 0 && idx+1 < len(devpath) {
		d.Sysname = devpath[idx+1:]
	} else {
		d.Sysname = devpath
	}

	return d, true
}

// EncodeUevent renders d back into the same NUL-separated wire format
// ParseUevent consumes. internal/sink uses it to publish processed (or, on
// worker failure, re-forwarded unprocessed) devices to the netlink
// multicast group, so subscribers downstream of the broker see the exact
// line shape a kernel-emitted uevent would have had.
func EncodeUevent(d broker.Device) []byte {
	var b strings.Builder
	b.WriteString(string(d.Action))
	b.WriteByte('@')
	b.WriteString(d.Devpath)
	b.WriteByte(0)

	writeKV(&b, "ACTION", string(d.Action))
	writeKV(&b, "DEVPATH", d.Devpath)
	if d.DevpathOld != "" {
		writeKV(&b, "DEVPATH_OLD", d.DevpathOld)
	}
	if d.Subsystem != "" {
		writeKV(&b, "SUBSYSTEM", d.Subsystem)
	}
	if !d.Devnum.IsZero() {
		writeKV(&b, "MAJOR", strconv.FormatUint(uint64(d.Devnum.Major), 10))
		writeKV(&b, "MINOR", strconv.FormatUint(uint64(d.Devnum.Minor), 10))
	}
	if d.Devtype != "" {
		writeKV(&b, "DEVTYPE", d.Devtype)
	}
	if d.Ifindex != 0 {
		writeKV(&b, "IFINDEX", strconv.Itoa(d.Ifindex))
	}
	writeKV(&b, "SEQNUM", strconv.FormatInt(d.Seqnum, 10))

	return []byte(b.String())
}

func writeKV(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte(0)
}
