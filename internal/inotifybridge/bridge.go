// Package inotifybridge synthesizes kernel-style "change" uevents when a
// watched device node is closed after being written to (CLOSE_WRITE) — the
// same signal tools like fdisk and mkfs generate when they finish writing a
// partition table or filesystem superblock directly to a block device.
//
// The socket plumbing (self-pipe shutdown trick, raw InotifyEvent framing)
// is the same shape as the teacher's internal/watcher/inotify_linux.go;
// only the dispatch target and synthesis logic are new.
//
//go:build linux

package inotifybridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/tripwire/udevd/internal/broker"
)

const (
	inCloseWrite   uint32 = 0x8
	inIgnored      uint32 = 0x8000
	inotifyCloexec        = 0x80000 // IN_CLOEXEC

	// blkrrpart is the BLKRRPART ioctl: ask the kernel to re-read a block
	// device's partition table.
	blkrrpart = 0x125f
)

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// SysfsRoot is the mount point used to reach a device's uevent attribute
// and partition children. Overridable in tests.
var SysfsRoot = "/sys"

type watchEntry struct {
	device      broker.Device
	devNodePath string
}

// Bridge implements spec §4.6: it watches device nodes that rule execution
// asked to be watched, and on CLOSE_WRITE synthesizes a "change" event
// (suppressing synthesis when a whole-disk partition-table reread already
// caused the kernel to emit its own).
type Bridge struct {
	logger *slog.Logger

	inotifyFd    int
	pipeR, pipeW int

	mu      sync.Mutex
	watches map[int]watchEntry

	events chan broker.Device

	wg       sync.WaitGroup
	stopOnce sync.Once
	closed   chan struct{}
}

// Open initializes the inotify instance and its shutdown self-pipe. Call Run
// in a goroutine to start processing events, and Close to stop.
func Open(logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return nil, fmt.Errorf("inotifybridge: InotifyInit1: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(ifd)
		return nil, fmt.Errorf("inotifybridge: pipe2: %w", err)
	}

	return &Bridge{
		logger:    logger,
		inotifyFd: ifd,
		pipeR:     pipeFds[0],
		pipeW:     pipeFds[1],
		watches:   make(map[int]watchEntry),
		events:    make(chan broker.Device, 64),
		closed:    make(chan struct{}),
	}, nil
}

// Watch registers a watch on devNodePath for d. Called directly by Run's
// owning process when Watch is invoked in-process, and indirectly by
// ListenWatchRequests on behalf of a worker subprocess, which cannot hold
// the inotify fd itself and instead asks for a watch over the socket
// watchreq.go listens on (spec.md §4.3 step d).
func (b *Bridge) Watch(d broker.Device, devNodePath string) error {
	wd, err := syscall.InotifyAddWatch(b.inotifyFd, devNodePath, inCloseWrite)
	if err != nil {
		return fmt.Errorf("inotifybridge: InotifyAddWatch %s: %w", devNodePath, err)
	}
	b.mu.Lock()
	b.watches[wd] = watchEntry{device: d, devNodePath: devNodePath}
	b.mu.Unlock()
	return nil
}

// Events implements broker.UeventSource: synthesized "change" devices flow
// to the reactor over this channel exactly like a real netlink uevent.
func (b *Bridge) Events() <-chan broker.Device { return b.events }

// Run reads and dispatches inotify events until ctx is cancelled or Close is
// called. It is meant to run in its own goroutine, one per process.
func (b *Bridge) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	const bufSize = 4096 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []syscall.PollFd{
		{Fd: int32(b.inotifyFd), Events: syscall.POLLIN},
		{Fd: int32(b.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			b.logger.Warn("inotifybridge: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(b.inotifyFd, buf)
		if err != nil {
			b.logger.Warn("inotifybridge: read error", slog.Any("error", err))
			return
		}
		b.parseAndDispatch(buf[:n])
	}
}

func (b *Bridge) parseAndDispatch(buf []byte) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize
		if int(ev.Len) > 0 {
			offset += int(ev.Len)
		}
		b.handle(int(ev.Wd), ev.Mask)
	}
}

func (b *Bridge) handle(wd int, mask uint32) {
	if mask&inIgnored != 0 {
		b.mu.Lock()
		delete(b.watches, wd)
		b.mu.Unlock()
		return
	}
	if mask&inCloseWrite == 0 {
		return
	}

	b.mu.Lock()
	entry, ok := b.watches[wd]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.synthesize(entry)
}

// synthesize implements spec.md §4.6's body: whole-disk devices try a
// partition-table reread first and suppress synthesis if the kernel will
// emit its own events; everything else writes the literal string "change"
// to the device's (and each partition child's) uevent attribute and also
// pushes a synthesized Device directly onto the reactor's inotify source so
// the settle/ping protocol observes the new work without waiting on the
// kernel round-trip.
func (b *Bridge) synthesize(entry watchEntry) {
	d := entry.device

	if isWholeDisk(d) {
		hasPartitions, rereadOK := b.rereadPartitionTable(entry.devNodePath, d.Devpath)
		if rereadOK && hasPartitions {
			b.logger.Debug("inotifybridge: partition reread succeeded, suppressing synthesis",
				slog.String("devpath", d.Devpath))
			return
		}
	}

	if err := b.writeChangeAttr(d.Devpath); err != nil {
		b.logger.Warn("inotifybridge: write change to uevent attribute failed",
			slog.String("devpath", d.Devpath), slog.Any("error", err))
	}
	children, err := b.partitionChildren(d.Devpath)
	if err != nil {
		b.logger.Debug("inotifybridge: list partition children failed",
			slog.String("devpath", d.Devpath), slog.Any("error", err))
	}
	for _, child := range children {
		_ = b.writeChangeAttr(child)
	}

	change := d
	change.Action = broker.ActionChange
	select {
	case b.events <- change:
	default:
		b.logger.Warn("inotifybridge: synthesized event dropped, channel full",
			slog.String("devpath", d.Devpath))
	}
}

func isWholeDisk(d broker.Device) bool {
	return d.IsBlock && d.Devtype == "disk" && !isDeviceMapperOrMD(d.Sysname)
}

func isDeviceMapperOrMD(sysname string) bool {
	return strings.HasPrefix(sysname, "dm-") || strings.HasPrefix(sysname, "md")
}

func (b *Bridge) writeChangeAttr(devpath string) error {
	path := filepath.Join(SysfsRoot, devpath, "uevent")
	return os.WriteFile(path, []byte("change"), 0)
}

// partitionChildren lists the sysfs child directories of devpath that carry
// a "partition" attribute, i.e. the partition devices of a whole disk.
func (b *Bridge) partitionChildren(devpath string) ([]string, error) {
	dir := filepath.Join(SysfsRoot, devpath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var children []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "partition")); err == nil {
			children = append(children, filepath.Join(devpath, e.Name()))
		}
	}
	return children, nil
}

// rereadPartitionTable issues BLKRRPART on devNodePath. hasPartitions
// reflects whether devpath currently has partition children (computed
// before the reread, since a successful reread may itself remove them
// transiently); ok reports whether the ioctl succeeded.
func (b *Bridge) rereadPartitionTable(devNodePath, devpath string) (hasPartitions, ok bool) {
	children, err := b.partitionChildren(devpath)
	if err != nil {
		return false, false
	}
	hasPartitions = len(children) > 0
	if !hasPartitions {
		return false, false
	}

	fd, err := syscall.Open(devNodePath, syscall.O_RDONLY, 0)
	if err != nil {
		return hasPartitions, false
	}
	defer syscall.Close(fd)

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(blkrrpart), 0)
	return hasPartitions, errno == 0
}

// Close stops Run and releases the inotify and pipe file descriptors. Safe
// to call more than once.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		syscall.Write(b.pipeW, []byte{0}) //nolint:errcheck
		syscall.Close(b.pipeW)
		syscall.Close(b.pipeR)
		syscall.Close(b.inotifyFd)
		close(b.events)
		close(b.closed)
	})
	return nil
}
