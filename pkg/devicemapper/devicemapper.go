//go:build linux

// Package devicemapper drives the kernel device-mapper through the
// /dev/mapper/control ioctl interface directly, without dmsetup.
package devicemapper

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// ControlPath is the device-mapper control node.
	ControlPath = "/dev/mapper/control"
	// MapperPrefix is the directory holding mapped device nodes.
	MapperPrefix = "/dev/mapper"

	dmNameLen    = 128
	dmUUIDLen    = 129
	dmMaxTypeLen = 16

	// All targets driven here fit their parameters into one page.
	bufferSize = 4096

	// DM_DEV_CREATE and DM_TABLE_LOAD can transiently fail while udev
	// still holds the device; retried with a fixed sleep in between.
	ioctlRetries    = 10
	ioctlRetrySleep = 500 * time.Millisecond

	// ExistsFlag corresponds to DM_EXISTS_FLAG and is set on crypt
	// table loads.
	ExistsFlag = 0x00000004
	// ReadOnlyFlag corresponds to DM_READONLY_FLAG.
	ReadOnlyFlag = 0x00000001

	statusTableFlag = 0x00000010
)

// dmIoctl mirrors struct dm_ioctl from <linux/dm-ioctl.h>.
type dmIoctl struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	_           uint32
	Dev         uint64
	Name        [dmNameLen]byte
	UUID        [dmUUIDLen]byte
	Data        [7]byte
}

// dmTargetSpec mirrors struct dm_target_spec.
type dmTargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [dmMaxTypeLen]byte
}

const (
	hdrSize = uint32(unsafe.Sizeof(dmIoctl{}))
	tgtSize = uint32(unsafe.Sizeof(dmTargetSpec{}))
)

// Ioctl request numbers, _IOWR('\xfd', nr, struct dm_ioctl).
func dmCmd(nr uintptr) uintptr {
	return (3 << 30) | (uintptr(hdrSize) << 16) | (0xfd << 8) | nr
}

var (
	dmDevCreate   = dmCmd(3)
	dmDevRemove   = dmCmd(4)
	dmDevSuspend  = dmCmd(6)
	dmDevStatus   = dmCmd(7)
	dmTableLoad   = dmCmd(9)
	dmTableStatus = dmCmd(12)
)

var cmdNames = map[uintptr]string{
	dmDevCreate:   "DM_DEV_CREATE",
	dmDevRemove:   "DM_DEV_REMOVE",
	dmDevSuspend:  "DM_DEV_SUSPEND",
	dmDevStatus:   "DM_DEV_STATUS",
	dmTableLoad:   "DM_TABLE_LOAD",
	dmTableStatus: "DM_TABLE_STATUS",
}

// ErrNoSuchDevice indicates that the queried mapping does not exist in
// the kernel table. It is distinguishable from real ioctl failures.
var ErrNoSuchDevice = errors.New("no such device-mapper device")

// IoctlError is a failed device-mapper ioctl with the causing errno.
type IoctlError struct {
	Cmd   string
	Errno unix.Errno
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("%s ioctl failed: %v", e.Cmd, e.Errno)
}

func (e *IoctlError) Unwrap() error { return e.Errno }

// RetryError indicates that a retried ioctl never succeeded.
type RetryError struct {
	Cmd  string
	Last error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s did not succeed after %d tries: %v", e.Cmd, ioctlRetries, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// Table describes a single-target mapping table.
type Table struct {
	TargetType  string
	SectorStart uint64
	// Length of the mapping in 512-byte sectors.
	Length uint64
	// Params is the target parameter string, target specific.
	Params string
	// Flags are set on the dm_ioctl header of the load (ExistsFlag,
	// ReadOnlyFlag).
	Flags uint32
}

// Control is an open handle on /dev/mapper/control.
type Control struct {
	f *os.File
}

// OpenControl opens the device-mapper control node.
func OpenControl() (*Control, error) {
	f, err := os.OpenFile(ControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ControlPath, err)
	}
	return &Control{f: f}, nil
}

// Close releases the control handle. Mapped devices are unaffected.
func (c *Control) Close() error {
	return c.f.Close()
}

func initHeader(buf []byte, name string, flags uint32) *dmIoctl {
	for i := range buf {
		buf[i] = 0
	}
	io := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	io.Version = [3]uint32{4, 0, 0}
	io.DataSize = uint32(len(buf))
	io.DataStart = hdrSize
	io.Flags = flags
	copy(io.Name[:dmNameLen-1], name)
	return io
}

func (c *Control) ioctl(cmd uintptr, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), cmd, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return &IoctlError{Cmd: cmdNames[cmd], Errno: errno}
	}
	return nil
}

// ioctlRetried retries transiently failing ioctls with a fixed sleep,
// reporting the last errno if the budget is exhausted.
func (c *Control) ioctlRetried(cmd uintptr, buf []byte) error {
	var err error
	for i := 0; i < ioctlRetries; i++ {
		if err = c.ioctl(cmd, buf); err == nil {
			if i > 0 {
				logrus.Debugf("%s took %d tries", cmdNames[cmd], i+1)
			}
			return nil
		}
		time.Sleep(ioctlRetrySleep)
	}
	return &RetryError{Cmd: cmdNames[cmd], Last: err}
}

// CreateDevice registers an empty mapping under name.
func (c *Control) CreateDevice(name string) error {
	buf := make([]byte, bufferSize)
	initHeader(buf, name, 0)
	return c.ioctlRetried(dmDevCreate, buf)
}

// LoadTable loads a single-target table into the inactive slot of the
// named device. The parameter string is appended NUL-terminated after
// the target spec and padded to an 8-byte boundary; the spec's Next
// field points just past the padding.
func (c *Control) LoadTable(name string, table Table) error {
	buf := make([]byte, bufferSize)
	if err := encodeTable(buf, name, table); err != nil {
		return err
	}
	logrus.Debugf("Loading %s table for %s: %q", table.TargetType, name, table.Params)
	return c.ioctlRetried(dmTableLoad, buf)
}

func encodeTable(buf []byte, name string, table Table) error {
	if len(table.Params)+int(hdrSize)+int(tgtSize)+8 > len(buf) {
		return fmt.Errorf("table parameters for %q exceed %d byte buffer", name, len(buf))
	}
	io := initHeader(buf, name, table.Flags)
	io.TargetCount = 1

	tgt := (*dmTargetSpec)(unsafe.Pointer(&buf[hdrSize]))
	tgt.SectorStart = table.SectorStart
	tgt.Length = table.Length
	tgt.Status = 0
	copy(tgt.TargetType[:dmMaxTypeLen-1], table.TargetType)

	paramsStart := hdrSize + tgtSize
	n := copy(buf[paramsStart:], table.Params)
	// NUL terminator, then pad up to the next 8-byte boundary.
	end := paramsStart + uint32(n) + 1
	end = (end + 7) &^ 7
	tgt.Next = end - hdrSize
	return nil
}

// Resume activates the most recently loaded table. The kernel uses the
// same ioctl for suspend and resume; a device with a fresh inactive
// table resumes.
func (c *Control) Resume(name string) error {
	buf := make([]byte, bufferSize)
	initHeader(buf, name, 0)
	return c.ioctl(dmDevSuspend, buf)
}

// RemoveDevice removes the named mapping. A missing device yields
// ErrNoSuchDevice.
func (c *Control) RemoveDevice(name string) error {
	buf := make([]byte, bufferSize)
	initHeader(buf, name, 0)
	if err := c.ioctl(dmDevRemove, buf); err != nil {
		var ie *IoctlError
		if errors.As(err, &ie) && ie.Errno == unix.ENXIO {
			return ErrNoSuchDevice
		}
		return err
	}
	return nil
}

// DeviceNumber returns the major and minor numbers of the named
// mapping.
func (c *Control) DeviceNumber(name string) (uint32, uint32, error) {
	buf := make([]byte, bufferSize)
	io := initHeader(buf, name, 0)
	if err := c.ioctl(dmDevStatus, buf); err != nil {
		var ie *IoctlError
		if errors.As(err, &ie) && ie.Errno == unix.ENXIO {
			return 0, 0, ErrNoSuchDevice
		}
		return 0, 0, err
	}
	// The kernel reports dev in huge_encode_dev() format.
	return unix.Major(io.Dev), unix.Minor(io.Dev), nil
}

// TargetType reads back the live table of the named device and returns
// its target type ("crypt", "integrity", "verity", ...). A missing
// device yields ErrNoSuchDevice rather than an error.
func (c *Control) TargetType(name string) (string, error) {
	buf := make([]byte, bufferSize)
	io := initHeader(buf, name, statusTableFlag)
	if err := c.ioctl(dmTableStatus, buf); err != nil {
		var ie *IoctlError
		if errors.As(err, &ie) && ie.Errno == unix.ENXIO {
			return "", ErrNoSuchDevice
		}
		return "", err
	}
	if io.TargetCount == 0 || io.DataStart >= io.DataSize {
		return "", ErrNoSuchDevice
	}
	tgt := (*dmTargetSpec)(unsafe.Pointer(&buf[io.DataStart]))
	tt := tgt.TargetType[:]
	if i := bytes.IndexByte(tt, 0); i >= 0 {
		tt = tt[:i]
	}
	return string(tt), nil
}

// DevicePath returns the /dev/mapper node path for a mapping name.
func DevicePath(name string) string {
	return filepath.Join(MapperPrefix, name)
}

// MakeNode creates the /dev/mapper/<name> block node from the numbers
// the kernel reported for the mapping. An existing node is left alone.
func (c *Control) MakeNode(name string) (string, error) {
	major, minor, err := c.DeviceNumber(name)
	if err != nil {
		return "", err
	}
	device := DevicePath(name)
	if err := unix.Mknod(device, unix.S_IFBLK|0o600, int(unix.Mkdev(major, minor))); err != nil {
		if err != unix.EEXIST {
			return "", fmt.Errorf("mknod %s: %w", device, err)
		}
		logrus.Debugf("Device node %s already exists", device)
	}
	return device, nil
}

// RemoveNode unlinks the /dev/mapper node of a removed mapping. A node
// that is already gone is not an error.
func RemoveNode(name string) error {
	if err := os.Remove(DevicePath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BlockDeviceSize returns the size of an open block device in bytes.
func BlockDeviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, &IoctlError{Cmd: "BLKGETSIZE64", Errno: errno}
	}
	return size, nil
}

// BlockDeviceSectorSize returns the logical sector size of an open
// block device in bytes.
func BlockDeviceSectorSize(f *os.File) (int, error) {
	var ssz int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKSSZGET, uintptr(unsafe.Pointer(&ssz)))
	if errno != 0 {
		return 0, &IoctlError{Cmd: "BLKSSZGET", Errno: errno}
	}
	return int(ssz), nil
}

// BlockDeviceSizeSectors returns the device size in 512-byte sectors as
// the device-mapper expects table lengths.
func BlockDeviceSizeSectors(f *os.File) (uint64, error) {
	size, err := BlockDeviceSize(f)
	if err != nil {
		return 0, err
	}
	ssz, err := BlockDeviceSectorSize(f)
	if err != nil {
		return 0, err
	}
	if ssz <= 0 {
		return 0, fmt.Errorf("invalid sector size %d on %s", ssz, f.Name())
	}
	return size / 512, nil
}
