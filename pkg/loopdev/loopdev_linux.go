//go:build linux

// Package loopdev attaches image files to free loop devices.
package loopdev

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const loopControl = "/dev/loop-control"

// ErrNoLoopDevice indicates that no free loop device could be obtained.
var ErrNoLoopDevice = errors.New("no free loop device available")

// Device is an image file bound to a loop device. The open fd keeps the
// association alive; callers may Release it once a device-mapper table
// referencing the device has been loaded and resumed, because the
// kernel target then holds the backing file on its own.
type Device struct {
	Path string
	file *os.File
}

// Attach binds the image file to the next free loop device and records
// the backing file name in the loop status.
func Attach(image string) (*Device, error) {
	img, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		// Read-only backing still attaches; the kernel marks the
		// loop device read-only then.
		img, err = os.OpenFile(image, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("opening backing image: %w", err)
		}
	}
	defer img.Close()

	ctl, err := os.OpenFile(loopControl, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", loopControl, err)
	}
	defer ctl.Close()

	// A free index can be stolen between GET_FREE and SET_FD; retry
	// with the next one on EBUSY.
	for {
		index, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
		if err != nil {
			return nil, fmt.Errorf("querying free loop device: %w", err)
		}

		path := fmt.Sprintf("/dev/loop%d", index)
		loop, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}

		if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
			loop.Close()
			if err == unix.EBUSY {
				logrus.Debugf("Loop device %s stolen, retrying", path)
				continue
			}
			return nil, fmt.Errorf("binding %s to %s: %w", image, path, err)
		}

		var info unix.LoopInfo64
		copy(info.File_name[:len(info.File_name)-1], image)
		if err := unix.IoctlLoopSetStatus64(int(loop.Fd()), &info); err != nil {
			// The association exists; undo it before failing.
			if cerr := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0); cerr != nil {
				logrus.Warnf("Could not detach %s after failed status update: %v", path, cerr)
			}
			loop.Close()
			return nil, fmt.Errorf("setting loop status on %s: %w", path, err)
		}

		logrus.Debugf("Attached %s to %s", image, path)
		return &Device{Path: path, file: loop}, nil
	}
}

// Release closes the holding fd without detaching the device. Safe once
// a dm target references the loop device.
func (d *Device) Release() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Detach disassociates the backing file and closes the fd. Used on
// error paths where no dm target took over the device.
func (d *Device) Detach() error {
	if d.file == nil {
		f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("reopening %s for detach: %w", d.Path, err)
		}
		d.file = f
	}
	err := unix.IoctlSetInt(int(d.file.Fd()), unix.LOOP_CLR_FD, 0)
	cerr := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("detaching %s: %w", d.Path, err)
	}
	return cerr
}
