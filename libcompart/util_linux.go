//go:build linux

package libcompart

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
)

// copyFile byte-copies src to dst, creating or truncating dst.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func isMountpoint(path string) bool {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		return false
	}
	return mounted
}

// isBlockDevice reports whether path is, or links to, a block device.
func isBlockDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

// waitForDevice polls for a device node to appear. udev publishes
// mapper nodes asynchronously after a dm resume, so a fresh device is
// not immediately there.
func waitForDevice(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for unix.Access(path, unix.F_OK) != nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", path, define.ErrDeviceTimeout)
		}
		logrus.Debugf("Waiting for %s", path)
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
