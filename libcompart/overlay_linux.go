//go:build linux

package libcompart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
)

// mountOverlayEntry prepares the overlay composition of an entry:
// which device backs the upper layer, which (if any) backs the lower
// layer, and whether a fresh upper image needs a filesystem first.
func (m *Mounter) mountOverlayEntry(dir, dev, img string, newImage bool, mountflags uintptr, mountData string, e *define.MountEntry) error {
	var upperDev, lowerDev, upperFS, lowerFS string

	switch e.Type {
	case define.MountTypeOverlayRW:
		upperDev = dev
		upperFS = e.FS
		if newImage {
			if err := formatImage(dev, upperFS); err != nil {
				return err
			}
			logrus.Debugf("Formatted new overlay upper image %s", img)
		}
		if upperFS == "btrfs" && strings.HasPrefix(e.MountData, "subvol") {
			if err := btrfsCreateSubvol(dev, e.MountData); err != nil {
				logrus.Warnf("Could not ensure btrfs subvolume on %s: %v", dev, err)
			}
		}
	case define.MountTypeOverlayRO:
		upperDev = dev
		upperFS = e.FS
		mountflags |= unix.MS_RDONLY
	case define.MountTypeSharedRW:
		upperFS = "tmpfs"
		lowerFS = e.FS
		lowerDev = dev
	default:
		return fmt.Errorf("%w: %s cannot mount as overlay", define.ErrUnsupportedMountType, e.Type)
	}

	m.overlayCount++
	scratch := filepath.Join(m.overlayDir(), fmt.Sprintf("%d", m.overlayCount))

	if err := m.mountOverlay(dir, upperFS, lowerFS, mountflags, mountData, upperDev, lowerDev, scratch); err != nil {
		return fmt.Errorf("mounting %s as overlay on %s: %w", img, dir, err)
	}
	logrus.Debugf("Mounted %s as overlay to %s", img, dir)
	return nil
}

// mountOverlay assembles upper/work on the upper backing filesystem
// under the scratch dir and prepares the lower dir. With a shifter it
// registers the whole composition for id shifting in one call, so the
// compartment sees consistent ownership across all three; without one
// it mounts the overlay on the target directly.
func (m *Mounter) mountOverlay(targetDir, upperFS, lowerFS string, mountflags uintptr, mountData, upperDev, lowerDev, scratch string) error {
	if upperDev == "" {
		upperDev = "tmpfs"
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return &define.OverlayError{Step: "scratch dir", Cause: err}
	}

	lowerDir := scratch + "-lower"
	upperDir := filepath.Join(scratch, "upper")
	workDir := filepath.Join(scratch, "work")

	// Upper and work must live on the same filesystem; the backing
	// image (or tmpfs) is mounted at the scratch dir for both.
	if err := unix.Mount(upperDev, scratch, upperFS, mountflags, mountData); err != nil {
		return &define.OverlayError{Step: "upper backing mount",
			Cause: &define.MountError{Src: upperDev, Dst: scratch, FS: upperFS, Cause: err}}
	}

	if err := os.MkdirAll(upperDir, 0o777); err != nil {
		return &define.OverlayError{Step: "upper dir", Cause: err}
	}
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		return &define.OverlayError{Step: "work dir", Cause: err}
	}

	if lowerDev != "" {
		if err := os.MkdirAll(lowerDir, 0o755); err != nil {
			return &define.OverlayError{Step: "lower dir", Cause: err}
		}
		if err := waitForDevice(lowerDev, m.cfg.DeviceWaitTimeout.Duration); err != nil {
			return &define.OverlayError{Step: "lower device", Cause: err}
		}
		if err := unix.Mount(lowerDev, lowerDir, lowerFS, mountflags|unix.MS_RDONLY, mountData); err != nil {
			return &define.OverlayError{Step: "lower mount",
				Cause: &define.MountError{Src: lowerDev, Dst: lowerDir, FS: lowerFS, Cause: err}}
		}
		logrus.Debugf("Mounted overlay lower %s to %s", lowerDev, lowerDir)
	} else {
		lowerDir = targetDir
	}

	// With a shifter the composition happens through the idmapped
	// mount it sets up; otherwise the overlay is mounted here.
	if m.compart.Shifter != nil {
		if err := m.compart.shiftIDs(scratch, targetDir, lowerDir); err != nil {
			return &define.OverlayError{Step: "id shift registration",
				Cause: fmt.Errorf("overlay %s (lower %s) on %s: %w", scratch, lowerDir, targetDir, err)}
		}
		return nil
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerDir, upperDir, workDir)
	if err := unix.Mount("overlay", targetDir, "overlay", 0, opts); err != nil {
		return &define.OverlayError{Step: "overlay mount",
			Cause: &define.MountError{Src: "overlay", Dst: targetDir, FS: "overlay", Cause: err}}
	}
	return nil
}
