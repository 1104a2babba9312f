//go:build linux

package libcompart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containers/storage/pkg/idtools"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
)

// mountDev mounts the compartment's /dev tmpfs under the scratch root
// and prepares /dev/pts. The tmpfs is shared so late device additions
// propagate into the compartment.
func (m *Mounter) mountDev() error {
	devMnt := filepath.Join(m.root, "dev")
	ptsMnt := filepath.Join(devMnt, "pts")

	if err := os.Mkdir(devMnt, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating %s: %w", devMnt, err)
	}
	if err := unix.Mount("tmpfs", devMnt, "tmpfs", unix.MS_RELATIME|unix.MS_NOSUID, ""); err != nil {
		return &define.MountError{Src: "tmpfs", Dst: devMnt, FS: "tmpfs", Cause: err}
	}
	if err := unix.Mount("", devMnt, "", unix.MS_SHARED, ""); err != nil {
		logrus.Warnf("Could not apply MS_SHARED to %s: %v", devMnt, err)
	}

	root := m.compart.rootPair()
	if err := os.Chown(devMnt, root.UID, root.GID); err != nil {
		logrus.Warnf("Could not chown %s to mapped root: %v", devMnt, err)
	}
	if err := m.compart.shiftIDs(devMnt, devMnt, ""); err != nil {
		return fmt.Errorf("shifting ids for %s: %w", devMnt, err)
	}

	if err := os.Mkdir(ptsMnt, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating %s: %w", ptsMnt, err)
	}
	return os.Chmod(devMnt, 0o755)
}

// populateDev copies the host's device nodes into the compartment's
// /dev tmpfs, filtered by the compartment's device policy. Mountpoints
// under /dev (pts and friends) are never copied.
func (m *Mounter) populateDev() error {
	devMnt := filepath.Join(m.root, "dev")
	root := m.compart.rootPair()

	entries, err := os.ReadDir("/dev")
	if err != nil {
		return fmt.Errorf("reading /dev: %w", err)
	}
	for _, ent := range entries {
		src := filepath.Join("/dev", ent.Name())
		dst := filepath.Join(devMnt, ent.Name())

		if isMountpoint(src) {
			logrus.Debugf("Not copying mountpoint %s", src)
			continue
		}

		var st unix.Stat_t
		if err := unix.Stat(src, &st); err != nil {
			continue
		}

		var devType byte
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFBLK:
			devType = 'b'
		case unix.S_IFCHR:
			devType = 'c'
		default:
			continue
		}

		major := uint32(unix.Major(st.Rdev))
		minor := uint32(unix.Minor(st.Rdev))
		if m.compart.DeviceAllowed != nil && !m.compart.DeviceAllowed(devType, major, minor) {
			logrus.Debugf("Filtered device %s (%c %d:%d)", src, devType, major, minor)
			continue
		}

		if err := unix.Mknod(dst, st.Mode, int(st.Rdev)); err != nil && err != unix.EEXIST {
			logrus.Warnf("Could not create device node %s: %v", dst, err)
			continue
		}
		if err := idtools.SafeChown(dst, root.UID, root.GID); err != nil {
			logrus.Debugf("Could not chown device node %s: %v", dst, err)
		}
	}

	// Link the first tty to /dev/console for systemd payloads.
	if name := firstTTY(devMnt); name != "" {
		lnk := filepath.Join(devMnt, "console")
		if err := os.Symlink(name, lnk); err != nil && !os.IsExist(err) {
			logrus.Warnf("Could not link %s to /dev/console: %v", name, err)
		}
	}

	return m.compart.shiftIDs(devMnt, devMnt, "")
}

func firstTTY(devMnt string) string {
	entries, err := os.ReadDir(devMnt)
	if err != nil {
		return ""
	}
	for _, ent := range entries {
		if len(ent.Name()) >= 4 && strings.Contains(ent.Name(), "tty") {
			return ent.Name()
		}
	}
	return ""
}

// mountProcAndSys mounts proc and sysfs under dir. sysfs goes
// read-only for user-namespaced compartments without their own network
// namespace.
func (m *Mounter) mountProcAndSys(dir string) error {
	mntProc := filepath.Join(dir, "proc")
	mntSys := filepath.Join(dir, "sys")

	if err := os.Mkdir(mntProc, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating %s: %w", mntProc, err)
	}
	if err := unix.Mount("proc", mntProc, "proc", 0, ""); err != nil {
		return &define.MountError{Src: "proc", Dst: mntProc, FS: "proc", Cause: err}
	}

	sysFlags := uintptr(unix.MS_RELATIME | unix.MS_NOSUID)
	if m.compart.UserNS && !m.compart.NetNS {
		sysFlags |= unix.MS_RDONLY
	}
	if err := os.Mkdir(mntSys, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating %s: %w", mntSys, err)
	}
	if err := unix.Mount("sysfs", mntSys, "sysfs", sysFlags, ""); err != nil {
		return &define.MountError{Src: "sysfs", Dst: mntSys, FS: "sysfs", Cause: err}
	}
	return nil
}

// pivotRoot switches into the assembled root with pivot_root on top of
// itself, then lazily drops the old root. Used in hosted mode where
// the host filesystem must stay intact underneath.
func (m *Mounter) pivotRoot() error {
	oldRoot, err := os.OpenFile("/", os.O_RDONLY|unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return fmt.Errorf("opening old root: %w", err)
	}
	defer oldRoot.Close()

	newRoot, err := os.OpenFile(m.root, os.O_RDONLY|unix.O_DIRECTORY|unix.O_PATH, 0)
	if err != nil {
		return fmt.Errorf("opening new root %s: %w", m.root, err)
	}
	defer newRoot.Close()

	if err := unix.Fchdir(int(newRoot.Fd())); err != nil {
		return fmt.Errorf("fchdir to new root: %w", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Fchdir(int(oldRoot.Fd())); err != nil {
		return fmt.Errorf("fchdir to old root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmounting old root: %w", err)
	}
	if err := unix.Fchdir(int(newRoot.Fd())); err != nil {
		return fmt.Errorf("fchdir back to new root: %w", err)
	}

	logrus.Infof("Switched to new root %s via pivot_root", m.root)
	return nil
}

// moveRoot switches into the assembled root by moving the mount onto /
// and chrooting. The mount namespace handles chroot jail breaks.
func (m *Mounter) moveRoot() error {
	if err := os.Chdir(m.root); err != nil {
		return fmt.Errorf("chdir to root %s: %w", m.root, err)
	}
	if err := unix.Mount(".", "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("moving root mount: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to /: %w", err)
	}

	logrus.Infof("Switched to new root %s via move mount", m.root)
	return nil
}
