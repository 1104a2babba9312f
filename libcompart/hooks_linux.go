//go:build linux

package libcompart

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// The lifecycle framework drives a compartment start through these
// hooks, in order: StartPreClone in the host process, StartChildEarly
// in the cloned child before namespaces settle, StartPostClone back in
// the host, StartPreExec just before handing over, StartChild in the
// child's final namespace set. Cleanup runs on stop, in the host.

// StartPreClone selects the device-mapper protection mode for this
// start.
func (m *Mounter) StartPreClone() error {
	m.setDMMode()
	return nil
}

// StartChildEarly verifies unprotected shared images, assembles all
// volume mounts under the scratch root and prepares /dev. Blocking
// work lives here rather than in the host process.
func (m *Mounter) StartChildEarly() error {
	if err := m.verifyMountEntries(); err != nil {
		return err
	}

	logrus.Infof("Mounting rootfs of %s to %s", m.compart.Name, m.root)

	if err := os.MkdirAll(m.compart.ImagesDir, 0o755); err != nil {
		return fmt.Errorf("creating images dir %s: %w", m.compart.ImagesDir, err)
	}
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return fmt.Errorf("creating root dir %s: %w", m.root, err)
	}

	// The shared store backs bound files, so it must exist before the
	// bind mounts reference it.
	if err := m.setupSharedBindMounts(); err != nil {
		return fmt.Errorf("setting up shared bind mounts: %w", err)
	}

	if err := m.MountImages(); err != nil {
		return fmt.Errorf("mounting images: %w", err)
	}

	if err := m.mountDev(); err != nil {
		return fmt.Errorf("mounting /dev: %w", err)
	}
	return nil
}

// StartPostClone kicks off the background verification of
// verity-protected images.
func (m *Mounter) StartPostClone() error {
	m.verifyMountEntriesBackground()
	return nil
}

// StartPreExec populates the compartment's /dev from the host.
func (m *Mounter) StartPreExec() error {
	logrus.Infof("Populating /dev of %s", m.compart.Name)
	return m.populateDev()
}

// StartChild finishes the filesystem view of the child: remounts proc
// for the new pid namespace, mounts proc/sys under the new root,
// switches into it and mounts the runtime filesystems.
func (m *Mounter) StartChild() error {
	// Remount proc to reflect the namespace change.
	if !m.compart.UserNS {
		if err := unix.Unmount("/proc", 0); err != nil && err != unix.ENOENT {
			if err := unix.Unmount("/proc", unix.MNT_DETACH); err != nil {
				return fmt.Errorf("unmounting stale /proc: %w", err)
			}
		}
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_RELATIME|unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("remounting /proc: %w", err)
	}

	logrus.Infof("Switching to new rootfs in %s", m.root)

	if err := m.mountProcAndSys(m.root); err != nil {
		return err
	}

	if m.compart.HostedMode {
		if err := m.pivotRoot(); err != nil {
			return err
		}
	} else {
		if err := m.moveRoot(); err != nil {
			return err
		}
	}

	// From here on all paths are inside the new root.

	if !m.compart.UserNS && fileExists("/proc/sysrq-trigger") {
		if err := protectSysrqTrigger(); err != nil {
			return err
		}
	}

	if err := unix.Mount("devpts", "/dev/pts", "devpts", unix.MS_RELATIME|unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("mounting /dev/pts: %w", err)
	}

	if err := mountRunTmpfs("/run", unix.MS_RELATIME|unix.MS_NOSUID|unix.MS_NODEV); err != nil {
		return err
	}
	if err := mountRunTmpfs(m.cfg.SocketDir, unix.MS_RELATIME|unix.MS_NOSUID); err != nil {
		return err
	}

	if m.compart.SetupMode {
		if err := setupBusyboxInstall(); err != nil {
			logrus.Warnf("Cannot install busybox symlinks for setup mode: %v", err)
		}
	}

	if mounts, err := os.ReadFile("/proc/self/mounts"); err == nil {
		logrus.Debugf("Mounted filesystems:\n%s", mounts)
	}
	return nil
}

// protectSysrqTrigger bind-remounts /proc/sysrq-trigger read-only so a
// compartment without a user namespace cannot trigger host sysrq.
func protectSysrqTrigger() error {
	if err := unix.Mount("/proc/sysrq-trigger", "/proc/sysrq-trigger", "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mounting sysrq-trigger protection: %w", err)
	}
	if err := unix.Mount("", "/proc/sysrq-trigger", "", unix.MS_BIND|unix.MS_RDONLY|unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("remounting sysrq-trigger read-only: %w", err)
	}
	return nil
}

func mountRunTmpfs(dir string, flags uintptr) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := unix.Mount("tmpfs", dir, "tmpfs", flags, ""); err != nil {
		return fmt.Errorf("mounting tmpfs on %s: %w", dir, err)
	}
	return os.Chmod(dir, 0o755)
}

// setupBusyboxInstall creates the busybox applet symlinks inside the
// fresh setup-mode root.
func setupBusyboxInstall() error {
	if !fileExists(busyboxPath) {
		return nil
	}
	for _, dir := range []string{"/bin", "/sbin"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := exec.Command("busybox", "--install", "-s").CombinedOutput()
	if err != nil {
		return fmt.Errorf("busybox --install: %w (%s)", err, out)
	}
	return nil
}

// Cleanup releases the compartment's mounts and, unless the host is
// rebooting, its device-mapper stack. On reboot the dm devices stay to
// speed up the next start.
func (m *Mounter) Cleanup(isRebooting bool) {
	if err := m.UmountAll(); err != nil {
		logrus.Warnf("Could not umount all images of %s: %v", m.compart.Name, err)
	}
	if isRebooting {
		logrus.Debugf("Keeping dm devices of %s for reboot", m.compart.Name)
		return
	}
	if err := m.CleanupDM(); err != nil {
		logrus.Warnf("Could not remove dm devices of %s: %v", m.compart.Name, err)
	}
}
