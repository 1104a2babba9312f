//go:build linux

package libcompart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/selinux/go-selinux/label"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
	"github.com/containers/compartd/pkg/cryptfs"
	"github.com/containers/compartd/pkg/devicemapper"
	"github.com/containers/compartd/pkg/loopdev"
	"github.com/containers/compartd/pkg/verity"
)

const busyboxPath = "/bin/busybox"

// mountFileBind bind-mounts a single file, creating both sides first.
// Read-only binds need the explicit remount, the initial bind ignores
// MS_RDONLY.
func mountFileBind(src, dst string, flags uintptr) error {
	if flags&unix.MS_BIND == 0 {
		return fmt.Errorf("%w: bind mount flag not set", define.ErrInvalidArg)
	}

	for _, dir := range []string{filepath.Dir(src), filepath.Dir(dst)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := touchFile(src); err != nil {
		return fmt.Errorf("touching bind source %s: %w", src, err)
	}
	if err := touchFile(dst); err != nil {
		return fmt.Errorf("touching bind target %s: %w", dst, err)
	}

	if err := unix.Mount(src, dst, "bind", flags, ""); err != nil {
		return &define.MountError{Src: src, Dst: dst, FS: "bind", Cause: err}
	}
	if flags&unix.MS_RDONLY != 0 {
		if err := unix.Mount("none", dst, "bind", flags|unix.MS_RDONLY|unix.MS_REMOUNT, ""); err != nil {
			logrus.Errorf("Could not remount bind mount %s read-only: %v", dst, err)
		}
	}
	logrus.Debugf("Bind mounted file %s to %s", src, dst)
	return nil
}

// mountDirBind bind-mounts a directory with the same read-only remount
// handling.
func mountDirBind(src, dst string, flags uintptr) error {
	if flags&unix.MS_BIND == 0 {
		return fmt.Errorf("%w: bind mount flag not set", define.ErrInvalidArg)
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		logrus.Debugf("Could not mkdir %s: %v", dst, err)
	}
	if err := unix.Mount(src, dst, "", flags, ""); err != nil {
		return &define.MountError{Src: src, Dst: dst, FS: "bind", Cause: err}
	}
	if flags&unix.MS_RDONLY != 0 {
		if err := unix.Mount("none", dst, "bind", flags|unix.MS_RDONLY|unix.MS_REMOUNT, ""); err != nil {
			if uerr := unix.Unmount(dst, 0); uerr != nil {
				logrus.Warnf("Could not umount writable bind mount %s: %v", dst, uerr)
			}
			return &define.MountError{Src: src, Dst: dst, FS: "bind", Cause: err}
		}
	}
	logrus.Debugf("Bind mounted path %s to %s", src, dst)
	return nil
}

// setupBusyboxCopy places a busybox binary into the target so setup
// shells have tools on an otherwise empty root.
func setupBusyboxCopy(targetBase string) error {
	targetBin := filepath.Join(targetBase, busyboxPath)
	if err := os.MkdirAll(filepath.Dir(targetBin), 0o755); err != nil {
		return err
	}
	if !fileExists(busyboxPath) {
		return fmt.Errorf("%s not available on host", busyboxPath)
	}
	if err := copyFile(busyboxPath, targetBin, 0o755); err != nil {
		return err
	}
	return os.Chmod(targetBin, 0o755)
}

// entryTraits derives the composition of a mount entry: extra mount
// flags, whether it mounts as an overlay and whether its final mount is
// registered for id shifting.
func entryTraits(e *define.MountEntry) (flags uintptr, overlay, shiftids bool) {
	switch e.Type {
	case define.MountTypeShared:
		return unix.MS_RDONLY, false, true
	case define.MountTypeDevice:
		return unix.MS_RDONLY, false, false
	case define.MountTypeOverlayRO:
		return unix.MS_RDONLY, true, false
	case define.MountTypeSharedRW, define.MountTypeOverlayRW:
		return 0, true, true
	case define.MountTypeDeviceRW, define.MountTypeEmpty, define.MountTypeCopy:
		return 0, false, true
	}
	return 0, false, false
}

// mountImage resolves, provisions, protects and mounts one entry under
// root. This can take a long time for encrypted volumes on first use.
func (m *Mounter) mountImage(root string, e *define.MountEntry) error {
	mountflags := uintptr(unix.MS_NOATIME | unix.MS_NODEV)
	if m.compart.SetupMode {
		mountflags = unix.MS_NOATIME
	}

	dir := filepath.Join(root, e.Dir)

	img, err := m.imagePath(e)
	if err != nil {
		return err
	}

	logrus.Debugf("Mounting %s entry %s to %s", e.Type, e.Img, dir)

	switch e.Type {
	case define.MountTypeBindFile, define.MountTypeBindFileRW:
		if m.compart.UserNS {
			logrus.Debugf("Skipping file bind %s in user-namespaced compartment", e.Img)
			return nil
		}
		if e.Type == define.MountTypeBindFile {
			mountflags |= unix.MS_RDONLY
		}
		if err := mountFileBind(img, dir, mountflags|unix.MS_BIND); err != nil {
			return err
		}
		return m.finalizeMount(dir, false)
	case define.MountTypeBindDir, define.MountTypeBindDirRW:
		if e.Type == define.MountTypeBindDir {
			mountflags |= unix.MS_RDONLY
		}
		if err := mountDirBind(img, dir, mountflags|unix.MS_BIND); err != nil {
			return err
		}
		return m.finalizeMount(dir, true)
	case define.MountTypeFlash:
		logrus.Debugf("Skipping FLASH entry %s, mounted by firmware", e.Img)
		return nil
	}

	extraFlags, overlay, shiftids := entryTraits(e)
	mountflags |= extraFlags

	if err := os.MkdirAll(dir, 0o777); err != nil {
		logrus.Debugf("Could not mkdir %s: %v", dir, err)
	}

	mountData := label.FormatMountLabel(e.MountData, m.compart.MountLabel)

	if e.FS == "tmpfs" {
		if err := unix.Mount(e.FS, dir, e.FS, mountflags, mountData); err != nil {
			return &define.MountError{Src: e.FS, Dst: dir, FS: e.FS, Cause: err}
		}
		if err := os.Chmod(dir, 0o755); err != nil {
			return fmt.Errorf("setting permissions on %s: %w", dir, err)
		}
		if e.IsRoot() && m.compart.SetupMode {
			if err := setupBusyboxCopy(dir); err != nil {
				logrus.Warnf("Cannot copy busybox for setup mode: %v", err)
			}
		}
		return m.finalizeMount(dir, shiftids)
	}

	newImage := false
	if !fileExists(img) {
		newImage = true
		if err := m.createImage(img, e); err != nil {
			return fmt.Errorf("provisioning image for %s: %w", e.Img, err)
		}
	}

	var dev string
	var loopDev, metaLoopDev *loopdev.Device
	defer func() {
		if loopDev != nil {
			loopDev.Release()
		}
		if metaLoopDev != nil {
			metaLoopDev.Release()
		}
	}()

	if e.VerityHash != "" {
		dev, err = m.setupVerityDevice(img, e)
		if err != nil {
			return err
		}
	} else {
		loopDev, err = loopdev.Attach(img)
		if err != nil {
			return fmt.Errorf("attaching %s: %w", img, err)
		}
		dev = loopDev.Path
	}

	if e.Encrypted {
		dev, metaLoopDev, err = m.setupEncryptedDevice(dev, e)
		if err != nil {
			return err
		}
	}

	if overlay {
		return m.mountOverlayEntry(dir, dev, img, newImage, mountflags, mountData, e)
	}

	rw := "rw"
	if mountflags&unix.MS_RDONLY != 0 {
		rw = "ro"
	}
	logrus.Debugf("Mounting image %s via %s to %s (%s)", img, dev, dir, rw)

	if err := m.mountWithFormatRetry(dev, dir, mountData, mountflags, newImage, e); err != nil {
		return err
	}
	return m.finalizeMount(dir, shiftids)
}

// setupVerityDevice maps the image read-only through dm-verity,
// reusing an existing mapping from a previous start.
func (m *Mounter) setupVerityDevice(img string, e *define.MountEntry) (string, error) {
	lbl := m.deviceLabel(e)
	dev := verity.DevicePath(lbl)

	if isBlockDevice(dev) {
		logrus.Infof("Using existing mapper device %s", dev)
	} else {
		imgHash, err := m.hashImagePath(e)
		if err != nil {
			return "", err
		}
		if err := verity.CreateBlkDev(lbl, img, imgHash, e.VerityHash, !m.compart.HostedMode); err != nil {
			return "", fmt.Errorf("opening %s as dm-verity device with hash image %s: %w", img, imgHash, err)
		}

		ctrl, err := devicemapper.OpenControl()
		if err != nil {
			return "", err
		}
		targetType, terr := ctrl.TargetType(lbl)
		ctrl.Close()
		if terr != nil {
			return "", fmt.Errorf("querying target type of %s: %w", lbl, terr)
		}
		logrus.Infof("Mapped %s as %s device %s", img, targetType, dev)
	}

	if err := waitForDevice(dev, m.cfg.DeviceWaitTimeout.Duration); err != nil {
		return "", err
	}
	return dev, nil
}

// setupEncryptedDevice runs dev through the cryptfs stack and returns
// the topmost device. The meta loop device stays attached until the
// caller releases it; the kernel targets hold the backing from then
// on.
func (m *Mounter) setupEncryptedDevice(dev string, e *define.MountEntry) (string, *loopdev.Device, error) {
	lbl := m.deviceLabel(e)
	aud := m.compart.audit()

	if m.compart.Key == nil || m.compart.Key() == "" {
		aud.Failure("setup-crypted-volume-no-key", m.compart.ID, "label", lbl)
		return "", nil, fmt.Errorf("mounting encrypted volume %s: %w", lbl, define.ErrNoKey)
	}

	crypt := cryptfs.DevicePath(lbl)
	if isBlockDevice(crypt) {
		logrus.Infof("Using existing mapper device %s", crypt)
		return crypt, nil, nil
	}

	logrus.Debugf("Setting up cryptfs volume %s for %s (%s)", lbl, dev, m.mode)

	var metaLoopDev *loopdev.Device
	metaDev := ""
	if m.mode.NeedsMetaDevice() {
		imgMeta, err := m.metaImagePath(e)
		if err != nil {
			return "", nil, err
		}
		metaLoopDev, err = loopdev.Attach(imgMeta)
		if err != nil {
			return "", nil, fmt.Errorf("attaching meta image %s: %w", imgMeta, err)
		}
		metaDev = metaLoopDev.Path
	}

	crypt, err := cryptfs.SetupVolume(lbl, dev, m.compart.Key(), metaDev, m.mode)
	if err != nil {
		aud.Failure("setup-crypted-volume", m.compart.ID, "label", lbl)
		if metaLoopDev != nil {
			if derr := metaLoopDev.Detach(); derr != nil {
				logrus.Warnf("Could not detach meta loop device: %v", derr)
			}
		}
		return "", nil, fmt.Errorf("setting up cryptfs volume %s for %s: %w", lbl, dev, err)
	}
	aud.Success("setup-crypted-volume", m.compart.ID, "label", lbl)

	if err := waitForDevice(crypt, m.cfg.DeviceWaitTimeout.Duration); err != nil {
		return "", metaLoopDev, err
	}
	return crypt, metaLoopDev, nil
}

// mountWithFormatRetry mounts dev and, for an EMPTY volume that is
// unencrypted or freshly created and whose superblock the kernel
// rejects, formats it once and retries. An
// EINVAL on an existing encrypted volume means the key was wrong, not
// that the volume needs a filesystem.
func (m *Mounter) mountWithFormatRetry(dev, dir, mountData string, mountflags uintptr, newImage bool, e *define.MountEntry) error {
	err := unix.Mount(dev, dir, e.FS, mountflags, mountData)
	if err == nil {
		return nil
	}

	// Retry without filesystem-specific options.
	if err = unix.Mount(dev, dir, e.FS, mountflags, ""); err == nil {
		return nil
	}

	if !errors.Is(err, unix.EINVAL) {
		return &define.MountError{Src: dev, Dst: dir, FS: e.FS, Cause: err}
	}

	logrus.Infof("No valid superblock on %s for %s", dev, e.Img)

	if e.Type != define.MountTypeEmpty {
		return &define.MountError{Src: dev, Dst: dir, FS: e.FS, Cause: err}
	}
	if e.Encrypted && !newImage {
		logrus.Debugf("Possibly a wrong key for %s, aborting", e.Img)
		return &define.MountError{Src: dev, Dst: dir, FS: e.FS, Cause: err}
	}

	logrus.Infof("Formatting image %s via %s as %s", e.Img, dev, e.FS)
	if err := formatImage(dev, e.FS); err != nil {
		return err
	}

	if err := unix.Mount(dev, dir, e.FS, mountflags, mountData); err != nil {
		return &define.MountError{Src: dev, Dst: dir, FS: e.FS, Cause: err}
	}
	return nil
}

// finalizeMount makes the fresh mount private so propagation cannot
// leak into the host namespace, and registers it for id shifting.
func (m *Mounter) finalizeMount(dir string, shiftids bool) error {
	if err := unix.Mount("", dir, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &define.MountError{Src: "", Dst: dir, FS: "", Cause: fmt.Errorf("marking private: %w", err)}
	}
	if shiftids {
		if err := m.compart.shiftIDs(dir, dir, ""); err != nil {
			return fmt.Errorf("shifting ids for %s: %w", dir, err)
		}
	}
	return nil
}

// deviceLabel names the mapper device of an entry. The compartment
// UUID keeps concurrent compartments out of each other's namespace.
func (m *Mounter) deviceLabel(e *define.MountEntry) string {
	return fmt.Sprintf("%s-%s", m.compart.ID.String(), e.Img)
}

// MountImages mounts all image files of the compartment under the
// scratch root. On any failure everything already mounted is torn down
// again.
func (m *Mounter) MountImages() error {
	cRoot := m.root
	if m.compart.SetupMode {
		cRoot = filepath.Join(m.root, "setup")
	}

	err := func() error {
		if m.compart.SetupMode {
			for _, e := range m.mntSetup.Entries() {
				if err := m.mountImage(m.root, e); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(cRoot, 0o755); err != nil {
				logrus.Debugf("Could not mkdir %s: %v", cRoot, err)
			}
		}
		for _, e := range m.mnt.Entries() {
			if err := m.mountImage(cRoot, e); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		if uerr := m.UmountAll(); uerr != nil {
			logrus.Warnf("Teardown after failed mount left state behind: %v", uerr)
		}
		if derr := m.CleanupDM(); derr != nil {
			logrus.Warnf("DM cleanup after failed mount left state behind: %v", derr)
		}
		return err
	}
	return nil
}
