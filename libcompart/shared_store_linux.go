//go:build linux

package libcompart

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
	"github.com/containers/compartd/pkg/loopdev"
)

// sharedFilesPath is the host directory whose single ext4 store image
// backs all BIND_FILE mounts of all compartments.
func (m *Mounter) sharedFilesPath() string {
	return filepath.Join(m.cfg.BasePath, "files_shared")
}

// setupSharedBindMounts mounts the shared-files store once per boot if
// the compartment has any file bind entries. Racing compartments
// converge on the mountpoint probe: whoever mounts first wins,
// everyone else sees the path mounted.
func (m *Mounter) setupSharedBindMounts() error {
	contains := false
	for _, e := range m.mnt.Entries() {
		if e.Type == define.MountTypeBindFile || e.Type == define.MountTypeBindFileRW {
			contains = true
			break
		}
	}
	if !contains {
		return nil
	}

	sharedPath := m.sharedFilesPath()
	if err := os.MkdirAll(sharedPath, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", sharedPath, err)
	}
	if isMountpoint(sharedPath) {
		return nil
	}

	storeImg := filepath.Join(sharedPath, "_store.img")
	if !fileExists(storeImg) {
		if err := createImageEmpty(storeImg, "", define.SharedFilesStoreSizeMB); err != nil {
			return err
		}
		if err := formatImage(storeImg, "ext4"); err != nil {
			return err
		}
		logrus.Infof("Created shared-files store image %s", storeImg)
	}

	dev, err := loopdev.Attach(storeImg)
	if err != nil {
		return fmt.Errorf("attaching shared-files store: %w", err)
	}
	if err := unix.Mount(dev.Path, sharedPath, "ext4",
		unix.MS_NOATIME|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		if derr := dev.Detach(); derr != nil {
			logrus.Warnf("Could not detach shared-store loop device: %v", derr)
		}
		return &define.MountError{Src: dev.Path, Dst: sharedPath, FS: "ext4", Cause: err}
	}
	// The mount holds the backing now.
	dev.Release()
	return nil
}
