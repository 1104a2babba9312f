//go:build linux

package libcompart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
)

const (
	mkfsExt4Bin  = "mkfs.ext4"
	mkfsBtrfsBin = "mkfs.btrfs"
	btrfstuneBin = "btrfstune"
	btrfsBin     = "btrfs"

	// Images created on demand are at least this big.
	minImageSizeMB = 10
)

// imagePath resolves the backing image of a mount entry. Shared, flash
// and overlay-ro entries come from the guest OS, bind-file entries from
// the shared-files store, bind-dir entries are literal host paths, and
// everything else lives in the compartment's images directory.
func (m *Mounter) imagePath(e *define.MountEntry) (string, error) {
	switch e.Type {
	case define.MountTypeShared, define.MountTypeSharedRW,
		define.MountTypeFlash, define.MountTypeOverlayRO:
		return filepath.Join(m.compart.GuestOSDir, e.Img+".img"), nil
	case define.MountTypeDevice, define.MountTypeDeviceRW,
		define.MountTypeEmpty, define.MountTypeCopy,
		define.MountTypeOverlayRW:
		// For overlays this is the upper image.
		return filepath.Join(m.compart.ImagesDir, e.Img+".img"), nil
	case define.MountTypeBindFile, define.MountTypeBindFileRW:
		return filepath.Join(m.sharedFilesPath(), e.Img), nil
	case define.MountTypeBindDir, define.MountTypeBindDirRW:
		return e.Img, nil
	}
	return "", fmt.Errorf("%w: %s for %s", define.ErrUnsupportedMountType, e.Type, e.Img)
}

// metaImagePath resolves the companion dm-integrity meta image of a
// writable image-backed entry.
func (m *Mounter) metaImagePath(e *define.MountEntry) (string, error) {
	switch e.Type {
	case define.MountTypeDevice, define.MountTypeDeviceRW,
		define.MountTypeEmpty, define.MountTypeCopy,
		define.MountTypeOverlayRW:
		return filepath.Join(m.compart.ImagesDir, e.Img+".meta.img"), nil
	}
	return "", fmt.Errorf("%w: %s has no integrity meta device", define.ErrUnsupportedMountType, e.Type)
}

// hashImagePath resolves the dm-verity hash image of a shared entry.
func (m *Mounter) hashImagePath(e *define.MountEntry) (string, error) {
	switch e.Type {
	case define.MountTypeShared, define.MountTypeSharedRW:
		return filepath.Join(m.compart.GuestOSDir, e.Img+".hash.img"), nil
	}
	return "", fmt.Errorf("%w: %s has no verity hash device", define.ErrUnsupportedMountType, e.Type)
}

// createSparseFile creates img as a sparse file of size bytes, with a
// single written byte at the end and the whole range zero-allocated so
// dm-integrity finds zeroed meta space.
func createSparseFile(img string, size int64) error {
	logrus.Infof("Creating empty image %s (%s)", img, units.HumanSize(float64(size)))

	f, err := os.OpenFile(img, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_LARGEFILE, 0o666)
	if err != nil {
		return fmt.Errorf("creating image %s: %w", img, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncating %s to %d: %w", img, size, err)
	}
	if _, err := f.Seek(size-1, 0); err != nil {
		return fmt.Errorf("seeking in %s: %w", img, err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return fmt.Errorf("writing final byte of %s: %w", img, err)
	}
	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_ZERO_RANGE, 0, size); err != nil {
		return fmt.Errorf("zero-allocating %s: %w", img, err)
	}
	return nil
}

// createImageEmpty creates the data image and, when imgMeta is set, the
// integrity meta image scaled by the meta factor.
func createImageEmpty(img, imgMeta string, sizeMB uint64) error {
	if sizeMB < minImageSizeMB {
		sizeMB = minImageSizeMB
	}
	size := int64(sizeMB) * units.MiB

	if err := createSparseFile(img, size); err != nil {
		return err
	}
	if imgMeta != "" {
		metaSize := int64(float64(size) * define.DMIntegrityMetaFactor)
		if err := createSparseFile(imgMeta, metaSize); err != nil {
			return err
		}
	}
	return nil
}

// btrfsRegenUUID rewrites the filesystem UUID of a copied btrfs image
// so two compartments never present the same device UUID to the
// kernel.
func btrfsRegenUUID(dev string) error {
	out, err := exec.Command(btrfstuneBin, "-f", "-u", dev).CombinedOutput()
	if err != nil {
		return fmt.Errorf("btrfstune -u %s: %w (%s)", dev, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Mounter) createImageCopy(img string, e *define.MountEntry) error {
	src := filepath.Join(m.compart.GuestOSDir, e.Img+".img")
	logrus.Debugf("Copying %s to %s", src, img)
	if err := copyFile(src, img, 0o660); err != nil {
		return err
	}
	if e.FS == "btrfs" {
		logrus.Infof("Regenerating UUID for btrfs image %s", img)
		return btrfsRegenUUID(img)
	}
	return nil
}

func (m *Mounter) createImageDevice(img string, e *define.MountEntry) error {
	dev := e.Img
	if !strings.HasPrefix(dev, "/") {
		return fmt.Errorf("%w: block device path %s is not absolute", define.ErrInvalidArg, dev)
	}
	return copyFile(dev, img, 0o660)
}

// createImage provisions the backing image of an entry that does not
// exist yet.
func (m *Mounter) createImage(img string, e *define.MountEntry) error {
	logrus.Infof("Creating image %s for %s entry %s", img, e.Type, e.Img)

	switch e.Type {
	case define.MountTypeShared, define.MountTypeSharedRW:
		// Shared images are provided by the guest OS.
		return nil
	case define.MountTypeEmpty, define.MountTypeOverlayRW:
		imgMeta := ""
		if e.Encrypted && m.mode.NeedsMetaDevice() {
			var err error
			if imgMeta, err = m.metaImagePath(e); err != nil {
				return err
			}
		}
		return createImageEmpty(img, imgMeta, e.Size)
	case define.MountTypeFlash:
		return fmt.Errorf("%w: cannot create FLASH image %s", define.ErrUnsupportedMountType, e.Img)
	case define.MountTypeCopy:
		return m.createImageCopy(img, e)
	case define.MountTypeDevice, define.MountTypeDeviceRW:
		return m.createImageDevice(img, e)
	}
	return fmt.Errorf("%w: %s for %s", define.ErrUnsupportedMountType, e.Type, e.Img)
}

// formatImage creates a filesystem on dev via the external mkfs tools.
func formatImage(dev, fs string) error {
	var bin string
	switch fs {
	case "ext4":
		bin = mkfsExt4Bin
	case "btrfs":
		bin = mkfsBtrfsBin
	default:
		return &define.FormatError{Dev: dev, FS: fs, Cause: fmt.Errorf("no mkfs for %s", fs)}
	}
	out, err := exec.Command(bin, dev).CombinedOutput()
	if err != nil {
		return &define.FormatError{Dev: dev, FS: fs,
			Cause: fmt.Errorf("%s: %w (%s)", bin, err, strings.TrimSpace(string(out)))}
	}
	return nil
}

// btrfsCreateSubvol makes sure the subvolume named by mount data
// ("subvol=<name>") exists on a freshly formatted btrfs device. The
// root volume is mounted at a temp dir just for the creation.
func btrfsCreateSubvol(dev, mountData string) error {
	name, ok := strings.CutPrefix(mountData, "subvol=")
	if !ok || name == "" {
		return fmt.Errorf("%w: mount data %q carries no subvolume", define.ErrInvalidArg, mountData)
	}

	tmpMount, err := os.MkdirTemp("", "compartd-btrfs-")
	if err != nil {
		return err
	}
	defer os.Remove(tmpMount)

	if err := unix.Mount(dev, tmpMount, "btrfs", 0, ""); err != nil {
		return &define.MountError{Src: dev, Dst: tmpMount, FS: "btrfs", Cause: err}
	}
	defer func() {
		if err := unix.Unmount(tmpMount, 0); err != nil {
			logrus.Warnf("Could not umount temporary btrfs root %s: %v", tmpMount, err)
		}
	}()

	subvolPath := filepath.Join(tmpMount, name)
	if err := exec.Command(btrfsBin, "subvol", "list", subvolPath).Run(); err == nil {
		return nil
	}
	if out, err := exec.Command(btrfsBin, "subvol", "create", subvolPath).CombinedOutput(); err != nil {
		return fmt.Errorf("creating btrfs subvolume %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	logrus.Infof("Created btrfs subvolume %s on %s", name, dev)
	return nil
}
