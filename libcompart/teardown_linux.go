//go:build linux

package libcompart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/pkg/cryptfs"
	"github.com/containers/compartd/pkg/devicemapper"
	"github.com/containers/compartd/pkg/verity"
)

// umountDir unmounts a directory, escalating to a lazy detach, and
// loops until the path is no longer a mountpoint (stacked mounts need
// several rounds).
func umountDir(mountDir string) error {
	for isMountpoint(mountDir) {
		if err := unix.Unmount(mountDir, 0); err != nil {
			if err := unix.Unmount(mountDir, unix.MNT_DETACH); err != nil {
				return fmt.Errorf("unmounting %s: %w", mountDir, err)
			}
		}
	}
	return nil
}

// UmountAll releases every mount of the compartment in reverse setup
// order, then the overlay scratch mounts. Every step is attempted even
// after failures so no mount is stranded behind an earlier error.
func (m *Mounter) UmountAll() error {
	var errs *multierror.Error

	// /dev is mounted last, so it goes first.
	if err := umountDir(filepath.Join(m.root, "dev")); err != nil {
		errs = multierror.Append(errs, err)
	}

	// In setup mode the compartment entries sit under root/setup on
	// top of the setup entries, which sit directly under root.
	cRoot := m.root
	if m.compart.SetupMode {
		cRoot = filepath.Join(m.root, "setup")
	}

	for i := m.mnt.Count() - 1; i >= 0; i-- {
		e := m.mnt.Entry(i)
		if err := umountDir(filepath.Join(cRoot, e.Dir)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if m.compart.SetupMode {
		for i := m.mntSetup.Count() - 1; i >= 0; i-- {
			e := m.mntSetup.Entry(i)
			if err := umountDir(filepath.Join(m.root, e.Dir)); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if err := os.Remove(m.root); err != nil && !os.IsNotExist(err) {
		logrus.Debugf("Unable to remove %s: %v", m.root, err)
	}

	if err := m.cleanupOverlays(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// cleanupOverlays unmounts and removes the compartment's overlay
// scratch directories.
func (m *Mounter) cleanupOverlays() error {
	var errs *multierror.Error

	overlayDir := m.overlayDir()
	entries, err := os.ReadDir(overlayDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading overlay dir %s: %w", overlayDir, err)
	}

	for _, ent := range entries {
		scratch := filepath.Join(overlayDir, ent.Name())
		if err := umountDir(scratch); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := os.Remove(scratch); err != nil {
			logrus.Debugf("Unable to remove %s: %v", scratch, err)
		}
		lower := scratch + "-lower"
		if err := umountDir(lower); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := os.Remove(lower); err != nil && !os.IsNotExist(err) {
			logrus.Debugf("Unable to remove %s: %v", lower, err)
		}
	}
	if err := os.Remove(overlayDir); err != nil && !os.IsNotExist(err) {
		logrus.Debugf("Unable to remove %s: %v", overlayDir, err)
	}

	return errs.ErrorOrNil()
}

// CleanupDM removes the compartment's device-mapper stack. Each label
// is dispatched to the destructor matching its live target type, so a
// mixed stack (verity images next to encrypted volumes) tears down
// correctly. Missing devices are skipped.
func (m *Mounter) CleanupDM() error {
	// Recovery after a process kill reaches here without a start
	// having selected the mode.
	if m.mode == cryptfs.ModeNotImplemented {
		m.setDMMode()
	}

	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var errs *multierror.Error

	for i := m.mnt.Count() - 1; i >= 0; i-- {
		e := m.mnt.Entry(i)
		lbl := m.deviceLabel(e)

		targetType, err := ctrl.TargetType(lbl)
		if errors.Is(err, devicemapper.ErrNoSuchDevice) {
			// Integrity-only volumes exist solely under the
			// child label.
			targetType, err = ctrl.TargetType(cryptfs.IntegrityDevLabel(lbl))
		}
		if err != nil {
			if !errors.Is(err, devicemapper.ErrNoSuchDevice) {
				logrus.Warnf("Failed to get target type of %s: %v", lbl, err)
			}
			continue
		}

		logrus.Debugf("Cleanup: removing device %s of type %s", lbl, targetType)

		switch targetType {
		case "crypt", "integrity":
			if err := cryptfs.DeleteBlkDev(lbl, m.mode); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("deleting dm-%s device %s: %w", targetType, lbl, err))
			}
		case "verity", "linear":
			if err := verity.DeleteBlkDev(lbl); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("deleting dm-%s device %s: %w", targetType, lbl, err))
			}
		default:
			logrus.Warnf("Not removing device %s of unexpected type %s", lbl, targetType)
		}
	}

	return errs.ErrorOrNil()
}
