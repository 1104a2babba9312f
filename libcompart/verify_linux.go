//go:build linux

package libcompart

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/containers/compartd/libcompart/define"
)

func verifiable(e *define.MountEntry) bool {
	switch e.Type {
	case define.MountTypeShared, define.MountTypeSharedRW, define.MountTypeOverlayRO:
		return true
	}
	return false
}

// verifyMountEntries checks the integrity of read-only base images
// before they are mounted. Entries protected by dm-verity are skipped
// here; the kernel verifies their blocks on access and
// verifyMountEntriesBackground reads them back in full later.
func (m *Mounter) verifyMountEntries() error {
	if m.compart.Verifier == nil {
		return nil
	}
	for _, e := range m.mnt.Entries() {
		if !verifiable(e) || e.VerityHash != "" {
			continue
		}
		if err := m.compart.Verifier.CheckImage(e); err != nil {
			return fmt.Errorf("cannot verify image %s: %w", e.Img, err)
		}
	}
	return nil
}

// verifyMountEntriesBackground reads every verity-protected base image
// back in full, in a background worker per image tracked by the
// compartment's wait registry. Workers share nothing with the caller;
// the outcome is reported through the audit sink only.
func (m *Mounter) verifyMountEntriesBackground() {
	if m.compart.Verifier == nil {
		return
	}
	for _, e := range m.mnt.Entries() {
		if !verifiable(e) || e.VerityHash == "" {
			continue
		}
		entry := e
		logrus.Infof("dm-verity active for image %s, starting thorough check in background", entry.Img)
		m.compart.trackWorker("vol-bg-check", func() {
			aud := m.compart.audit()
			if err := m.compart.Verifier.CheckImage(entry); err != nil {
				logrus.Errorf("Cannot verify image %s: image file is corrupted: %v", entry.Img, err)
				aud.Failure("verify-image", m.compart.ID, "name", entry.Img)
				return
			}
			aud.Success("verify-image", m.compart.ID, "name", entry.Img)
		})
	}
}
