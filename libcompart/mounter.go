//go:build linux

package libcompart

import (
	"path/filepath"

	"github.com/containers/compartd/libcompart/define"
	"github.com/containers/compartd/pkg/cryptfs"
	"github.com/containers/storage/pkg/fileutils"
	"github.com/sirupsen/logrus"
)

// Mounter assembles and tears down the volume stack of one
// compartment: images, loop devices, dm targets, filesystem mounts and
// the final root switch. Setup is strictly sequential; teardown is the
// exact reverse.
type Mounter struct {
	compart *Compartment
	cfg     *Config

	// root is the scratch directory the compartment root assembles
	// under before the pivot.
	root string

	// overlayCount numbers the overlay scratch dirs of this
	// compartment.
	overlayCount int

	mnt      *define.Mount
	mntSetup *define.Mount

	mode cryptfs.Mode
}

// New creates a Mounter for a compartment. mnt lists the root
// filesystem entries, mntSetup the additional entries of setup mode.
func New(compart *Compartment, cfg *Config, mnt, mntSetup *define.Mount) *Mounter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if mnt == nil {
		mnt = define.NewMount()
	}
	m := &Mounter{
		compart:  compart,
		cfg:      cfg,
		root:     filepath.Join(cfg.TmpRoot, compart.ID.String()),
		mnt:      mnt,
		mntSetup: mntSetup,
	}
	if compart.ModuleLoad {
		m.mnt.AddEntry(&define.MountEntry{
			Dir:  "/lib/modules",
			Img:  "/lib/modules",
			FS:   "none",
			Type: define.MountTypeBindDir,
		})
	}
	return m
}

// Root returns the scratch root the compartment assembles under.
func (m *Mounter) Root() string {
	return m.root
}

// Mnt returns the compartment's mount list.
func (m *Mounter) Mnt() *define.Mount {
	return m.mnt
}

// Mode returns the cryptfs mode selected for this compartment.
func (m *Mounter) Mode() cryptfs.Mode {
	m.setDMMode()
	return m.mode
}

// IsEncrypted reports whether any mount entry runs through the cryptfs
// stack.
func (m *Mounter) IsEncrypted() bool {
	for _, e := range m.mnt.Entries() {
		if e.Encrypted {
			return true
		}
	}
	return false
}

func (m *Mounter) overlayDir() string {
	return filepath.Join(m.cfg.OverlayRoot, m.compart.ID.String())
}

// setDMMode picks the protection mode for the compartment's images.
// Compartments that already carry stacked images keep authenc; fresh
// image directories persist the non-stacked policy with a marker file
// so TRIM keeps working on SSDs. A compartment wipe resets the choice.
func (m *Mounter) setDMMode() {
	notStacked := filepath.Join(m.compart.ImagesDir, "not-stacked")

	integrityMode := cryptfs.ModeIntegrityEncrypt
	if m.compart.Management {
		integrityMode = cryptfs.ModeIntegrityOnly
	}

	switch {
	case fileExists(notStacked):
		m.mode = integrityMode
	case m.imagesDirContainsImage():
		logrus.Debugf("Compartment %s has existing stacked images, keeping AUTHENC", m.compart.Name)
		m.mode = cryptfs.ModeAuthenc
	default:
		m.mode = integrityMode
		if err := touchFile(notStacked); err != nil {
			logrus.Warnf("Could not persist dm mode marker %s: %v", notStacked, err)
		}
	}
	logrus.Debugf("Compartment %s uses cryptfs mode %s", m.compart.Name, m.mode)
}

func (m *Mounter) imagesDirContainsImage() bool {
	matches, err := filepath.Glob(filepath.Join(m.compart.ImagesDir, "*.img"))
	if err != nil {
		return false
	}
	return len(matches) > 0
}

func fileExists(path string) bool {
	return fileutils.Exists(path) == nil
}
