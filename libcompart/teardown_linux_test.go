//go:build linux

package libcompart

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/containers/compartd/libcompart/define"
)

func TestUmountDirNotMounted(t *testing.T) {
	// A directory that is not a mountpoint unmounts as a no-op.
	assert.NoError(t, umountDir(t.TempDir()))
}

func TestUmountDirMissing(t *testing.T) {
	assert.NoError(t, umountDir("/nonexistent/compartd-test"))
}

func TestCleanupOverlaysMissingDir(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	assert.NoError(t, m.cleanupOverlays())
}

func TestUmountAllWithoutMounts(t *testing.T) {
	// Teardown of a compartment that never mounted anything is a
	// no-op, and so is a second teardown.
	c := testCompartment(t)
	mnt := define.NewMount()
	mnt.AddEntry(&define.MountEntry{Dir: "/", Img: "root", FS: "ext4", Type: define.MountTypeShared})
	m := New(c, nil, mnt, nil)

	assert.NoError(t, m.UmountAll())
	assert.NoError(t, m.UmountAll())
}
