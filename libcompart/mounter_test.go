//go:build linux

package libcompart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/compartd/libcompart/define"
	"github.com/containers/compartd/pkg/cryptfs"
)

func testCompartment(t *testing.T) *Compartment {
	t.Helper()
	return &Compartment{
		ID:         uuid.New(),
		Name:       "test",
		ImagesDir:  t.TempDir(),
		GuestOSDir: t.TempDir(),
	}
}

func TestNewMounterRoot(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	assert.Equal(t, filepath.Join("/tmp", c.ID.String()), m.Root())
}

func TestNewMounterModuleLoad(t *testing.T) {
	c := testCompartment(t)
	c.ModuleLoad = true
	m := New(c, nil, define.NewMount(), nil)
	require.Equal(t, 1, m.Mnt().Count())
	e := m.Mnt().Entry(0)
	assert.Equal(t, "/lib/modules", e.Dir)
	assert.Equal(t, define.MountTypeBindDir, e.Type)
}

func TestSetDMModeFreshImagesDir(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)

	assert.Equal(t, cryptfs.ModeIntegrityEncrypt, m.Mode())
	// The non-stacked policy is persisted for later starts.
	assert.FileExists(t, filepath.Join(c.ImagesDir, "not-stacked"))
	assert.Equal(t, cryptfs.ModeIntegrityEncrypt, m.Mode())
}

func TestSetDMModeManagement(t *testing.T) {
	c := testCompartment(t)
	c.Management = true
	m := New(c, nil, define.NewMount(), nil)
	assert.Equal(t, cryptfs.ModeIntegrityOnly, m.Mode())
}

func TestSetDMModeExistingStackedImages(t *testing.T) {
	c := testCompartment(t)
	require.NoError(t, os.WriteFile(filepath.Join(c.ImagesDir, "data.img"), nil, 0o600))
	m := New(c, nil, define.NewMount(), nil)
	assert.Equal(t, cryptfs.ModeAuthenc, m.Mode())
	assert.NoFileExists(t, filepath.Join(c.ImagesDir, "not-stacked"))
}

func TestSetDMModeMarkerWins(t *testing.T) {
	c := testCompartment(t)
	// A wiped compartment keeps the marker even though images exist
	// again later.
	require.NoError(t, os.WriteFile(filepath.Join(c.ImagesDir, "not-stacked"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(c.ImagesDir, "data.img"), nil, 0o600))
	m := New(c, nil, define.NewMount(), nil)
	assert.Equal(t, cryptfs.ModeIntegrityEncrypt, m.Mode())
}

func TestIsEncrypted(t *testing.T) {
	c := testCompartment(t)
	mnt := define.NewMount()
	mnt.AddEntry(&define.MountEntry{Dir: "/", Img: "root", FS: "ext4", Type: define.MountTypeShared})
	m := New(c, nil, mnt, nil)
	assert.False(t, m.IsEncrypted())

	mnt.AddEntry(&define.MountEntry{Dir: "/data", Img: "data", FS: "ext4",
		Type: define.MountTypeEmpty, Encrypted: true})
	assert.True(t, m.IsEncrypted())
}

func TestDeviceLabel(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	e := &define.MountEntry{Img: "data"}
	assert.Equal(t, c.ID.String()+"-data", m.deviceLabel(e))
}
