//go:build linux

package libcompart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/compartd/libcompart/define"
)

func TestImagePath(t *testing.T) {
	c := testCompartment(t)
	cfg := DefaultConfig()
	m := New(c, cfg, define.NewMount(), nil)

	tests := []struct {
		name  string
		entry define.MountEntry
		want  string
	}{
		{
			name:  "shared image from guest os",
			entry: define.MountEntry{Img: "root", Type: define.MountTypeShared},
			want:  c.GuestOSDir + "/root.img",
		},
		{
			name:  "overlay-ro image from guest os",
			entry: define.MountEntry{Img: "base", Type: define.MountTypeOverlayRO},
			want:  c.GuestOSDir + "/base.img",
		},
		{
			name:  "empty image from compartment images dir",
			entry: define.MountEntry{Img: "data", Type: define.MountTypeEmpty},
			want:  c.ImagesDir + "/data.img",
		},
		{
			name:  "overlay-rw upper image from compartment images dir",
			entry: define.MountEntry{Img: "home", Type: define.MountTypeOverlayRW},
			want:  c.ImagesDir + "/home.img",
		},
		{
			name:  "bind file from shared store",
			entry: define.MountEntry{Img: "hosts", Type: define.MountTypeBindFile},
			want:  cfg.BasePath + "/files_shared/hosts",
		},
		{
			name:  "bind dir literal",
			entry: define.MountEntry{Img: "/lib/modules", Type: define.MountTypeBindDir},
			want:  "/lib/modules",
		},
		{
			name:  "bind dir rw literal",
			entry: define.MountEntry{Img: "/srv/shared", Type: define.MountTypeBindDirRW},
			want:  "/srv/shared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.imagePath(&tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetaImagePath(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)

	got, err := m.metaImagePath(&define.MountEntry{Img: "data", Type: define.MountTypeEmpty})
	require.NoError(t, err)
	assert.Equal(t, c.ImagesDir+"/data.meta.img", got)

	_, err = m.metaImagePath(&define.MountEntry{Img: "root", Type: define.MountTypeShared})
	assert.ErrorIs(t, err, define.ErrUnsupportedMountType)
}

func TestHashImagePath(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)

	got, err := m.hashImagePath(&define.MountEntry{Img: "root", Type: define.MountTypeShared})
	require.NoError(t, err)
	assert.Equal(t, c.GuestOSDir+"/root.hash.img", got)

	_, err = m.hashImagePath(&define.MountEntry{Img: "data", Type: define.MountTypeEmpty})
	assert.ErrorIs(t, err, define.ErrUnsupportedMountType)
}

func TestCreateImageDeviceRejectsRelativePath(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	err := m.createImageDevice("/tmp/out.img", &define.MountEntry{
		Img: "sda1", Type: define.MountTypeDevice,
	})
	assert.ErrorIs(t, err, define.ErrInvalidArg)
}

func TestCreateImageFlashRejected(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	err := m.createImage("/tmp/out.img", &define.MountEntry{
		Img: "firmware", Type: define.MountTypeFlash,
	})
	assert.ErrorIs(t, err, define.ErrUnsupportedMountType)
}

func TestFormatImageUnknownFS(t *testing.T) {
	err := formatImage("/dev/null", "vfat")
	var ferr *define.FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "vfat", ferr.FS)
}

func TestBtrfsCreateSubvolBadMountData(t *testing.T) {
	assert.ErrorIs(t, btrfsCreateSubvol("/dev/null", "noatime"), define.ErrInvalidArg)
	assert.ErrorIs(t, btrfsCreateSubvol("/dev/null", "subvol="), define.ErrInvalidArg)
}

func TestEntryTraits(t *testing.T) {
	tests := []struct {
		typ      define.MountType
		readonly bool
		overlay  bool
		shiftids bool
	}{
		{define.MountTypeShared, true, false, true},
		{define.MountTypeDevice, true, false, false},
		{define.MountTypeOverlayRO, true, true, false},
		{define.MountTypeSharedRW, false, true, true},
		{define.MountTypeOverlayRW, false, true, true},
		{define.MountTypeDeviceRW, false, false, true},
		{define.MountTypeEmpty, false, false, true},
		{define.MountTypeCopy, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			flags, overlay, shiftids := entryTraits(&define.MountEntry{Type: tt.typ})
			assert.Equal(t, tt.readonly, flags&unix.MS_RDONLY != 0)
			assert.Equal(t, tt.overlay, overlay)
			assert.Equal(t, tt.shiftids, shiftids)
		})
	}
}
