package define

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMountOrder(t *testing.T) {
	m := NewMount()
	m.AddEntry(&MountEntry{Dir: "/", Img: "root"})
	m.AddEntry(&MountEntry{Dir: "/data", Img: "data"})

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, "root", m.Entry(0).Img)
	assert.Equal(t, "data", m.Entry(1).Img)
}

func TestMountNilSafe(t *testing.T) {
	var m *Mount
	assert.Equal(t, 0, m.Count())
	assert.Nil(t, m.Entries())
}

func TestIsRoot(t *testing.T) {
	assert.True(t, (&MountEntry{Dir: "/"}).IsRoot())
	assert.False(t, (&MountEntry{Dir: "/data"}).IsRoot())
}

func TestMountTypeString(t *testing.T) {
	assert.Equal(t, "SHARED_RW", MountTypeSharedRW.String())
	assert.Equal(t, "BIND_FILE_RW", MountTypeBindFileRW.String())
	assert.Equal(t, "FLASH", MountTypeFlash.String())
	assert.Equal(t, "UNKNOWN", MountType(99).String())
}
