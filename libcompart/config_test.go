package libcompart

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/var/lib/compartd", cfg.BasePath)
	assert.Equal(t, "/tmp", cfg.TmpRoot)
	assert.Equal(t, "/tmp/overlayfs", cfg.OverlayRoot)
	assert.Equal(t, 10*time.Second, cfg.DeviceWaitTimeout.Duration)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compartd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_path = "/srv/compartd"
device_wait_timeout = "2s"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/compartd", cfg.BasePath)
	assert.Equal(t, 2*time.Second, cfg.DeviceWaitTimeout.Duration)
	// Unset keys keep their defaults.
	assert.Equal(t, "/tmp", cfg.TmpRoot)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compartd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`device_wait_timeout = "soon"`), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
