package libcompart

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be given as a string ("10s")
// in the config file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Config carries the host-wide paths and budgets of the volume layer.
type Config struct {
	// BasePath is the persistent data directory; the shared-files
	// store lives under it.
	BasePath string `toml:"base_path"`
	// TmpRoot hosts the per-compartment scratch roots.
	TmpRoot string `toml:"tmp_root"`
	// OverlayRoot hosts the per-compartment overlay scratch dirs.
	OverlayRoot string `toml:"overlay_root"`
	// SocketDir is the control-socket directory mounted inside the
	// compartment.
	SocketDir string `toml:"socket_dir"`
	// DeviceWaitTimeout bounds the wait for mapper device nodes to
	// appear after a dm resume.
	DeviceWaitTimeout Duration `toml:"device_wait_timeout"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		BasePath:          "/var/lib/compartd",
		TmpRoot:           "/tmp",
		OverlayRoot:       "/tmp/overlayfs",
		SocketDir:         "/run/socket",
		DeviceWaitTimeout: Duration{10 * time.Second},
	}
}

// LoadConfig reads a toml config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}
