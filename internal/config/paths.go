package config

import (
	"os"
	"path/filepath"

	"github.com/vibetunnel/server/internal/vterr"
)

// DefaultControlDir returns ~/.vibetunnel/control, the default session
// root used when neither --control-dir nor CONTROL_DIR is set.
func DefaultControlDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", vterr.Wrap(vterr.ControlDirUnavailable, err)
	}
	return filepath.Join(home, ".vibetunnel", "control"), nil
}

// EnsureControlDir creates the control root directory if missing.
func EnsureControlDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return vterr.Wrap(vterr.ControlDirUnavailable, err)
	}
	return nil
}
