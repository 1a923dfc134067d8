// Package config resolves the server's CLI surface: flags, environment
// variables, and the handful of filesystem paths the engine needs at
// startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vibetunnel/server/internal/vterr"
)

// Exit codes
const (
	ExitOK                = 0
	ExitBadConfig         = 2
	ExitPortInUse         = 3
	ExitControlDirFailure = 4
)

// Config is the fully-resolved server configuration: flags override
// environment variables, which override the built-in defaults.
type Config struct {
	Port       int    `yaml:"port"`
	Bind       string `yaml:"bind"`
	Auth       string `yaml:"auth"` // opaque token clients must present; "" disables auth
	HQ         bool   `yaml:"hq"`   // run in HQ (aggregator) mode
	HQURL      string `yaml:"hqUrl"`
	Name       string `yaml:"name"`
	ControlDir string `yaml:"controlDir"`
	Debug      bool   `yaml:"debug"`
}

// Defaults returns a Config populated with built-in defaults before
// flags or environment variables are applied.
func Defaults() (*Config, error) {
	dir, err := DefaultControlDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		Port:       4020,
		Bind:       "0.0.0.0",
		ControlDir: dir,
	}, nil
}

// ApplyFile overlays a YAML config file onto cfg, trimmed to this
// engine's handful of fields. Only fields explicitly present in the
// file are applied, so an unset field keeps whatever Defaults (or an
// earlier layer) already put there. A missing path is not an error:
// the file is optional.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vterr.Wrap(vterr.ConfigError, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return vterr.New(vterr.ConfigError, "parse %s: %v", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return vterr.New(vterr.ConfigError, "parse %s: %v", path, err)
	}
	if _, ok := raw["port"]; ok {
		c.Port = file.Port
	}
	if _, ok := raw["bind"]; ok {
		c.Bind = file.Bind
	}
	if _, ok := raw["auth"]; ok {
		c.Auth = file.Auth
	}
	if _, ok := raw["hq"]; ok {
		c.HQ = file.HQ
	}
	if _, ok := raw["hqUrl"]; ok {
		c.HQURL = file.HQURL
	}
	if _, ok := raw["name"]; ok {
		c.Name = file.Name
	}
	if _, ok := raw["controlDir"]; ok {
		c.ControlDir = file.ControlDir
	}
	if _, ok := raw["debug"]; ok {
		c.Debug = file.Debug
	}
	return nil
}

// ApplyEnv overlays recognized environment variables onto cfg. Flags
// should be applied after this call so that explicit flags win.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return vterr.New(vterr.ConfigError, "invalid PORT %q: %v", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.Debug = b
		} else {
			c.Debug = true // any value ParseBool rejects (e.g. DEBUG=yes) enables debug
		}
	}
	if v := os.Getenv("CONTROL_DIR"); v != "" {
		c.ControlDir = v
	}
	return nil
}

// Validate enforces the invariants the rest of the engine assumes hold.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return vterr.New(vterr.ConfigError, "port %d out of range", c.Port)
	}
	if c.ControlDir == "" {
		return vterr.New(vterr.ConfigError, "control dir is empty")
	}
	if c.HQ && c.HQURL != "" {
		return vterr.New(vterr.ConfigError, "--hq and --hq-url are mutually exclusive")
	}
	return nil
}

// Addr returns the bind/listen address for net/http.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// PeersDBPath returns the sqlite file backing the Federation Layer's
// peer registry when running in HQ mode.
func (c *Config) PeersDBPath() string {
	return filepath.Join(c.ControlDir, "peers.db")
}

// SigningKeyPath returns the PEM file holding the ES256 key HQ uses to
// mint handoff tokens, generated on first run and reused thereafter.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.ControlDir, "hq-signing-key.pem")
}

// RemoteIDPath returns the file holding this server's stable peer id,
// so re-registering with an HQ after a restart updates the same peer
// row instead of creating a duplicate.
func (c *Config) RemoteIDPath() string {
	return filepath.Join(c.ControlDir, "remote-id")
}
