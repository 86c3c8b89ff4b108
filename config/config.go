// Package config loads the coordinator's yaml configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/txweave/txweave/core/coordinator"
	"github.com/txweave/txweave/core/txlog"
	"github.com/txweave/txweave/pkg/logger"
	"github.com/txweave/txweave/pkg/telemetry"
)

// RemoteResource is a statically registered remote XA resource manager.
type RemoteResource struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// TLS configures mutually authenticated transport to remote resources.
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CACert   string `yaml:"ca_cert"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config is the root of the coordinator's configuration file.
type Config struct {
	// AdminAddr is the bind address of the admin HTTP surface.
	AdminAddr string `yaml:"admin_addr"`
	// ResourceAddr is the bind address on which the local store is exposed
	// to remote coordinators. Empty disables the resource server.
	ResourceAddr string `yaml:"resource_addr"`
	// DataDir holds the local store journal. The transaction log location
	// is configured separately under txlog.
	DataDir string `yaml:"data_dir"`

	TxLog       txlog.Config       `yaml:"txlog"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	TLS         TLS                `yaml:"tls"`
	Remotes     []RemoteResource   `yaml:"remotes"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AdminAddr == "" {
		c.AdminAddr = "127.0.0.1:7480"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/txweave"
	}
	if c.TxLog.Dir == "" {
		c.TxLog.Dir = filepath.Join(c.DataDir, "txlog")
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "txweave"
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, r := range c.Remotes {
		if r.ID == "" || r.Address == "" {
			return fmt.Errorf("remote resource entries need both id and address")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate remote resource id %q", r.ID)
		}
		seen[r.ID] = true
	}
	if c.TLS.Enabled {
		if c.TLS.CACert == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires ca_cert, cert_file and key_file")
		}
	}
	return nil
}
