// Package kulficonfig parses the multi-service YAML document the CLI's
// "run" command uses to start several exposed services from one process,
// without imposing any config layer on the core packages themselves
// (broker, acceptor, and relay all take explicit Go structs). The
// bridge_host field is parsed but "run" starts no bridges from it.
package kulficonfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document.
type Config struct {
	Identity IdentityConfig         `yaml:"identity"`
	HTTP     map[string]HTTPService `yaml:"http,omitempty"`
	TCP      map[string]TCPService  `yaml:"tcp,omitempty"`
	UDP      map[string]UDPService  `yaml:"udp,omitempty"`
}

// IdentityConfig names the file holding this process's Ed25519 secret key.
type IdentityConfig struct {
	File string `yaml:"file"`
}

// HTTPService describes one exposed local HTTP service. Identity, like the
// original TOML config, may name a per-service identity file; left empty,
// the top-level identity is used (each service still gets its own overlay
// Endpoint and Acceptor, since a single Acceptor dispatches purely by
// protocol tag and cannot host two same-protocol services side by side).
type HTTPService struct {
	Identity   string `yaml:"identity,omitempty"`
	Port       int    `yaml:"port"`
	Public     bool   `yaml:"public"`
	Active     bool   `yaml:"active"`
	Host       string `yaml:"host,omitempty"`
	BridgeHost string `yaml:"bridge_host,omitempty"`
}

// TCPService describes one exposed local TCP service.
type TCPService struct {
	Identity string `yaml:"identity,omitempty"`
	Port     int    `yaml:"port"`
	Public   bool   `yaml:"public"`
	Active   bool   `yaml:"active"`
	Host     string `yaml:"host,omitempty"`
}

// UDPService describes one exposed local UDP service.
type UDPService struct {
	Identity string `yaml:"identity,omitempty"`
	Port     int    `yaml:"port"`
	Public   bool   `yaml:"public"`
	Active   bool   `yaml:"active"`
	Host     string `yaml:"host,omitempty"`
}

const defaultHost = "127.0.0.1"

// Load reads and parses path, applying the same defaults-on-missing-field
// behavior as the original TOML config (host defaults to 127.0.0.1,
// active/public default to their zero value of false so a service must opt
// in explicitly).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kulficonfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("kulficonfig: parse %s: %w", path, err)
	}

	for name, svc := range cfg.HTTP {
		if svc.Host == "" {
			svc.Host = defaultHost
			cfg.HTTP[name] = svc
		}
	}
	for name, svc := range cfg.TCP {
		if svc.Host == "" {
			svc.Host = defaultHost
			cfg.TCP[name] = svc
		}
	}
	for name, svc := range cfg.UDP {
		if svc.Host == "" {
			svc.Host = defaultHost
			cfg.UDP[name] = svc
		}
	}

	return &cfg, nil
}
