// Package config provides configuration parsing and validation for ExamCast.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/examcast/internal/crypto"
	"github.com/postalsys/examcast/internal/logging"
	"github.com/postalsys/examcast/internal/transport"
)

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Session   SessionConfig   `yaml:"session"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Store     StoreConfig     `yaml:"store"`
	Health    HealthConfig    `yaml:"health"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	Name      string `yaml:"name"`       // display name carried in invites
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// SessionConfig holds preset session material for receivers that join
// without scanning an invite.
type SessionConfig struct {
	ID  string `yaml:"id"`
	Key string `yaml:"key"`
}

// MeshConfig tunes the flood router.
type MeshConfig struct {
	DefaultTTL     int           `yaml:"default_ttl"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AcceptBackoff  time.Duration `yaml:"accept_backoff"`
	RelayQueueSize int           `yaml:"relay_queue_size"`
	RelayRate      float64       `yaml:"relay_rate"` // relays per second, 0 = unlimited
	RelayBurst     int           `yaml:"relay_burst"`
	MaxRelaysPerID int           `yaml:"max_relays_per_id"`
	DedupCapacity  int           `yaml:"dedup_capacity"`
	MaxDialPeers   int           `yaml:"max_dial_peers"` // receivers connect to this many discovered nodes
	AcceptInbound  bool          `yaml:"accept_inbound"` // receivers also listen and relay for later joiners
}

// TransportConfig selects the link substrate.
type TransportConfig struct {
	Type         string    `yaml:"type"`   // tcp, quic, ws, h2
	Listen       string    `yaml:"listen"` // listen address
	Path         string    `yaml:"path"`   // HTTP path for ws
	PlainText    bool      `yaml:"plaintext"`
	StrictVerify bool      `yaml:"strict_verify"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert string `yaml:"cert"` // Certificate file path
	Key  string `yaml:"key"`  // Private key file path
	CA   string `yaml:"ca"`   // CA certificate file path
}

// DiscoveryConfig selects how neighbours are found.
type DiscoveryConfig struct {
	Mode    string        `yaml:"mode"` // mdns, static
	Peers   []string      `yaml:"peers"`
	Timeout time.Duration `yaml:"timeout"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
}

// StoreConfig selects the message store.
type StoreConfig struct {
	Type string `yaml:"type"` // file, memory
	Dir  string `yaml:"dir"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Discovery modes.
const (
	DiscoveryMDNS   = "mdns"
	DiscoveryStatic = "static"
)

// Store types.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:      "Teacher",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Mesh: MeshConfig{
			DefaultTTL:     5,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			AcceptBackoff:  1 * time.Second,
			RelayQueueSize: 256,
			RelayRate:      50,
			RelayBurst:     20,
			MaxRelaysPerID: 1,
			DedupCapacity:  65536,
			MaxDialPeers:   1,
			AcceptInbound:  true,
		},
		Transport: TransportConfig{
			Type:   string(transport.TypeTCP),
			Listen: ":7946",
			Path:   "/mesh",
		},
		Discovery: DiscoveryConfig{
			Mode:    DiscoveryMDNS,
			Peers:   []string{},
			Timeout: 12 * time.Second,
			Service: transport.DefaultService,
			Domain:  transport.DefaultDomain,
		},
		Store: StoreConfig{
			Type: StoreFile,
			Dir:  "./data",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.IsValidLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !logging.IsValidFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Session.Key != "" {
		if err := crypto.ValidateKey(c.Session.Key); err != nil {
			errs = append(errs, "session.key must be 64 hex characters")
		}
		if c.Session.ID == "" {
			errs = append(errs, "session.id is required when session.key is set")
		}
	}

	errs = append(errs, c.Mesh.validate()...)

	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, fmt.Sprintf("transport: %v", err))
	}

	switch c.Discovery.Mode {
	case DiscoveryMDNS:
		if c.Discovery.Service == "" {
			errs = append(errs, "discovery.service is required for mdns discovery")
		}
	case DiscoveryStatic:
		if len(c.Discovery.Peers) == 0 {
			errs = append(errs, "discovery.peers is required for static discovery")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid discovery.mode: %s (must be mdns or static)", c.Discovery.Mode))
	}
	if c.Discovery.Timeout <= 0 {
		errs = append(errs, "discovery.timeout must be positive")
	}

	switch c.Store.Type {
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, "store.dir is required for file store")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("invalid store.type: %s (must be file or memory)", c.Store.Type))
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (m MeshConfig) validate() []string {
	var errs []string
	if m.DefaultTTL < 1 || m.DefaultTTL > 255 {
		errs = append(errs, "mesh.default_ttl must be between 1 and 255")
	}
	if m.DialTimeout <= 0 {
		errs = append(errs, "mesh.dial_timeout must be positive")
	}
	if m.WriteTimeout <= 0 {
		errs = append(errs, "mesh.write_timeout must be positive")
	}
	if m.AcceptBackoff <= 0 {
		errs = append(errs, "mesh.accept_backoff must be positive")
	}
	if m.RelayQueueSize < 1 {
		errs = append(errs, "mesh.relay_queue_size must be positive")
	}
	if m.RelayRate < 0 {
		errs = append(errs, "mesh.relay_rate must not be negative")
	}
	if m.RelayRate > 0 && m.RelayBurst < 1 {
		errs = append(errs, "mesh.relay_burst must be positive when relay_rate is set")
	}
	if m.MaxRelaysPerID < 1 {
		errs = append(errs, "mesh.max_relays_per_id must be positive")
	}
	if m.DedupCapacity < 1024 {
		errs = append(errs, "mesh.dedup_capacity must be at least 1024")
	}
	if m.MaxDialPeers < 1 {
		errs = append(errs, "mesh.max_dial_peers must be positive")
	}
	return errs
}

func validateTransport(t TransportConfig) error {
	typ, err := transport.ParseType(t.Type)
	if err != nil {
		return err
	}
	if typ == transport.TypeMemory {
		return fmt.Errorf("memory transport is not available outside tests")
	}
	if t.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(t.Listen); err != nil {
		return fmt.Errorf("listen: %v", err)
	}
	if typ == transport.TypeWebSocket && !strings.HasPrefix(t.Path, "/") {
		return fmt.Errorf("path must start with / for ws transport")
	}
	if (t.TLS.Cert == "") != (t.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if t.PlainText && typ != transport.TypeWebSocket {
		return fmt.Errorf("plaintext is only supported by the ws transport")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// The session key is redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	out := *c
	out.Discovery.Peers = append([]string(nil), c.Discovery.Peers...)
	if out.Session.Key != "" {
		out.Session.Key = redactedValue
	}
	if out.Transport.TLS.Key != "" {
		out.Transport.TLS.Key = redactedValue
	}
	return &out
}

// HasSensitiveData returns true if the config contains a session key.
func (c *Config) HasSensitiveData() bool {
	return c.Session.Key != ""
}
