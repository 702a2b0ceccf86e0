// Package config provides configuration parsing and validation for the
// tunnel proxy and gateway.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for either side of a tunnel. The
// proxy reads the Proxy section and the gateway reads the Gateway section;
// the rest is shared.
type Config struct {
	LogLevel    string          `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string          `yaml:"log_format"`   // text, json
	ChunkSize   int             `yaml:"chunk_size"`   // read buffer size per connection
	MetricsAddr string          `yaml:"metrics_addr"` // serve /metrics here if set
	Transport   TransportConfig `yaml:"transport"`
	Proxy       ProxyConfig     `yaml:"proxy"`
	Gateway     GatewayConfig   `yaml:"gateway"`
}

// TransportConfig holds the HTTP/2 flow-control windows for the gRPC
// transport.
type TransportConfig struct {
	ConnWindow   ByteSize `yaml:"conn_window"`
	StreamWindow ByteSize `yaml:"stream_window"`
}

// ProxyConfig configures the local side.
type ProxyConfig struct {
	LocalAddr      string `yaml:"local_addr"`  // where to accept TCP connections
	RemoteAddr     string `yaml:"remote_addr"` // the gateway's gRPC endpoint
	MaxSessions    int    `yaml:"max_sessions"`
	WaitForGateway bool   `yaml:"wait_for_gateway"` // connect before accepting
}

// GatewayConfig configures the remote side.
type GatewayConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Backends       []string      `yaml:"backends"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxSessions    int           `yaml:"max_sessions"`
}

// ByteSize is a size in bytes. In YAML it may be written as a plain number
// or with a unit, such as "512KiB" or "8MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String formats the size with binary units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a human-readable size such as "1MiB" or "65536".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return ByteSize(n), nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		ChunkSize: 2048,
		Transport: TransportConfig{
			ConnWindow:   8 << 20,
			StreamWindow: 1 << 20,
		},
		Proxy: ProxyConfig{
			LocalAddr:      "127.0.0.1:8022",
			RemoteAddr:     "127.0.0.1:50051",
			WaitForGateway: true,
		},
		Gateway: GatewayConfig{
			ListenAddr:     "0.0.0.0:50051",
			ConnectTimeout: 3 * time.Second,
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

// Parse parses configuration from YAML bytes, on top of the defaults.
// It does not validate; see ValidateProxy and ValidateGateway.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} supplies a default for unset variables. References to
// unset variables without a default are left as they are.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// ValidateProxy checks the settings used by the proxy.
func (c *Config) ValidateProxy() error {
	errs := c.validateCommon()
	if !isHostPort(c.Proxy.LocalAddr) {
		errs = append(errs, fmt.Sprintf("proxy.local_addr: invalid address %q", c.Proxy.LocalAddr))
	}
	if c.Proxy.RemoteAddr == "" {
		errs = append(errs, "proxy.remote_addr is required")
	}
	if c.Proxy.MaxSessions < 0 {
		errs = append(errs, "proxy.max_sessions must not be negative")
	}
	return joinErrors(errs)
}

// ValidateGateway checks the settings used by the gateway.
func (c *Config) ValidateGateway() error {
	errs := c.validateCommon()
	if !isHostPort(c.Gateway.ListenAddr) {
		errs = append(errs, fmt.Sprintf("gateway.listen_addr: invalid address %q", c.Gateway.ListenAddr))
	}
	if len(c.Gateway.Backends) == 0 {
		errs = append(errs, "gateway.backends must list at least one address")
	}
	for i, b := range c.Gateway.Backends {
		if !isHostPort(b) {
			errs = append(errs, fmt.Sprintf("gateway.backends[%d]: invalid address %q", i, b))
		}
	}
	if c.Gateway.ConnectTimeout <= 0 {
		errs = append(errs, "gateway.connect_timeout must be positive")
	}
	if c.Gateway.MaxSessions < 0 {
		errs = append(errs, "gateway.max_sessions must not be negative")
	}
	return joinErrors(errs)
}

func (c *Config) validateCommon() []string {
	var errs []string
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, "chunk_size must be positive")
	}
	if c.MetricsAddr != "" && !isHostPort(c.MetricsAddr) {
		errs = append(errs, fmt.Sprintf("metrics_addr: invalid address %q", c.MetricsAddr))
	}
	// HTTP/2 windows are at least 64KiB and fit in 31 bits
	for name, w := range map[string]ByteSize{
		"transport.conn_window":   c.Transport.ConnWindow,
		"transport.stream_window": c.Transport.StreamWindow,
	} {
		if w < 64<<10 || w > math.MaxInt32 {
			errs = append(errs, fmt.Sprintf("%s must be between 64KiB and 2GiB, got %s", name, w))
		}
	}
	return errs
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
}

func isHostPort(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
