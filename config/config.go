// Package config loads the TOML configuration for the IMAP login
// front-end and produces a read-only snapshot handed to the listener at
// startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig controls where and how the process logs.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// TLSConfig controls the listener's TLS material and STARTTLS policy.
type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`     // serve TLS on Addr directly (implicit TLS)
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"` // "1.2" or "1.3"
}

// AuthServiceConfig points at the external authentication collaborator.
type AuthServiceConfig struct {
	Addr             string `toml:"addr"`
	DialTimeout      string `toml:"dial_timeout"`
	RequestTimeout   string `toml:"request_timeout"`
	CircuitThreshold uint32 `toml:"circuit_threshold"`
	CircuitTimeout   string `toml:"circuit_timeout"`
}

// BackendConfig points at the post-authentication IMAP backend that
// receives the handed-off connection.
type BackendConfig struct {
	Addr               string `toml:"addr"`
	TLS                bool   `toml:"tls"`
	TLSVerify          bool   `toml:"tls_verify"`
	MasterSASLUsername string `toml:"master_sasl_username"`
	MasterSASLPassword string `toml:"master_sasl_password"`
	ConnectTimeout     string `toml:"connect_timeout"`
	SendIDCommand      bool   `toml:"send_id_command"`
}

// ProxyProtocolConfig controls whether the listener accepts HAProxy-style
// PROXY protocol headers ahead of the IMAP greeting, and from whom.
type ProxyProtocolConfig struct {
	Enabled        bool     `toml:"enabled"`
	Optional       bool     `toml:"optional"` // accept connections without a header too
	TrustedProxies []string `toml:"trusted_proxies"`
}

// IMAPLoginConfig is the full process configuration, mirroring the shape
// of a single protocol-proxy server block in a multi-protocol config: one
// table per concern, flat duration strings parsed at snapshot time.
type IMAPLoginConfig struct {
	Addr                string              `toml:"addr"`
	Greeting            string              `toml:"greeting"`
	MaxConnections      int                 `toml:"max_connections"`
	MaxConnectionsPerIP int                 `toml:"max_connections_per_ip"`
	// MaxLoggingUsers is the registry's own capacity threshold (spec's
	// max_logging_users): once reached, admission evicts the oldest
	// sessions in a batch rather than refusing the new one. It is
	// deliberately a separate knob from MaxConnections/MaxConnectionsPerIP,
	// which are the connection limiter's hard, reject-and-close caps —
	// set MaxLoggingUsers below MaxConnections (or leave MaxConnections
	// unbounded) so a connection actually reaches the registry and
	// triggers eviction instead of being rejected by the limiter first.
	MaxLoggingUsers     int                 `toml:"max_logging_users"`
	TrustedNetworks     []string            `toml:"trusted_networks"`
	IdleTimeout         string              `toml:"idle_timeout"`
	AuthRequestTimeout  string              `toml:"auth_request_timeout"`
	MaxBadCommands      int                 `toml:"max_bad_commands"`
	MaxLineLength       int                 `toml:"max_line_length"`
	DisablePlaintext    bool                `toml:"disable_plaintext_auth"`
	TLS                 TLSConfig           `toml:"tls"`
	ProxyProtocol       ProxyProtocolConfig `toml:"proxy_protocol"`
	AuthService         AuthServiceConfig   `toml:"auth_service"`
	Backend             BackendConfig       `toml:"backend"`
	Logging             LoggingConfig       `toml:"logging"`
	MetricsAddr         string              `toml:"metrics_addr"`
}

// Default returns the configuration a fresh install starts from, mirroring
// the literal constants in the protocol description.
func Default() IMAPLoginConfig {
	return IMAPLoginConfig{
		Addr:                ":143",
		Greeting:            "IMAP login front-end ready.",
		MaxConnections:      0,
		MaxConnectionsPerIP: 0,
		MaxLoggingUsers:     0,
		IdleTimeout:         "60s",
		AuthRequestTimeout:  "90s",
		MaxBadCommands:      10,
		MaxLineLength:       8192,
		DisablePlaintext:    true,
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		AuthService: AuthServiceConfig{
			DialTimeout:      "5s",
			RequestTimeout:   "10s",
			CircuitThreshold: 5,
			CircuitTimeout:   "30s",
		},
		Backend: BackendConfig{
			ConnectTimeout: "10s",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		MetricsAddr: "127.0.0.1:9143",
	}
}

// Load reads and decodes a TOML file on top of Default().
func Load(path string) (IMAPLoginConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ParseDuration parses a duration string, returning def if s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}
