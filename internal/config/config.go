// Package config handles configuration loading from YAML, environment
// variables, and CLI flags, and watches config/rule files for hot reload.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Session   SessionConfig   `yaml:"session"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Redaction RedactionConfig `yaml:"redaction"`
	Auth      AuthConfig      `yaml:"auth"`
	Rules     RulesConfig     `yaml:"rules"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ProxyConfig configures the HTTP/TLS proxy listener, per §6.
type ProxyConfig struct {
	BindAddress      string   `yaml:"bind_address"`      // default 127.0.0.1
	Port             int      `yaml:"port"`               // default 8080, valid 1024-65535
	EnableSSL        bool     `yaml:"enable_ssl"`         // MITM TLS interception
	BypassHosts      []string `yaml:"bypass_hosts"`       // raw-tunneled regardless of EnableSSL
	MaxConnections   int      `yaml:"max_connections"`    // per upstream (host,port,scheme) key
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms"` // default 30000
	ReadTimeoutMs    int      `yaml:"read_timeout_ms"`    // default 60000
	CADir            string   `yaml:"ca_dir"`             // root key/cert storage, "" = platform default

	// HostAliases maps a SNI host to extra subjectAltName DNS entries to
	// include on its minted leaf, per §4.B's issue_leaf(host, sans?).
	HostAliases map[string][]string `yaml:"host_aliases"`

	// DecompressResponses, when true, decodes a gzip/deflate/br
	// Content-Encoding into body_bytes before the flow is recorded, per §4.F.
	DecompressResponses bool `yaml:"decompress_responses"`
}

// SessionConfig bounds in-memory flow retention, per §3/§8 invariants.
type SessionConfig struct {
	MaxFlows int `yaml:"max_flows"` // flows.len() <= MaxFlows whenever MaxFlows > 0
}

// ThrottleConfig seeds the default bandwidth shaper state (§4.I), settable
// at runtime via the set_throttling command.
type ThrottleConfig struct {
	Preset      string  `yaml:"preset"` // one of the named presets, or "" for custom
	DownloadBps int64   `yaml:"download_bps"`
	UploadBps   int64   `yaml:"upload_bps"`
	LatencyMs   int     `yaml:"latency_ms"`
	LossPercent float64 `yaml:"loss_pct"`
}

// RedactionConfig configures credential redaction applied on export/persist.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
	RedactAPIKeys        bool     `yaml:"redact_api_keys"`
	RedactBase64Images   bool     `yaml:"redact_base64_images"`
}

// AuthConfig configures RPC command-surface authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // bearer token; generated on first run if empty
}

// RulesConfig points at the persisted rule-set database and the directory
// watched for hot reload.
type RulesConfig struct {
	DBPath    string `yaml:"db_path"`
	WatchPath string `yaml:"watch_path"` // directory of exported rule YAML/JSON files, "" disables
}

// EventBusConfig configures the optional secondary (Redis) transport.
type EventBusConfig struct {
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // "" keeps the stdout exporter
}

// MetricsConfig configures the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default 127.0.0.1:9091
}

// DefaultConfig returns a Config with secure, spec-literal defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			BindAddress:         "127.0.0.1",
			Port:                8080,
			EnableSSL:           true,
			MaxConnections:      16,
			ConnectTimeoutMs:    30000,
			ReadTimeoutMs:       60000,
			DecompressResponses: true,
		},
		Session: SessionConfig{
			MaxFlows: 1000,
		},
		Throttle: ThrottleConfig{
			Preset: "",
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"x-api-key",
				"x-amz-security-token",
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
			RedactAPIKeys:      true,
			RedactBase64Images: true,
		},
		Auth:  AuthConfig{Token: ""},
		Rules: RulesConfig{},
		EventBus: EventBusConfig{
			ChannelPrefix: "syrah",
		},
		Tracing: TracingConfig{},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9091",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "syrah"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "syrah"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultRulesDBPath returns the default rule-set/HAR persistence path.
func DefaultRulesDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "syrah.db"), nil
}

// Load loads configuration from path (or the platform default if empty),
// applies environment overrides, and generates/persists an auth token on
// first run.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultRulesDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Rules.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finishLoad(cfg, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return finishLoad(cfg, path)
}

func finishLoad(cfg *Config, path string) (*Config, error) {
	if cfg.Auth.Token == "" {
		tok, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		cfg.Auth.Token = tok
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the config to path with secure permissions, per the ambient
// stack policy: "0600/0700 permissions for secrets".
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYRAH_BIND_ADDRESS"); v != "" {
		c.Proxy.BindAddress = v
	}
	if v := os.Getenv("SYRAH_PORT"); v != "" {
		if n, err := parsePort(v); err == nil {
			c.Proxy.Port = n
		}
	}
	if v := os.Getenv("SYRAH_DB_PATH"); v != "" {
		c.Rules.DBPath = v
	}
	if v := os.Getenv("SYRAH_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("SYRAH_REDIS_ADDR"); v != "" {
		c.EventBus.RedisEnabled = true
		c.EventBus.RedisAddr = v
	}
}

func parsePort(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "syrah_" + hex.EncodeToString(b), nil
}

// ListenAddr joins BindAddress and Port for net.Listen.
func (c *ProxyConfig) ListenAddr() string {
	host := c.BindAddress
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c *ProxyConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *ProxyConfig) ReadTimeout() time.Duration {
	if c.ReadTimeoutMs == 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// IsBypassHost reports whether host is in the bypass set (§4.G).
func (c *ProxyConfig) IsBypassHost(host string) bool {
	for _, h := range c.BypassHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
