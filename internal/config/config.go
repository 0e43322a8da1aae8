// Package config handles configuration loading and validation.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/api-broker/config.toml",
	"config.toml",
}

// reservedRoutes are paths served by the broker itself.
var reservedRoutes = []string{"/proxy", "/secret", "/vars", "/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config, must be loopback).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Socket       string           `kong:"help='Listen on a unix socket instead of TCP (overrides config).',env='SOCKET_PATH'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Dev          bool             `kong:"help='Watch the config file and reload it on change.',env='DEV'"`
	StrictConfig bool             `kong:"help='Reject the config file on any malformed line.',env='STRICT_CONFIG'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// AuthType names a credential injection scheme.
type AuthType string

const (
	AuthNone      AuthType = "none"
	AuthBearer    AuthType = "bearer"
	AuthAPIKey    AuthType = "api_key"
	AuthAPIHeader AuthType = "api_header"
	AuthBasic     AuthType = "basic"
)

// Config is the top-level application configuration.
// A loaded Config is treated as immutable; reload builds a new one.
type Config struct {
	Proxy        ProxyConfig           `toml:"proxy"`
	Upstream     UpstreamConfig        `toml:"upstream"`
	APIs         map[string]APIProfile `toml:"apis"`
	TemplateVars map[string]string     `toml:"template_vars"`
	Log          LogConfig             `toml:"log"`
	Metrics      MetricsConfig         `toml:"metrics"`

	filePath string      // resolved config file path (unexported)
	skipped  []LineIssue // lines ignored by the lenient parser
}

// ProxyConfig holds listener and secret settings.
type ProxyConfig struct {
	Host             string          `toml:"host"`
	Port             int             `toml:"port"` // 0 means "use default" (8787)
	Socket           string          `toml:"socket"`
	BodyMaxBytes     int64           `toml:"body_max_bytes"`
	SecretFile       string          `toml:"secret_file"`
	SecretTTLSeconds int             `toml:"secret_ttl_seconds"`
	RateLimit        RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`
	UserAgent        string `toml:"user_agent"`
}

// APIProfile binds a base endpoint to an authentication scheme.
type APIProfile struct {
	Name       string   `toml:"-"`
	Endpoint   string   `toml:"endpoint"`
	AuthType   AuthType `toml:"auth_type"`
	Token      string   `toml:"token"`
	KeyParam   string   `toml:"key_param"`
	Key        string   `toml:"key"`
	HeaderName string   `toml:"header_name"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
}

// Secrets returns the credential values carried by the profile.
func (p APIProfile) Secrets() []string {
	var out []string
	for _, s := range []string{p.Token, p.Key, p.Password} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/api-broker/config.toml then ./config.toml. A missing file is an error:
// the broker never starts without configuration.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data, cli.StrictConfig)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse builds a Config from section-based text. In strict mode any
// malformed line or unknown key is an error; otherwise such lines are
// recorded and skipped.
func Parse(data []byte, strict bool) (*Config, error) {
	tree, skipped := parseSections(data)
	if strict && len(skipped) > 0 {
		return nil, skipped[0]
	}
	stringifySection(tree, "template_vars")
	if apis, ok := tree["apis"].(map[string]any); ok {
		for name, v := range apis {
			if _, isTable := v.(map[string]any); !isTable {
				delete(apis, name)
				continue
			}
			stringifySection(apis, name)
		}
	}

	doc, err := toml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(doc))
	if strict {
		dec.DisallowUnknownFields()
	}
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	for name, p := range cfg.APIs {
		p.Name = name
		if p.AuthType == "" {
			p.AuthType = AuthNone
		}
		cfg.APIs[name] = p
	}
	cfg.skipped = skipped
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Proxy.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Proxy.Port = cli.Port
	}
	if cli.Socket != "" {
		c.Proxy.Socket = cli.Socket
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// The listener is the strongest control: never bind off-host.
	if c.Proxy.Socket == "" && c.Proxy.Host != "" && !isLoopback(c.Proxy.Host) {
		return fmt.Errorf("proxy.host must be a loopback address; got %q", c.Proxy.Host)
	}

	// Numeric bounds.
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be 0-65535; got %d", c.Proxy.Port)
	}
	if c.Proxy.BodyMaxBytes < 0 {
		return fmt.Errorf("proxy.body_max_bytes must be non-negative; got %d", c.Proxy.BodyMaxBytes)
	}
	if c.Proxy.SecretTTLSeconds < 0 {
		return fmt.Errorf("proxy.secret_ttl_seconds must be non-negative; got %d", c.Proxy.SecretTTLSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}
	if c.Proxy.RateLimit.Enabled && c.Proxy.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("proxy.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Proxy.RateLimit.RequestsPerSecond)
	}

	for _, p := range c.Profiles() {
		if err := p.validate(); err != nil {
			return fmt.Errorf("apis.%s: %w", p.Name, err)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (p APIProfile) validate() error {
	switch p.AuthType {
	case AuthNone:
	case AuthBearer:
		if p.Token == "" {
			return fmt.Errorf("auth_type %q requires token", p.AuthType)
		}
	case AuthAPIKey:
		if p.KeyParam == "" || p.Key == "" {
			return fmt.Errorf("auth_type %q requires key_param and key", p.AuthType)
		}
	case AuthAPIHeader:
		if p.HeaderName == "" || p.Key == "" {
			return fmt.Errorf("auth_type %q requires header_name and key", p.AuthType)
		}
	case AuthBasic:
		if p.Username == "" {
			return fmt.Errorf("auth_type %q requires username", p.AuthType)
		}
	default:
		return fmt.Errorf("auth_type must be one of: none, bearer, api_key, api_header, basic; got %q", p.AuthType)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = "127.0.0.1"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8787
	}
	if c.Proxy.BodyMaxBytes == 0 {
		c.Proxy.BodyMaxBytes = 1 << 20 // 1 MiB
	}
	if c.Proxy.SecretFile == "" {
		c.Proxy.SecretFile = ".api-broker-secret"
	}
	if c.Proxy.SecretTTLSeconds == 0 {
		c.Proxy.SecretTTLSeconds = 3600
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 10 << 20 // 10 MiB
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "api-broker/1.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.TemplateVars == nil {
		c.TemplateVars = map[string]string{}
	}
}

// Profiles returns the configured API profiles ordered by name.
func (c *Config) Profiles() []APIProfile {
	out := make([]APIProfile, 0, len(c.APIs))
	for _, p := range c.APIs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FilePath returns the file the config was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Skipped returns the lines the parser ignored.
func (c *Config) Skipped() []LineIssue {
	return c.skipped
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// Addr returns the TCP listen address as host:port.
func (c *ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; it holds credentials, consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnSkipped logs every line the lenient parser ignored.
func (c *Config) WarnSkipped(logger *slog.Logger) {
	for _, s := range c.skipped {
		logger.Warn("config line skipped",
			"path", c.filePath,
			"line", s.Line,
			"reason", s.Reason,
		)
	}
}
