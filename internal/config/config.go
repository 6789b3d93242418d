package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultUpstreamURL = "api.openai.com/v1/chat/completions"
	defaultProtocol    = "https"
	defaultRoutePath   = "/api/chat-stream"
)

type Config struct {
	UpstreamURL      string        `yaml:"upstream_url"`
	Protocol         string        `yaml:"protocol"`
	UpstreamProxyURL string        `yaml:"upstream_proxy_url"`
	ListenAddr       string        `yaml:"listen_addr"`
	RoutePath        string        `yaml:"route_path"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	// LegacyErrors answers setup failures with 200 and a fenced JSON body
	// instead of a non-2xx status.
	LegacyErrors   bool    `yaml:"legacy_errors"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	LogFormat      string  `yaml:"log_format"`
	LogLevel       string  `yaml:"log_level"`
	// A2A
	A2AEnabled bool   `yaml:"a2a_enabled"`
	A2APort    int    `yaml:"a2a_port"`
	AgentName  string `yaml:"agent_name"`
	AgentDesc  string `yaml:"agent_desc"`
	A2AAPIKey  string `yaml:"a2a_api_key"`
	A2AModel   string `yaml:"a2a_model"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		UpstreamURL:    defaultUpstreamURL,
		Protocol:       defaultProtocol,
		ListenAddr:     ":8080",
		RoutePath:      defaultRoutePath,
		RequestTimeout: 120 * time.Second,
		RateBurst:      1,
		MetricsEnabled: true,
		LogFormat:      "text",
		LogLevel:       "info",
		A2APort:        8000,
		AgentName:      "chat-relay",
		AgentDesc:      "Chat completion relay exposed via A2A protocol",
		A2AModel:       "gpt-3.5-turbo",
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and finally command-line flags.
func Load() (*Config, error) {
	return LoadArgs(flag.CommandLine, os.Args[1:])
}

// LoadArgs is Load with an explicit flag set and argument list.
func LoadArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Defaults()

	path := configPath(args)
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	var ignored string
	fs.StringVar(&ignored, "config", path, "Path to a YAML config file")
	fs.StringVar(&cfg.UpstreamURL, "base-url", getEnv("BASE_URL", cfg.UpstreamURL), "Upstream completion endpoint, with or without scheme")
	fs.StringVar(&cfg.Protocol, "protocol", getEnv("PROTOCOL", cfg.Protocol), "Scheme used when base-url has none (http|https)")
	fs.StringVar(&cfg.UpstreamProxyURL, "upstream-proxy-url", getEnv("UPSTREAM_PROXY_URL", cfg.UpstreamProxyURL), "HTTP/HTTPS proxy URL for upstream requests (e.g. http://proxy:8080)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", cfg.ListenAddr), "Relay listen address")
	fs.StringVar(&cfg.RoutePath, "route-path", getEnv("ROUTE_PATH", cfg.RoutePath), "Path of the relay endpoint")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout), "Upper bound for one relayed stream")
	fs.BoolVar(&cfg.LegacyErrors, "legacy-errors", getEnvBool("LEGACY_ERRORS", cfg.LegacyErrors), "Report setup errors as 200 with a fenced JSON body")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", getEnvFloat("RATE_LIMIT", cfg.RateLimit), "Relay requests per second (0 disables limiting)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", getEnvInt("RATE_BURST", cfg.RateBurst), "Rate limiter burst size")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled), "Serve Prometheus metrics on /metrics")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", cfg.LogFormat), "Log output format (text|json)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", cfg.LogLevel), "Log level (debug|info|warn|error)")

	fs.BoolVar(&cfg.A2AEnabled, "a2a", getEnvBool("A2A_ENABLED", cfg.A2AEnabled), "Enable A2A server alongside the relay")
	fs.IntVar(&cfg.A2APort, "a2a-port", getEnvInt("A2A_PORT", cfg.A2APort), "A2A server listen port")
	fs.StringVar(&cfg.AgentName, "agent-name", getEnv("AGENT_NAME", cfg.AgentName), "A2A AgentCard name")
	fs.StringVar(&cfg.AgentDesc, "agent-desc", getEnv("AGENT_DESC", cfg.AgentDesc), "A2A AgentCard description")
	fs.StringVar(&cfg.A2AAPIKey, "a2a-api-key", getEnv("A2A_API_KEY", cfg.A2AAPIKey), "Upstream key used when an A2A caller sends none")
	fs.StringVar(&cfg.A2AModel, "a2a-model", getEnv("A2A_MODEL", cfg.A2AModel), "Model requested upstream for A2A turns")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Endpoint returns the absolute upstream URL.
func (c *Config) Endpoint() string {
	if strings.Contains(c.UpstreamURL, "://") {
		return c.UpstreamURL
	}
	return c.Protocol + "://" + c.UpstreamURL
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream url must not be empty")
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("protocol must be http or https, got %q", c.Protocol)
	}
	u, err := url.Parse(c.Endpoint())
	if err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream url %q has no host", c.Endpoint())
	}
	if c.UpstreamProxyURL != "" {
		if _, err := url.Parse(c.UpstreamProxyURL); err != nil {
			return fmt.Errorf("upstream proxy url: %w", err)
		}
	}
	if !strings.HasPrefix(c.RoutePath, "/") {
		return fmt.Errorf("route path must start with /, got %q", c.RoutePath)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return errors.New("rate burst must be at least 1 when rate limiting is on")
	}
	return nil
}

// configPath scans args for --config/-config before flags are parsed so the
// file can be loaded underneath env and flag overrides.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
