package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"modelgate/internal/models"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Routing   RoutingConfig   `yaml:"routing"`
	Health    HealthConfig    `yaml:"health"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Streaming StreamingConfig `yaml:"streaming"`
	History   HistoryConfig   `yaml:"history"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Backends  []BackendConfig `yaml:"backends"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RoutingConfig orders backends and toggles cross-backend fallback.
type RoutingConfig struct {
	ProviderPriority []string `yaml:"provider_priority"`
	FallbackEnabled  *bool    `yaml:"fallback_enabled"`
}

// HealthConfig controls probe caching.
type HealthConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ChunkingConfig holds the thresholds that split large conversations.
type ChunkingConfig struct {
	MaxTokensPerChunk     int           `yaml:"max_tokens_per_chunk"`
	Overlap               int           `yaml:"overlap"`
	TokenThreshold        int           `yaml:"token_threshold"`
	MessageThreshold      int           `yaml:"message_threshold"`
	StreamingTokenCeiling int           `yaml:"streaming_token_ceiling"`
	SubRequestTimeout     time.Duration `yaml:"sub_request_timeout"`
	InterChunkDelay       time.Duration `yaml:"inter_chunk_delay"`
}

// StreamingConfig tunes the client-facing event stream.
type StreamingConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	PaceDelay         time.Duration `yaml:"pace_delay"`
}

// HistoryConfig bounds the in-memory request history.
type HistoryConfig struct {
	Size int `yaml:"size"`
}

// TunnelConfig enables the public tunnel helper.
type TunnelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Binary       string        `yaml:"binary"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// BackendConfig describes one model-serving endpoint.
type BackendConfig struct {
	Name              string            `yaml:"name"`
	Kind              string            `yaml:"kind"`
	Endpoint          string            `yaml:"endpoint"`
	APIKey            string            `yaml:"api_key"`
	ModelAliases      map[string]string `yaml:"model_aliases"`
	DefaultModel      string            `yaml:"default_model"`
	FallbackModel     string            `yaml:"fallback_model"`
	Enabled           *bool             `yaml:"enabled"`
	MaxRetries        int               `yaml:"max_retries"`
	BackoffBase       time.Duration     `yaml:"backoff_base"`
	BackoffMax        time.Duration     `yaml:"backoff_max"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	ThinkingMode      *bool             `yaml:"thinking_mode"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Routing.FallbackEnabled == nil {
		c.Routing.FallbackEnabled = boolPtr(true)
	}
	if c.Health.TTL == 0 {
		c.Health.TTL = 30 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.Chunking.MaxTokensPerChunk == 0 {
		c.Chunking.MaxTokensPerChunk = 8000
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = 1
	}
	if c.Chunking.TokenThreshold == 0 {
		c.Chunking.TokenThreshold = 6000
	}
	if c.Chunking.StreamingTokenCeiling == 0 {
		c.Chunking.StreamingTokenCeiling = 12000
	}
	if c.Chunking.SubRequestTimeout == 0 {
		c.Chunking.SubRequestTimeout = 120 * time.Second
	}
	if c.Streaming.KeepaliveInterval == 0 {
		c.Streaming.KeepaliveInterval = 3 * time.Second
	}
	if c.Streaming.IdleTimeout == 0 {
		c.Streaming.IdleTimeout = 60 * time.Second
	}
	if c.Streaming.MaxDuration == 0 {
		c.Streaming.MaxDuration = 10 * time.Minute
	}
	if c.Streaming.PaceDelay == 0 {
		c.Streaming.PaceDelay = 30 * time.Millisecond
	}
	if c.History.Size == 0 {
		c.History.Size = 200
	}
	if c.Tunnel.Binary == "" {
		c.Tunnel.Binary = "cloudflared"
	}
	if c.Tunnel.StartTimeout == 0 {
		c.Tunnel.StartTimeout = 30 * time.Second
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Name == "" {
			b.Name = b.Kind
		}
		if b.Enabled == nil {
			b.Enabled = boolPtr(true)
		}
		if b.ThinkingMode == nil {
			b.ThinkingMode = boolPtr(true)
		}
		if b.MaxRetries == 0 {
			b.MaxRetries = 3
		}
		if b.BackoffBase == 0 {
			b.BackoffBase = time.Second
		}
		if b.BackoffMax == 0 {
			b.BackoffMax = 8 * time.Second
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must not be negative, got %d", c.Chunking.Overlap)
	}
	if c.Chunking.MaxTokensPerChunk < 100 {
		return fmt.Errorf("chunking.max_tokens_per_chunk must be at least 100, got %d", c.Chunking.MaxTokensPerChunk)
	}
	if c.Streaming.KeepaliveInterval >= c.Streaming.IdleTimeout {
		return fmt.Errorf("streaming.keepalive_interval (%s) must be shorter than streaming.idle_timeout (%s)",
			c.Streaming.KeepaliveInterval, c.Streaming.IdleTimeout)
	}
	if c.History.Size < 0 {
		return fmt.Errorf("history.size must not be negative, got %d", c.History.Size)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if err := validateBackend(b); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %s: name is configured twice", b.Name)
		}
		seen[b.Name] = true
	}

	for _, name := range c.Routing.ProviderPriority {
		if !seen[name] {
			return fmt.Errorf("routing.provider_priority references unknown backend %q", name)
		}
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	switch models.BackendKind(b.Kind) {
	case models.KindLocalDaemon, models.KindCloudAggregator, models.KindLocalServer:
	default:
		return fmt.Errorf("backend %s: kind %q must be one of %q, %q or %q", b.Name, b.Kind,
			models.KindLocalDaemon, models.KindCloudAggregator, models.KindLocalServer)
	}

	if b.Endpoint != "" {
		u, err := url.Parse(b.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend %s: endpoint %q must be an absolute http(s) URL", b.Name, b.Endpoint)
		}
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("backend %s: max_retries must not be negative", b.Name)
	}
	if b.RequestsPerMinute < 0 {
		return fmt.Errorf("backend %s: requests_per_minute must not be negative", b.Name)
	}

	for alias, target := range b.ModelAliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("backend %s: alias name must not be empty", b.Name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("backend %s: alias %q target must not be empty", b.Name, alias)
		}
	}
	return nil
}

// FallbackEnabled reports the effective routing fallback switch.
func (c Config) FallbackEnabled() bool {
	return c.Routing.FallbackEnabled == nil || *c.Routing.FallbackEnabled
}

// Descriptor resolves credentials and produces the runtime descriptor.
func (b BackendConfig) Descriptor() (models.BackendDescriptor, error) {
	credential, err := ResolveCredential(b.APIKey)
	if err != nil {
		return models.BackendDescriptor{}, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	aliases := make(map[string]string, len(b.ModelAliases))
	for k, v := range b.ModelAliases {
		aliases[k] = v
	}

	return models.BackendDescriptor{
		Name:              b.Name,
		Kind:              models.BackendKind(b.Kind),
		Endpoint:          strings.TrimRight(b.Endpoint, "/"),
		Credential:        credential,
		ModelAliases:      aliases,
		DefaultModel:      b.DefaultModel,
		FallbackModel:     b.FallbackModel,
		Enabled:           b.Enabled == nil || *b.Enabled,
		MaxRetries:        b.MaxRetries,
		BackoffBase:       b.BackoffBase,
		BackoffMax:        b.BackoffMax,
		RequestsPerMinute: b.RequestsPerMinute,
		ThinkingMode:      b.ThinkingMode == nil || *b.ThinkingMode,
	}, nil
}

func boolPtr(v bool) *bool {
	return &v
}
