package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"remotelink/pkg/validation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		QueueCapacity   int           `yaml:"queue_capacity"`
		PollWait        time.Duration `yaml:"poll_wait"`
		MailboxTTL      time.Duration `yaml:"mailbox_ttl"`
	} `yaml:"signal"`

	Session struct {
		TTL           time.Duration `yaml:"ttl"`
		EvictionGrace time.Duration `yaml:"eviction_grace"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		CodeAttempts  int           `yaml:"code_attempts"`
	} `yaml:"session"`

	Peer struct {
		APIURL                 string        `yaml:"api_url"`
		SignalURL              string        `yaml:"signal_url"`
		SignalTransport        string        `yaml:"signal_transport"` // http | websocket
		MaxRetries             int           `yaml:"max_retries"`
		RetryDelay             time.Duration `yaml:"retry_delay"`
		HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
		QualityInterval        time.Duration `yaml:"quality_interval"`
		PermissionPollInterval time.Duration `yaml:"permission_poll_interval"`
		CaptureAddress         string        `yaml:"capture_address"`
		MetricsAddress         string        `yaml:"metrics_address"`
	} `yaml:"peer"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MaxBitrate int `yaml:"max_bitrate"` // kbps
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Events struct {
		Driver string `yaml:"driver"` // local | redis | nats
		NATS   struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"events"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		RequireToken   bool          `yaml:"require_token"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.QueueCapacity <= 0 {
		return fmt.Errorf("signal.queue_capacity must be > 0")
	}
	if c.Signal.PollWait < 0 {
		return fmt.Errorf("signal.poll_wait must be >= 0")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if c.Session.EvictionGrace < 0 {
		return fmt.Errorf("session.eviction_grace must be >= 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be > 0")
	}
	if c.Session.CodeAttempts <= 0 {
		return fmt.Errorf("session.code_attempts must be > 0")
	}

	if c.Peer.MaxRetries < 0 {
		return fmt.Errorf("peer.max_retries must be >= 0")
	}
	if c.Peer.RetryDelay <= 0 {
		return fmt.Errorf("peer.retry_delay must be > 0")
	}
	if c.Peer.QualityInterval <= 0 {
		return fmt.Errorf("peer.quality_interval must be > 0")
	}
	if c.Peer.PermissionPollInterval <= 0 {
		return fmt.Errorf("peer.permission_poll_interval must be > 0")
	}
	switch c.Peer.SignalTransport {
	case "http", "websocket":
	default:
		return fmt.Errorf("peer.signal_transport must be http or websocket, got %q", c.Peer.SignalTransport)
	}
	if err := validation.ValidateURL(c.Peer.APIURL); err != nil {
		return fmt.Errorf("peer.api_url: %w", err)
	}
	if c.Peer.SignalTransport == "websocket" {
		if err := validation.ValidateURL(c.Peer.SignalURL); err != nil {
			return fmt.Errorf("peer.signal_url: %w", err)
		}
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.MaxBitrate <= 0 {
		return fmt.Errorf("webrtc.max_bitrate must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	switch c.Events.Driver {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("events.driver=redis requires redis.enabled=true")
		}
	case "nats":
		if c.Events.NATS.URL == "" {
			return fmt.Errorf("events.nats.url must not be empty when events.driver=nats")
		}
	default:
		return fmt.Errorf("events.driver must be local, redis or nats, got %q", c.Events.Driver)
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SearchPaths are tried in order by LoadFirst.
var SearchPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/remotelink/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first existing file among paths. When none exists it
// returns the env-adjusted defaults together with the path it used ("").
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.QueueCapacity = 64
	cfg.Signal.PollWait = 10 * time.Second
	cfg.Signal.MailboxTTL = 35 * time.Minute

	cfg.Session.TTL = 30 * time.Minute
	cfg.Session.EvictionGrace = 5 * time.Minute
	cfg.Session.SweepInterval = 30 * time.Second
	cfg.Session.CodeAttempts = 10

	cfg.Peer.APIURL = "http://localhost:8080"
	cfg.Peer.SignalURL = "ws://localhost:8080/ws"
	cfg.Peer.SignalTransport = "http"
	cfg.Peer.MaxRetries = 5
	cfg.Peer.RetryDelay = 3 * time.Second
	cfg.Peer.HandshakeTimeout = 20 * time.Second
	cfg.Peer.QualityInterval = 2 * time.Second
	cfg.Peer.PermissionPollInterval = 2 * time.Second

	cfg.WebRTC.MaxBitrate = 2500

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Events.Driver = "local"
	cfg.Events.NATS.URL = "nats://localhost:4222"
	cfg.Events.NATS.Subject = "remotelink.sessions"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 35 * time.Minute
	cfg.Auth.RequireToken = false
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("REMOTELINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("REMOTELINK_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("REMOTELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("REMOTELINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("REMOTELINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if pw := os.Getenv("REMOTELINK_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if driver := os.Getenv("REMOTELINK_EVENTS_DRIVER"); driver != "" {
		c.Events.Driver = driver
	}
	if url := os.Getenv("REMOTELINK_NATS_URL"); url != "" {
		c.Events.NATS.URL = url
	}
	if url := os.Getenv("REMOTELINK_API_URL"); url != "" {
		c.Peer.APIURL = url
	}
	if url := os.Getenv("REMOTELINK_SIGNAL_URL"); url != "" {
		c.Peer.SignalURL = url
	}
	if v := os.Getenv("REMOTELINK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Peer.MaxRetries = n
		}
	}
}
