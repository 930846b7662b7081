package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "MOTD_"

// Config is shared by the game and web processes; each reads the sections it needs
type Config struct {
	// Server identity and ambient settings
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`

	// Game-side socket listener
	Dispatcher DispatcherConfig `yaml:"dispatcher" envPrefix:"DISPATCHER_"`

	// Persisted salts
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`

	// Process-wide token secret
	Secret SecretConfig `yaml:"secret" envPrefix:"SECRET_"`

	// URL pushed to players
	MOTD MOTDConfig `yaml:"motd" envPrefix:"MOTD_"`

	// Web-side request gateway and JSON endpoint
	Web WebConfig `yaml:"web" envPrefix:"WEB_"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" env:"GRACEFUL_SHUTDOWN_TIMEOUT"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Server ID scoping tokens and records; both processes must agree on it
	ID string `yaml:"id" env:"ID"`

	// Metrics and health port
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// DispatcherConfig represents the game-side listener configuration
type DispatcherConfig struct {
	// Listen address for web-process connections
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// Peer IPs allowed to connect
	Whitelist []string `yaml:"whitelist" env:"WHITELIST"`

	// Maximum number of concurrent handlers
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// Per-frame read timeout; zero waits forever
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// Interval for whitelist hot reload; zero disables it
	ReloadInterval time.Duration `yaml:"reload_interval" env:"RELOAD_INTERVAL"`
}

// StorageConfig represents persistence configuration
type StorageConfig struct {
	// DSN selecting the backend: sqlite://path, postgres://..., redis://..., memory://
	DSN string `yaml:"dsn" env:"DSN"`

	// Key prefix for the Redis backend
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// Pending job capacity of the persistence worker
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`

	// Timeout for a single load or save
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT"`
}

// SecretConfig represents secret storage configuration
type SecretConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// MOTDConfig represents URL templates
type MOTDConfig struct {
	// Public address substituted for {server_addr}
	ServerAddr string `yaml:"server_addr" env:"SERVER_ADDR"`

	// URL template for regular clients
	URL string `yaml:"url" env:"URL"`

	// URL template for clients that need the redirect page
	URLCSGO string `yaml:"url_csgo" env:"URL_CSGO"`

	// Use URLCSGO instead of URL
	UseCSGO bool `yaml:"use_csgo" env:"USE_CSGO"`
}

// WebConfig represents web-process configuration
type WebConfig struct {
	// HTTP listen address
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// Route template for authenticated JSON requests
	Route string `yaml:"route" env:"ROUTE"`

	// Route template for retarget requests; new_page_id travels in the body
	RetargetRoute string `yaml:"retarget_route" env:"RETARGET_ROUTE"`

	// Route template for the redirect page and its target
	RedirectFrom string `yaml:"redirect_from" env:"REDIRECT_FROM"`
	RedirectTo   string `yaml:"redirect_to" env:"REDIRECT_TO"`

	// Game dispatcher endpoints per server ID
	Servers map[string][]string `yaml:"servers"`

	// Dispatchers registered in Consul, merged with Servers
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`

	// Dial timeout for the game dispatcher
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	// Deadline for a full round against the game dispatcher
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// Retry configuration
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"` // Maximum retry attempts for dialing
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"` // Initial delay between retries

	// Circuit breaker configuration
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold" env:"BREAKER_SUCCESS_THRESHOLD"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout" env:"BREAKER_TIMEOUT"`
}

// DiscoveryConfig represents Consul service discovery configuration.
// Discovery is disabled while ConsulAddress is empty.
type DiscoveryConfig struct {
	ConsulAddress   string        `yaml:"consul_address" env:"CONSUL_ADDRESS"`
	Service         string        `yaml:"service" env:"SERVICE"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Jaeger collector endpoint, e.g. http://localhost:14268/api/traces
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// Sampling ratio between 0 and 1
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Load loads configuration from file, then applies environment overrides
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// MOTDTemplate returns the URL template in effect
func (c *Config) MOTDTemplate() string {
	if c.MOTD.UseCSGO && c.MOTD.URLCSGO != "" {
		return c.MOTD.URLCSGO
	}
	return c.MOTD.URL
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.ID) == "" {
		return fmt.Errorf("server.id is required")
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 0 and 65535")
	}

	// Validate dispatcher configuration
	if cfg.Dispatcher.ListenAddr == "" {
		return fmt.Errorf("dispatcher.listen_addr is required")
	}
	for _, ip := range cfg.Dispatcher.Whitelist {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return fmt.Errorf("dispatcher.whitelist: invalid IP %q", ip)
		}
	}
	if cfg.Dispatcher.MaxConnections <= 0 {
		return fmt.Errorf("dispatcher.max_connections must be greater than 0")
	}
	if cfg.Dispatcher.IdleTimeout < 0 {
		return fmt.Errorf("dispatcher.idle_timeout must not be negative")
	}

	// Validate storage configuration
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if cfg.Storage.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be greater than 0")
	}

	if cfg.Secret.Path == "" {
		return fmt.Errorf("secret.path is required")
	}

	if cfg.MOTD.URL == "" {
		return fmt.Errorf("motd.url is required")
	}

	// Validate web configuration
	if cfg.Web.Route == "" {
		return fmt.Errorf("web.route is required")
	}
	if cfg.Web.RetargetRoute == cfg.Web.Route {
		return fmt.Errorf("web.retarget_route must differ from web.route")
	}
	if (cfg.Web.RedirectFrom == "") != (cfg.Web.RedirectTo == "") {
		return fmt.Errorf("web.redirect_from and web.redirect_to must be set together")
	}
	if cfg.Web.DialTimeout <= 0 {
		return fmt.Errorf("web.dial_timeout must be greater than 0")
	}
	if cfg.Web.MaxRetries < 0 {
		return fmt.Errorf("web.max_retries must not be negative")
	}
	for id, addrs := range cfg.Web.Servers {
		if len(addrs) == 0 {
			return fmt.Errorf("web.servers[%s] has no endpoints", id)
		}
	}
	if cfg.Web.Discovery.ConsulAddress != "" && cfg.Web.Discovery.RefreshInterval <= 0 {
		return fmt.Errorf("web.discovery.refresh_interval must be greater than 0")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Dispatcher.ListenAddr == "" {
		cfg.Dispatcher.ListenAddr = "127.0.0.1:27099"
	}
	if len(cfg.Dispatcher.Whitelist) == 0 {
		cfg.Dispatcher.Whitelist = []string{"127.0.0.1"}
	}
	if cfg.Dispatcher.MaxConnections == 0 {
		cfg.Dispatcher.MaxConnections = 256
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "sqlite://data/motdplayer.db"
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "motd:"
	}
	if cfg.Storage.QueueSize == 0 {
		cfg.Storage.QueueSize = 1024
	}
	if cfg.Storage.OpTimeout == 0 {
		cfg.Storage.OpTimeout = 5 * time.Second
	}

	if cfg.Secret.Path == "" {
		cfg.Secret.Path = "data/secret_salt.dat"
	}

	if cfg.MOTD.URL == "" {
		cfg.MOTD.URL = "http://{server_addr}/motdplayer/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/"
	}

	if cfg.Web.ListenAddr == "" {
		cfg.Web.ListenAddr = ":8080"
	}
	if cfg.Web.Route == "" {
		cfg.Web.Route = "/motdplayer/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/"
	}
	if cfg.Web.RetargetRoute == "" {
		cfg.Web.RetargetRoute = "/json/retarget/{server_id}/{plugin_id}/{page_id}/{steamid}/{auth_method}/{auth_token}/{session_id}/"
	}
	if cfg.Web.DialTimeout == 0 {
		cfg.Web.DialTimeout = 3 * time.Second
	}
	if cfg.Web.RequestTimeout == 0 {
		cfg.Web.RequestTimeout = 10 * time.Second
	}
	if cfg.Web.MaxRetries == 0 {
		cfg.Web.MaxRetries = 2
	}
	if cfg.Web.RetryDelay == 0 {
		cfg.Web.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Web.BreakerFailureThreshold == 0 {
		cfg.Web.BreakerFailureThreshold = 5
	}
	if cfg.Web.BreakerSuccessThreshold == 0 {
		cfg.Web.BreakerSuccessThreshold = 2
	}
	if cfg.Web.BreakerTimeout == 0 {
		cfg.Web.BreakerTimeout = 30 * time.Second
	}
	if cfg.Web.Discovery.Service == "" {
		cfg.Web.Discovery.Service = "motd-dispatcher"
	}
	if cfg.Web.Discovery.RefreshInterval == 0 {
		cfg.Web.Discovery.RefreshInterval = 15 * time.Second
	}

	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
