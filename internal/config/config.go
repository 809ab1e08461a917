package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/renja-g/RiftGuard/internal/policy"
	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

const EnvPrefix = "RIFTGUARD"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Adaptation   AdaptationConfig   `mapstructure:"adaptation"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	PprofEnabled      bool          `mapstructure:"pprof_enabled"`
	RelayEnabled      bool          `mapstructure:"relay_enabled"`
	DocsEnabled       bool          `mapstructure:"docs_enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type LimitsConfig struct {
	Window         time.Duration    `mapstructure:"window"`
	MaxRequests    int              `mapstructure:"max_requests"`
	Burst          int              `mapstructure:"burst"`
	Algorithm      string           `mapstructure:"algorithm"`
	Adaptive       bool             `mapstructure:"adaptive"`
	CircuitBreaker bool             `mapstructure:"circuit_breaker"`
	Shards         int              `mapstructure:"shards"`
	Endpoints      []EndpointLimits `mapstructure:"endpoints"`
}

// EndpointLimits is one entry of the endpoint table. Zero values and nil
// pointers inherit the defaults.
type EndpointLimits struct {
	Path           string        `mapstructure:"path"`
	MaxRequests    int           `mapstructure:"max_requests"`
	Window         time.Duration `mapstructure:"window"`
	Burst          *int          `mapstructure:"burst"`
	Algorithm      string        `mapstructure:"algorithm"`
	Adaptive       *bool         `mapstructure:"adaptive"`
	CircuitBreaker *bool         `mapstructure:"circuit_breaker"`
}

type AdaptationConfig struct {
	RecalcInterval   time.Duration `mapstructure:"recalc_interval"`
	DefaultRetryHint time.Duration `mapstructure:"default_retry_hint"`
}

type HousekeepingConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint          `mapstructure:"failure_threshold"`
	FailureCapacity  uint          `mapstructure:"failure_capacity"`
	Delay            time.Duration `mapstructure:"delay"`
	SuccessThreshold uint          `mapstructure:"success_threshold"`
}

type UpstreamConfig struct {
	BaseURL    string                  `mapstructure:"base_url"`
	Timeout    time.Duration           `mapstructure:"timeout"`
	HonorDelay bool                    `mapstructure:"honor_delay"`
	OpenAPIURL string                  `mapstructure:"openapi_url"`
	Transport  UpstreamTransportConfig `mapstructure:"transport"`
}

type UpstreamTransportConfig struct {
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive         time.Duration `mapstructure:"dial_keep_alive"`
	ForceAttemptHTTP2     bool          `mapstructure:"force_attempt_http2"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `mapstructure:"expect_continue_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// NewViper returns a viper instance carrying the defaults and the
// RIFTGUARD_ environment binding. Callers may bind flags into it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.pprof_enabled", false)
	v.SetDefault("server.relay_enabled", false)
	v.SetDefault("server.docs_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("limits.window", policy.DefaultConfig.Window)
	v.SetDefault("limits.max_requests", policy.DefaultConfig.MaxRequests)
	v.SetDefault("limits.burst", policy.DefaultConfig.Burst)
	v.SetDefault("limits.algorithm", string(policy.DefaultConfig.Algorithm))
	v.SetDefault("limits.adaptive", policy.DefaultConfig.Adaptive)
	v.SetDefault("limits.circuit_breaker", policy.DefaultConfig.CircuitBreaker)
	v.SetDefault("limits.shards", 32)

	v.SetDefault("adaptation.recalc_interval", 30*time.Second)
	v.SetDefault("adaptation.default_retry_hint", 60*time.Second)

	v.SetDefault("housekeeping.interval", 5*time.Minute)
	v.SetDefault("housekeeping.retention", time.Hour)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_capacity", 10)
	v.SetDefault("breaker.delay", 30*time.Second)
	v.SetDefault("breaker.success_threshold", 1)

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.honor_delay", false)
	v.SetDefault("upstream.openapi_url", "")
	v.SetDefault("upstream.transport.dial_timeout", 5*time.Second)
	v.SetDefault("upstream.transport.dial_keep_alive", 30*time.Second)
	v.SetDefault("upstream.transport.force_attempt_http2", true)
	v.SetDefault("upstream.transport.max_idle_conns", 100)
	v.SetDefault("upstream.transport.max_idle_conns_per_host", 100)
	v.SetDefault("upstream.transport.max_conns_per_host", 0)
	v.SetDefault("upstream.transport.idle_conn_timeout", 90*time.Second)
	v.SetDefault("upstream.transport.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("upstream.transport.expect_continue_timeout", time.Second)
	v.SetDefault("upstream.transport.response_header_timeout", time.Duration(0))
}

// Load reads an optional .env file from the working directory, the config
// file at path when set, and the environment, then validates the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if _, err := c.Limits.Defaults(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	for i, e := range c.Limits.Endpoints {
		if err := e.validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.endpoints[%d]: %w", i, err))
		}
	}
	if c.Breaker.Enabled && c.Breaker.FailureCapacity < c.Breaker.FailureThreshold {
		errs = append(errs, fmt.Errorf("breaker.failure_capacity %d is below failure_threshold %d",
			c.Breaker.FailureCapacity, c.Breaker.FailureThreshold))
	}
	if c.Server.RelayEnabled {
		if _, err := c.Upstream.URL(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Defaults is the base layer of the resolver.
func (l LimitsConfig) Defaults() (ratelimit.Config, error) {
	algo, ok := ratelimit.ParseAlgorithm(l.Algorithm)
	if !ok {
		return ratelimit.Config{}, fmt.Errorf("%w: unknown algorithm %q", ratelimit.ErrInvalidConfig, l.Algorithm)
	}
	cfg := ratelimit.Config{
		Window:         l.Window,
		MaxRequests:    l.MaxRequests,
		Burst:          l.Burst,
		Algorithm:      algo,
		Adaptive:       l.Adaptive,
		CircuitBreaker: l.CircuitBreaker,
	}
	return cfg, cfg.Validate()
}

// EndpointTable converts the configured endpoints into resolver overrides.
// It returns nil when none are configured, which keeps the built-in table.
func (l LimitsConfig) EndpointTable() map[string]policy.Override {
	if len(l.Endpoints) == 0 {
		return nil
	}
	table := make(map[string]policy.Override, len(l.Endpoints))
	for _, e := range l.Endpoints {
		table[e.Path] = e.Override()
	}
	return table
}

func (e EndpointLimits) validate() error {
	switch {
	case e.Path == "" || !strings.HasPrefix(e.Path, "/"):
		return fmt.Errorf("path must start with /, got %q", e.Path)
	case e.MaxRequests < 0:
		return fmt.Errorf("max_requests must be >= 0, got %d", e.MaxRequests)
	case e.Window < 0:
		return fmt.Errorf("window must be >= 0, got %s", e.Window)
	case e.Burst != nil && *e.Burst < 0:
		return fmt.Errorf("burst must be >= 0, got %d", *e.Burst)
	}
	if e.Algorithm != "" {
		if _, ok := ratelimit.ParseAlgorithm(e.Algorithm); !ok {
			return fmt.Errorf("unknown algorithm %q", e.Algorithm)
		}
	}
	return nil
}

func (e EndpointLimits) Override() policy.Override {
	o := policy.Override{
		Burst:          e.Burst,
		Adaptive:       e.Adaptive,
		CircuitBreaker: e.CircuitBreaker,
	}
	if e.MaxRequests > 0 {
		o.MaxRequests = new(e.MaxRequests)
	}
	if e.Window > 0 {
		o.Window = new(e.Window)
	}
	if algo, ok := ratelimit.ParseAlgorithm(e.Algorithm); ok {
		o.Algorithm = new(algo)
	}
	return o
}

// URL parses the upstream base URL. Only absolute http(s) URLs are valid.
func (u UpstreamConfig) URL() (*url.URL, error) {
	if u.BaseURL == "" {
		return nil, errors.New("upstream.base_url is required when the relay is enabled")
	}
	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream.base_url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("upstream.base_url must be an absolute http(s) URL, got %q", u.BaseURL)
	}
	return parsed, nil
}
