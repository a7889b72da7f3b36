package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration loaded from environment variables,
// optionally overlaid by a YAML file.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	ConfigFile  string `envconfig:"MEMORIO_CONFIG_FILE" yaml:"-"`

	// Memorio API
	APIBaseURL    string        `envconfig:"MEMORIO_API_BASE_URL" default:"http://localhost:3000" yaml:"api_base_url"`
	HTTPTimeout   time.Duration `envconfig:"MEMORIO_HTTP_TIMEOUT" default:"30s" yaml:"http_timeout"`
	LoginURL      string        `envconfig:"MEMORIO_LOGIN_URL" default:"http://localhost:5173/login" yaml:"login_url"`
	Username      string        `envconfig:"MEMORIO_USERNAME" yaml:"username"`
	Password      string        `envconfig:"MEMORIO_PASSWORD" yaml:"-"`
	SharedRefresh bool          `envconfig:"MEMORIO_SHARED_REFRESH" default:"true" yaml:"shared_refresh"`

	// Agent HTTP surface (health, metrics, activity socket)
	ListenAddr     string `envconfig:"MEMORIO_LISTEN_ADDR" default:":8085" yaml:"listen_addr"`
	AllowedOrigins string `envconfig:"MEMORIO_ALLOWED_ORIGINS" yaml:"allowed_origins"` // Comma-separated; empty allows same-origin only

	// Credential persistence
	StoreBackend string `envconfig:"MEMORIO_STORE_BACKEND" default:"memory" yaml:"store_backend"` // "memory" or "sqlite"
	StorePath    string `envconfig:"MEMORIO_STORE_PATH" default:"memorio-session.db" yaml:"store_path"`

	// Session timing
	ActivityDebounce     time.Duration `envconfig:"MEMORIO_ACTIVITY_DEBOUNCE" default:"1s" yaml:"activity_debounce"`
	InactivityThreshold  time.Duration `envconfig:"MEMORIO_INACTIVITY_THRESHOLD" default:"30m" yaml:"inactivity_threshold"`
	RefreshBuffer        time.Duration `envconfig:"MEMORIO_REFRESH_BUFFER" default:"5m" yaml:"refresh_buffer"`
	MinRefreshInterval   time.Duration `envconfig:"MEMORIO_MIN_REFRESH_INTERVAL" default:"30s" yaml:"min_refresh_interval"`
	PollInterval         time.Duration `envconfig:"MEMORIO_POLL_INTERVAL" default:"10m" yaml:"poll_interval"`
	MinScheduleDelay     time.Duration `envconfig:"MEMORIO_MIN_SCHEDULE_DELAY" default:"60s" yaml:"min_schedule_delay"`
	RateLimitBackoffSeed time.Duration `envconfig:"MEMORIO_RATE_LIMIT_BACKOFF_SEED" default:"30s" yaml:"rate_limit_backoff_seed"`
	RateLimitBackoffCap  time.Duration `envconfig:"MEMORIO_RATE_LIMIT_BACKOFF_CAP" default:"5m" yaml:"rate_limit_backoff_cap"`
	ErrorBackoffSeed     time.Duration `envconfig:"MEMORIO_ERROR_BACKOFF_SEED" default:"5s" yaml:"error_backoff_seed"`
	ErrorBackoffCap      time.Duration `envconfig:"MEMORIO_ERROR_BACKOFF_CAP" default:"60s" yaml:"error_backoff_cap"`

	// Development API
	DevListenAddr   string        `envconfig:"MEMORIO_DEV_LISTEN_ADDR" default:":3000" yaml:"dev_listen_addr"`
	DevSigningKey   string        `envconfig:"MEMORIO_DEV_SIGNING_KEY" default:"memorio-dev-signing-key" yaml:"-"`
	DevSessionTTL   time.Duration `envconfig:"MEMORIO_DEV_SESSION_TTL" default:"15m" yaml:"dev_session_ttl"`
	DevRefreshRPS   float64       `envconfig:"MEMORIO_DEV_REFRESH_RPS" default:"0.2" yaml:"dev_refresh_rps"`
	DevRefreshBurst int           `envconfig:"MEMORIO_DEV_REFRESH_BURST" default:"3" yaml:"dev_refresh_burst"`
}

// SQLiteStore returns true if expiry should be persisted to SQLite.
func (c *Config) SQLiteStore() bool {
	return strings.EqualFold(c.StoreBackend, "sqlite")
}

// AutoLogin returns true if credentials for unattended sign-in are configured.
func (c *Config) AutoLogin() bool {
	return c.Username != "" && c.Password != ""
}

// AllowedOriginList returns the parsed list of origins allowed on the activity socket.
func (c *Config) AllowedOriginList() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate rejects timing combinations the session manager cannot honour.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("MEMORIO_API_BASE_URL must not be empty")
	}
	if c.MinScheduleDelay > c.PollInterval {
		return fmt.Errorf("min schedule delay %s exceeds poll interval %s", c.MinScheduleDelay, c.PollInterval)
	}
	if c.RateLimitBackoffSeed > c.RateLimitBackoffCap {
		return fmt.Errorf("rate limit backoff seed %s exceeds cap %s", c.RateLimitBackoffSeed, c.RateLimitBackoffCap)
	}
	if c.ErrorBackoffSeed > c.ErrorBackoffCap {
		return fmt.Errorf("error backoff seed %s exceeds cap %s", c.ErrorBackoffSeed, c.ErrorBackoffCap)
	}
	switch strings.ToLower(c.StoreBackend) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// Load reads configuration from environment variables, then applies the
// YAML file named by MEMORIO_CONFIG_FILE if set.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.overlayFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// overlayFile applies keys present in the YAML file on top of cfg.
// ${VAR} and $VAR references are expanded from the environment first.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
