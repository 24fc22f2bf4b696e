package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Settings SettingsConfig `yaml:"settings"`
	Session  SessionConfig  `yaml:"session"`
	Worker   WorkerConfig   `yaml:"worker"`
	Ops      OpsConfig      `yaml:"ops"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// Timezone is the IANA zone appointment times are rendered in.
	Timezone string `yaml:"timezone"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// DatabaseConfig holds PostgreSQL connection configuration. URL wins over
// the discrete fields when set.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	URL                string           `yaml:"url"`
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           string           `yaml:"exchange"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	QueuePrefix        string           `yaml:"queue_prefix"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// RedisConfig holds the delivery guard backend. An empty Address disables the guard.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	MarkerTTL time.Duration `yaml:"marker_ttl"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// SettingsConfig holds the CMS notification settings client configuration
type SettingsConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SessionConfig holds the messaging session configuration
type SessionConfig struct {
	StoreDir       string        `yaml:"store_dir"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	SendRate       float64       `yaml:"send_rate"`
	SendBurst      int           `yaml:"send_burst"`
	DefaultRegion  string        `yaml:"default_region"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Retry           RetryConfig   `yaml:"retry"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig holds the backoff between attempts of a failing job
type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// OpsConfig holds the operations HTTP server configuration
type OpsConfig struct {
	Disabled        bool          `yaml:"disabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(groups[1])); ok && value != "" {
			return []byte(value)
		}
		return groups[2]
	})
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "notify-worker"
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "America/Sao_Paulo"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "notify.jobs"
	}
	if c.RabbitMQ.DeadLetterExchange == "" {
		c.RabbitMQ.DeadLetterExchange = "notify.dlx"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}

	if c.Settings.CacheTTL <= 0 {
		c.Settings.CacheTTL = 5 * time.Minute
	}
	if c.Settings.Timeout <= 0 {
		c.Settings.Timeout = 10 * time.Second
	}

	if c.Session.ReconnectDelay <= 0 {
		c.Session.ReconnectDelay = 3 * time.Second
	}
	if c.Session.DefaultRegion == "" {
		c.Session.DefaultRegion = "BR"
	}

	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 2 * time.Minute
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.Retry.InitialDelay <= 0 {
		c.Worker.Retry.InitialDelay = 5 * time.Second
	}
	if c.Worker.Retry.MaxDelay <= 0 {
		c.Worker.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Worker.Retry.BackoffFactor <= 0 {
		c.Worker.Retry.BackoffFactor = 2
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Ops.Port == 0 {
		c.Ops.Port = 8081
	}
	if c.Ops.ReadTimeout <= 0 {
		c.Ops.ReadTimeout = 10 * time.Second
	}
	if c.Ops.WriteTimeout <= 0 {
		c.Ops.WriteTimeout = 10 * time.Second
	}
	if c.Ops.IdleTimeout <= 0 {
		c.Ops.IdleTimeout = 60 * time.Second
	}
	if c.Ops.ShutdownTimeout <= 0 {
		c.Ops.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid and returns the first problem found
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid app timezone %q: %w", c.App.Timezone, err)
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.URL == "" {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	if c.Settings.BaseURL == "" {
		return fmt.Errorf("settings base_url is required")
	}
	u, err := url.Parse(c.Settings.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid settings base_url: %q", c.Settings.BaseURL)
	}

	if c.Session.StoreDir == "" {
		return fmt.Errorf("session store_dir is required")
	}
	if c.Session.SendRate < 0 {
		return fmt.Errorf("session send_rate must not be negative")
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}

	if !c.Ops.Disabled && (c.Ops.Port < MinPort || c.Ops.Port > MaxPort) {
		return fmt.Errorf("invalid ops port: %d (must be between %d and %d)", c.Ops.Port, MinPort, MaxPort)
	}

	return nil
}

// Location loads the business timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.App.Timezone)
}

// GuardEnabled reports whether a Redis address is configured.
func (c *Config) GuardEnabled() bool {
	return c.Redis.Address != ""
}
