package config

import (
	"fmt"
	"os"
	"time"

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
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Provider   ProviderConfig   `yaml:"provider"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
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

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SyncConfig holds the blocking-sync and job-processing settings
type SyncConfig struct {
	MaxJobsPerRun        int           `yaml:"max_jobs_per_run"`
	MaxAttempts          int           `yaml:"max_attempts"`
	SessionRetentionDays int           `yaml:"session_retention_days"`
	TokenRefreshSkew     time.Duration `yaml:"token_refresh_skew"`
	EmbedEnabled         bool          `yaml:"embed_enabled"`
	ErrorWindow          time.Duration `yaml:"error_window"`
}

// CacheConfig holds the in-process cache settings
type CacheConfig struct {
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProviderConfig holds the sync gateway client settings
type ProviderConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

// OAuthProviderConfig holds one provider's OAuth client credentials
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// OAuthConfig maps provider name to its OAuth credentials
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `yaml:"providers"`
}

// EncryptionConfig holds the credential encryption settings. The key
// is normally supplied via TOKEN_ENCRYPTION_KEY rather than the file.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.MaxJobsPerRun == 0 {
		c.Sync.MaxJobsPerRun = 50
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.SessionRetentionDays == 0 {
		c.Sync.SessionRetentionDays = 30
	}
	if c.Sync.ErrorWindow == 0 {
		c.Sync.ErrorWindow = 24 * time.Hour
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1000
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}

	if c.Sync.MaxJobsPerRun <= 0 {
		return fmt.Errorf("sync max_jobs_per_run must be greater than 0")
	}

	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max_attempts must be greater than 0")
	}

	if c.Sync.SessionRetentionDays <= 0 {
		return fmt.Errorf("sync session_retention_days must be greater than 0")
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be greater than 0")
	}

	return nil
}
