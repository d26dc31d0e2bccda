package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "DRIFTSYNC"
	defaultHTTPAddress      = "127.0.0.1:8787"
	defaultDatabasePath     = "driftsync.db"
	defaultLogLevel         = "info"
	defaultLogEncoding      = "json"
	defaultSyncInterval     = 5 * time.Minute
	defaultRunTimeout       = 2 * time.Minute
	defaultRequestTimeout   = 15 * time.Second
	defaultMaxRetries       = 3
	defaultHistoryRetention = 50
	defaultQueuePageSize    = 100
)

// defaultEntityTypes lists the entity types synchronized when none are configured.
// The order is the order types are synced in; parents sync before children so
// newly pulled references resolve locally.
var defaultEntityTypes = []string{"projects", "tasks"}

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress      string
	RemoteBaseURL    string
	RemoteAuthToken  string
	DatabasePath     string
	LogLevel         string
	LogEncoding      string
	EntityTypes      []string
	SyncInterval     time.Duration
	SyncSchedule     string
	RunTimeout       time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
	HistoryRetention int
	QueuePageSize    int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("sync.entity_types", defaultEntityTypes)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.schedule", "")
	configViper.SetDefault("sync.run_timeout", defaultRunTimeout)
	configViper.SetDefault("sync.history_retention", defaultHistoryRetention)
	configViper.SetDefault("remote.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("queue.max_retries", defaultMaxRetries)
	configViper.SetDefault("queue.page_size", defaultQueuePageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		RemoteBaseURL:    configViper.GetString("remote.base_url"),
		RemoteAuthToken:  configViper.GetString("remote.auth_token"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogEncoding:      configViper.GetString("log.encoding"),
		EntityTypes:      configViper.GetStringSlice("sync.entity_types"),
		SyncInterval:     configViper.GetDuration("sync.interval"),
		SyncSchedule:     configViper.GetString("sync.schedule"),
		RunTimeout:       configViper.GetDuration("sync.run_timeout"),
		RequestTimeout:   configViper.GetDuration("remote.request_timeout"),
		MaxRetries:       configViper.GetInt("queue.max_retries"),
		HistoryRetention: configViper.GetInt("sync.history_retention"),
		QueuePageSize:    configViper.GetInt("queue.page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("sync.entity_types must list at least one entity type")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("sync.run_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.HistoryRetention <= 0 {
		return fmt.Errorf("sync.history_retention must be positive")
	}
	return nil
}
