package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all flexli process configuration.
// Priority: FLEXLI_* env vars > config file > defaults.
type Config struct {
	DBPath                string        `mapstructure:"db_path"`
	ListenAddr            string        `mapstructure:"listen_addr"`
	RunQueueURL           string        `mapstructure:"run_queue_url"`
	EventQueueURL         string        `mapstructure:"event_queue_url"`
	ContinuationBucketURL string        `mapstructure:"continuation_bucket_url"`
	RedisAddr             string        `mapstructure:"redis_addr"`
	VaultURL              string        `mapstructure:"vault_url"`
	VaultKey              string        `mapstructure:"vault_key"`
	VaultPassphrase       string        `mapstructure:"vault_passphrase"`
	VaultSalt             string        `mapstructure:"vault_salt"`
	ConnectorCacheTTL     time.Duration `mapstructure:"connector_cache_ttl"`
	ConnectorCacheSize    int           `mapstructure:"connector_cache_size"`
	ConnectorTimeout      time.Duration `mapstructure:"connector_timeout"`
	WaitThreshold         time.Duration `mapstructure:"wait_threshold"`
	ScheduleInterval      time.Duration `mapstructure:"schedule_interval"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	BatchSize             int           `mapstructure:"batch_size"`
	LogLevel              string        `mapstructure:"log_level"`
	LogJSON               bool          `mapstructure:"log_json"`
}

var defaults = map[string]any{
	"db_path":                 "flexli.db",
	"listen_addr":             ":8080",
	"run_queue_url":           "mem://runs",
	"event_queue_url":         "mem://events",
	"continuation_bucket_url": "mem://",
	"redis_addr":              "",
	"vault_url":               "",
	"vault_key":               "",
	"vault_passphrase":        "",
	"vault_salt":              "",
	"connector_cache_ttl":     60 * time.Second,
	"connector_cache_size":    256,
	"connector_timeout":       30 * time.Second,
	"wait_threshold":          10 * time.Second,
	"schedule_interval":       30 * time.Second,
	"max_concurrency":         4,
	"batch_size":              10,
	"log_level":               "info",
	"log_json":                false,
}

// loadConfig reads path, or flexli.yaml from the working directory when
// path is empty, over the defaults. A missing default file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("FLEXLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flexli")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.ConnectorCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("connector_cache_ttl must not be negative"))
	}
	if c.ConnectorCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("connector_cache_size must be positive, got %d", c.ConnectorCacheSize))
	}
	if c.WaitThreshold < 0 {
		errs = append(errs, fmt.Errorf("wait_threshold must not be negative"))
	}
	if c.ConnectorTimeout < 0 {
		errs = append(errs, fmt.Errorf("connector_timeout must not be negative"))
	}
	if c.VaultPassphrase != "" && c.VaultSalt == "" {
		errs = append(errs, fmt.Errorf("vault_salt is required with vault_passphrase"))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("db_path is required"))
	}
	return errors.Join(errs...)
}
