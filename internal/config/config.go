// Package config provides configuration management: process-level settings
// from environment variables plus an optional hierarchical YAML document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dyhe/quotevault/internal/provider"
)

// Config holds application configuration. Environment variables cover the
// process-level knobs; the YAML document carries the hierarchical sections.
type Config struct {
	DataDir  string
	LogLevel string
	Port     int
	DevMode  bool

	Data      DataConfig              `yaml:"data_config"`
	Database  DatabaseConfig          `yaml:"database_config"`
	Sources   map[string]SourceConfig `yaml:"data_sources_config"`
	Scheduler SchedulerConfig         `yaml:"scheduler_config"`
	Backup    BackupConfig            `yaml:"backup_config"`
	Monitor   MonitorConfig           `yaml:"monitor_config"`
}

// DataConfig tunes download execution.
type DataConfig struct {
	DataDir           string              `yaml:"data_dir"`
	BatchSize         int                 `yaml:"batch_size"`
	DownloadChunkDays int                 `yaml:"download_chunk_days"`
	MaxConcurrent     int                 `yaml:"max_concurrent"`
	QualityThreshold  float64             `yaml:"quality_threshold"`
	MarketPresets     map[string][]string `yaml:"market_presets"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	DBPath        string `yaml:"db_path"`
	BackupEnabled bool   `yaml:"backup_enabled"`
}

// SourceConfig configures one provider adapter.
type SourceConfig struct {
	Enabled            bool                     `yaml:"enabled"`
	ExchangesSupported []string                 `yaml:"exchanges_supported"`
	PrimarySourceOf    []string                 `yaml:"primary_source_of"`
	RateLimit          provider.RateLimitConfig `yaml:",inline"`
}

// SchedulerConfig configures the cron runner.
type SchedulerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Timezone string               `yaml:"timezone"`
	Jobs     map[string]JobConfig `yaml:"jobs"`
}

// JobConfig configures one scheduled job.
type JobConfig struct {
	Enabled          bool                   `yaml:"enabled"`
	Trigger          string                 `yaml:"trigger"`
	Parameters       map[string]interface{} `yaml:"parameters"`
	MaxInstances     int                    `yaml:"max_instances"`
	MisfireGraceTime int                    `yaml:"misfire_grace_time"`
	Coalesce         bool                   `yaml:"coalesce"`
	Report           bool                   `yaml:"report"`
}

// IntParam reads an integer job parameter with a fallback.
func (j JobConfig) IntParam(key string, fallback int) int {
	v, ok := j.Parameters[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

// BoolParam reads a boolean job parameter with a fallback.
func (j JobConfig) BoolParam(key string, fallback bool) bool {
	v, ok := j.Parameters[key]
	if !ok {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return fallback
}

// StringsParam reads a string-list job parameter.
func (j JobConfig) StringsParam(key string) []string {
	v, ok := j.Parameters[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// BackupConfig configures local and offsite backups.
type BackupConfig struct {
	SourceDBPath    string `yaml:"source_db_path"`
	BackupDirectory string `yaml:"backup_directory"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxBackupFiles  int    `yaml:"max_backup_files"`
	Compress        bool   `yaml:"compress"`

	RemoteEndpoint  string `yaml:"remote_endpoint"`
	RemoteAccessKey string `yaml:"remote_access_key_id"`
	RemoteSecretKey string `yaml:"remote_secret_access_key"`
	RemoteBucket    string `yaml:"remote_bucket"`
}

// RemoteConfigured reports whether all offsite credentials are present.
func (b BackupConfig) RemoteConfigured() bool {
	return b.RemoteEndpoint != "" && b.RemoteAccessKey != "" &&
		b.RemoteSecretKey != "" && b.RemoteBucket != ""
}

// MonitorConfig tunes progress reporting.
type MonitorConfig struct {
	MaxHistorySize  int                `yaml:"max_history_size"`
	AlertThresholds map[string]float64 `yaml:"alert_thresholds"`
	StartupDelay    time.Duration      `yaml:"startup_delay"`
	MinWaitTime     time.Duration      `yaml:"min_wait_time"`
}

// Load reads environment variables (after an optional .env file) and then
// merges the YAML document named by QUOTEVAULT_CONFIG, or config.yaml under
// the data directory, when it exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("QUOTEVAULT_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("QUOTEVAULT_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}
	cfg.applyDefaults()

	configPath := getEnv("QUOTEVAULT_CONFIG", filepath.Join(absDataDir, "config.yaml"))
	if err := cfg.mergeFile(configPath); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// mergeFile unmarshals the YAML document over the current config. A missing
// file is not an error; a malformed one is.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills unset fields with working values.
func (c *Config) applyDefaults() {
	if c.Data.BatchSize <= 0 {
		c.Data.BatchSize = 50
	}
	if c.Data.DownloadChunkDays < 0 {
		c.Data.DownloadChunkDays = 0
	}
	if c.Data.MaxConcurrent <= 0 {
		c.Data.MaxConcurrent = 3
	}
	if c.Data.QualityThreshold <= 0 {
		c.Data.QualityThreshold = 0.7
	}
	if c.Database.DBPath == "" {
		c.Database.DBPath = filepath.Join(c.DataDir, "quotes.db")
	}
	if c.Backup.SourceDBPath == "" {
		c.Backup.SourceDBPath = c.Database.DBPath
	}
	if c.Backup.BackupDirectory == "" {
		c.Backup.BackupDirectory = filepath.Join(c.DataDir, "backups")
	}
	if c.Backup.RetentionDays <= 0 {
		c.Backup.RetentionDays = 30
	}
	if c.Backup.MaxBackupFiles <= 0 {
		c.Backup.MaxBackupFiles = 10
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Asia/Shanghai"
	}
	if c.Monitor.MaxHistorySize <= 0 {
		c.Monitor.MaxHistorySize = 50
	}
	if c.Sources == nil {
		c.Sources = defaultSources()
	}
}

// defaultSources is the out-of-the-box provider chain: eastmoney primary
// everywhere it reaches, tencent and sina as daily backups.
func defaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		"eastmoney": {
			Enabled:            true,
			ExchangesSupported: []string{"SSE", "SZSE", "BSE", "HKEX", "NASDAQ", "NYSE"},
			PrimarySourceOf:    []string{"SSE", "SZSE", "BSE", "HKEX", "NASDAQ", "NYSE"},
			RateLimit:          provider.RateLimitConfig{}.Defaults(),
		},
		"tencent": {
			Enabled:            true,
			ExchangesSupported: []string{"SSE", "SZSE", "HKEX"},
			RateLimit:          provider.RateLimitConfig{}.Defaults(),
		},
		"sina": {
			Enabled:            true,
			ExchangesSupported: []string{"SSE", "SZSE"},
			RateLimit:          provider.RateLimitConfig{}.Defaults(),
		},
	}
}

// Location resolves the scheduler timezone, falling back to the session
// zone on failure.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
