// Package config loads gostratus configuration from defaults, an optional
// YAML file, and GOSTRATUS_* environment overrides.
//
// Precedence (highest wins): environment, config file, built-in defaults.
// The config file is searched at ~/.gostratus/config.yaml and ./gostratus.yaml.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/gostratus/pkg/pool"
)

// Config is the fully resolved gostratus configuration.
type Config struct {
	// DataDir is the root for the local record store and retrieved results.
	DataDir string `mapstructure:"data_dir"`

	// DefaultSize is the node size class used when start omits one.
	DefaultSize string `mapstructure:"default_size"`

	// Regions is the ordered provisioning candidate list. The first entry
	// is the preferred region; later entries are quota fallbacks.
	Regions []string `mapstructure:"regions"`

	// Owner is the operator name embedded in node names and tags.
	Owner string `mapstructure:"owner"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Bundle    BundleConfig    `mapstructure:"bundle"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Poll      PollConfig      `mapstructure:"poll"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SSHConfig describes how to reach pool nodes.
type SSHConfig struct {
	// User is the login user on pool nodes.
	User string `mapstructure:"user"`

	// KeyPath is the private key used for node access.
	KeyPath string `mapstructure:"key_path"`

	// Port is the SSH port on pool nodes.
	Port int `mapstructure:"port"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// BundleConfig controls context packaging.
type BundleConfig struct {
	// MaxBytes is the bundle size ceiling. Oversized contexts fail fast
	// locally instead of failing mid-transfer.
	MaxBytes int64 `mapstructure:"max_bytes"`

	// Includes are doublestar globs selecting files from the working
	// directory. Empty means everything.
	Includes []string `mapstructure:"includes"`

	// Excludes are doublestar globs removed from the selection.
	Excludes []string `mapstructure:"excludes"`

	// IncludeHidden controls whether dot-files are packaged.
	IncludeHidden bool `mapstructure:"include_hidden"`
}

// AgentConfig describes the opaque agent runtime invoked on nodes.
type AgentConfig struct {
	// Command is the agent executable on the node.
	Command string `mapstructure:"command"`

	// MaxTurns bounds the agent's turn count. Zero means no limit flag.
	MaxTurns int `mapstructure:"max_turns"`
}

// ProvisionConfig controls node provisioning.
type ProvisionConfig struct {
	// AMI is the image id used for new nodes. Region-agnostic aliases
	// (SSM paths) are resolved by the provider.
	AMI string `mapstructure:"ami"`

	// KeyName is the EC2 key pair name installed on new nodes.
	KeyName string `mapstructure:"key_name"`

	// Timeout bounds one region's provisioning attempt (minutes, not
	// seconds: instances take a while to come up).
	Timeout time.Duration `mapstructure:"timeout"`

	// ReadyTimeout bounds the post-create reachability wait.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// Profile selects a shared AWS config profile, if any.
	Profile string `mapstructure:"profile"`
}

// TransferConfig controls push/pull retries.
type TransferConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PollConfig controls remote status polling.
type PollConfig struct {
	// Timeout bounds one status probe.
	Timeout time.Duration `mapstructure:"timeout"`

	// Interval is the --follow poll interval.
	Interval time.Duration `mapstructure:"interval"`

	// RatePerSecond throttles refresh probes across nodes.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// ArchiveConfig enables S3 result archival when Bucket is set.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// ServerConfig controls the read-only query API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load resolves configuration from defaults, file, and environment.
func Load(ctx context.Context) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gostratus"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("GOSTRATUS")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".gostratus")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_size", "L")
	v.SetDefault("regions", []string{"us-west-2", "us-east-1", "us-east-2", "eu-west-1", "eu-central-1"})
	v.SetDefault("owner", defaultOwner())

	v.SetDefault("logging.level", "info")

	v.SetDefault("ssh.user", "ubuntu")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 15*time.Second)

	v.SetDefault("bundle.max_bytes", int64(64*1024*1024))
	v.SetDefault("bundle.excludes", []string{"**/.git/**", "**/node_modules/**"})
	v.SetDefault("bundle.include_hidden", false)

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.max_turns", 50)

	v.SetDefault("provision.timeout", 10*time.Minute)
	v.SetDefault("provision.ready_timeout", 5*time.Minute)

	v.SetDefault("transfer.max_attempts", 4)
	v.SetDefault("transfer.timeout", 2*time.Minute)

	v.SetDefault("poll.timeout", 20*time.Second)
	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.rate_per_second", 4.0)

	v.SetDefault("archive.prefix", "gostratus")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "stratus"
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := pool.ParseSize(c.DefaultSize); err != nil {
		return fmt.Errorf("default_size: %w", err)
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("regions: at least one candidate region is required")
	}
	if c.Bundle.MaxBytes <= 0 {
		return fmt.Errorf("bundle.max_bytes must be positive")
	}
	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("transfer.max_attempts must be >= 1")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port out of range: %d", c.SSH.Port)
	}
	return nil
}

// ResultsDir returns where pulled session results are stored locally.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.DataDir, "results")
}

// StoreDir returns the record store root.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "state")
}
