package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "L", cfg.DefaultSize)
		assert.Equal(t, []string{"us-west-2", "us-east-1", "us-east-2", "eu-west-1", "eu-central-1"}, cfg.Regions)

		assert.Equal(t, "info", cfg.Logging.Level)

		assert.Equal(t, "ubuntu", cfg.SSH.User)
		assert.Equal(t, 22, cfg.SSH.Port)
		assert.Equal(t, 15*time.Second, cfg.SSH.ConnectTimeout)

		assert.Equal(t, int64(64*1024*1024), cfg.Bundle.MaxBytes)
		assert.False(t, cfg.Bundle.IncludeHidden)

		assert.Equal(t, "claude", cfg.Agent.Command)
		assert.Equal(t, 50, cfg.Agent.MaxTurns)

		assert.Equal(t, 10*time.Minute, cfg.Provision.Timeout)
		assert.Equal(t, 5*time.Minute, cfg.Provision.ReadyTimeout)

		assert.Equal(t, 4, cfg.Transfer.MaxAttempts)
		assert.Equal(t, 20*time.Second, cfg.Poll.Timeout)
		assert.Equal(t, 10*time.Second, cfg.Poll.Interval)

		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		dir := filepath.Join(home, ".gostratus")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		yaml := []byte("default_size: M\nregions:\n  - eu-west-1\nssh:\n  user: admin\n  connect_timeout: 30s\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "M", cfg.DefaultSize)
		assert.Equal(t, []string{"eu-west-1"}, cfg.Regions)
		assert.Equal(t, "admin", cfg.SSH.User)
		assert.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout)
		// Untouched keys keep defaults.
		assert.Equal(t, "claude", cfg.Agent.Command)
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("GOSTRATUS_DEFAULT_SIZE", "XL")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "XL", cfg.DefaultSize)
	})

	t.Run("InvalidSizeRejected", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("GOSTRATUS_DEFAULT_SIZE", "huge")

		_, err := Load(ctx)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DefaultSize: "L",
			Regions:     []string{"us-west-2"},
			Bundle:      BundleConfig{MaxBytes: 1},
			Transfer:    TransferConfig{MaxAttempts: 1},
			SSH:         SSHConfig{Port: 22},
		}
	}

	require.NoError(t, base().Validate())

	noRegions := base()
	noRegions.Regions = nil
	require.Error(t, noRegions.Validate())

	badCeiling := base()
	badCeiling.Bundle.MaxBytes = 0
	require.Error(t, badCeiling.Validate())

	badPort := base()
	badPort.SSH.Port = 70000
	require.Error(t, badPort.Validate())
}
