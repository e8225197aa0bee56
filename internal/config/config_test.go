package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.InDelta(t, 0.90, cfg.LongTerm.DupThreshold, 1e-9)
	assert.Equal(t, 3, cfg.LongTerm.PreserveReps)
	assert.Equal(t, 10, cfg.Working.MaxTurns)
	assert.Equal(t, 768, cfg.Services.EmbedDim)
	assert.Equal(t, "17 3 * * *", cfg.Consolidation.Schedule)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7491, cfg.Server.Port)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 7, cfg.Backup.Daily)
	assert.Equal(t, 1500*time.Millisecond, cfg.BranchTimeout())
	assert.Equal(t, 4*time.Second, cfg.GlobalTimeout())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  engine: postgres
  postgres_dsn: postgres://localhost/engram
long_term:
  dup_threshold: 0.85
server:
  port: 9000
`), 0o644))
	t.Setenv("ENGRAM_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, "postgres://localhost/engram", cfg.Storage.PostgresDSN)
	assert.InDelta(t, 0.85, cfg.LongTerm.DupThreshold, 1e-9)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Graph.MaxDepth)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))
	t.Setenv("ENGRAM_CONFIG", path)
	t.Setenv("ENGRAM_PORT", "9100")
	t.Setenv("ENGRAM_DATA_PATH", "/var/lib/engram")
	t.Setenv("ENGRAM_DUP_THRESHOLD", "0.95")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/var/lib/engram", cfg.Storage.DataPath)
	assert.InDelta(t, 0.95, cfg.LongTerm.DupThreshold, 1e-9)
}

func TestLoadUnparseableEnvIntKeepsDefault(t *testing.T) {
	t.Setenv("ENGRAM_PORT", "not-a-port")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7491, cfg.Server.Port)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("ENGRAM_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"dup threshold zero", func(c *Config) { c.LongTerm.DupThreshold = 0 }, false},
		{"dup threshold above one", func(c *Config) { c.LongTerm.DupThreshold = 1.1 }, false},
		{"delete threshold at one", func(c *Config) { c.LongTerm.DeleteThreshold = 1 }, false},
		{"promote low above auto", func(c *Config) {
			c.LongTerm.PromoteLow = 0.7
			c.LongTerm.PromoteAuto = 0.6
		}, false},
		{"negative min retention", func(c *Config) { c.Decay.MinRetention = -0.1 }, false},
		{"zero working turns", func(c *Config) { c.Working.MaxTurns = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
