package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfiles(t *testing.T) {
	t.Run("ValidDocument", func(t *testing.T) {
		doc := []byte(`
profiles:
  strict:
    wall_time: 2s
    cpu_time: 1s
    memory_mb: 64
    output_kb: 16
    processes: 1
  unbounded_output:
    output_kb: -1
`)
		profiles, err := ParseProfiles(doc)
		require.NoError(t, err)
		require.Len(t, profiles, 2)

		strict := profiles["strict"]
		assert.Equal(t, 2*time.Second, strict.WallTime)
		assert.Equal(t, time.Second, strict.CPUTime)
		assert.Equal(t, 64, strict.MemoryMB)
		assert.Equal(t, 16, strict.OutputKB)
		assert.Equal(t, 1, strict.Processes)

		assert.Equal(t, -1, profiles["unbounded_output"].OutputKB)
	})

	t.Run("EmptyDocument", func(t *testing.T) {
		profiles, err := ParseProfiles([]byte(""))
		require.NoError(t, err)
		assert.Empty(t, profiles)
	})

	t.Run("MalformedDocument", func(t *testing.T) {
		_, err := ParseProfiles([]byte("profiles: [1, 2"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse profiles")
	})
}

func TestLoadProfiles(t *testing.T) {
	t.Run("EmptyPath", func(t *testing.T) {
		profiles, err := LoadProfiles("")
		require.NoError(t, err)
		assert.Empty(t, profiles)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read profiles file")
	})

	t.Run("FromDisk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, []byte("profiles:\n  fast:\n    wall_time: 500ms\n"), 0o600))

		profiles, err := LoadProfiles(path)
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, profiles["fast"].WallTime)
	})
}

func TestExampleFiles(t *testing.T) {
	t.Run("Profiles", func(t *testing.T) {
		profiles, err := LoadProfiles("profiles.example.yaml")
		require.NoError(t, err)
		assert.Contains(t, profiles, "strict")
		assert.Equal(t, 512, profiles["java"].MemoryMB)
	})

	t.Run("Config", func(t *testing.T) {
		v := viper.New()
		v.SetConfigFile("config.example.yaml")
		setDefaults(v)
		require.NoError(t, v.ReadInConfig())

		cfg, err := load(v)
		require.NoError(t, err)
		assert.True(t, cfg.Sandbox.UseCgroups)
		assert.Equal(t, 9464, cfg.Metrics.Port)
		assert.Equal(t, "config/profiles.example.yaml", cfg.ProfilesFile)
	})
}
