package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadWithEnv_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7447", cfg.Addr)
	assert.Equal(t, 64, cfg.CommandQueue)
	assert.True(t, cfg.Validate)
	assert.Equal(t, "100ms", cfg.Watcher.Debounce)
	assert.Equal(t, 4, cfg.Watcher.GraceRetries)
	assert.Equal(t, filepath.Join(cfg.DataDir, "projects.json"), cfg.ProjectManifest)
	assert.Equal(t, filepath.Join(cfg.DataDir, "users.json"), cfg.UserManifest)
}

func TestLoadWithEnv_Files(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
addr = "127.0.0.1:9000"
data_dir = "/srv/syncd"

[watcher]
debounce = "250ms"
grace_retries = 8
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
addr: 127.0.0.1:9000
data_dir: /srv/syncd
watcher:
  debounce: 250ms
  grace_retries: 8
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			cfg, err := LoadWithEnv(path)
			require.NoError(t, err)

			assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
			assert.Equal(t, "/srv/syncd", cfg.DataDir)
			assert.Equal(t, "250ms", cfg.Watcher.Debounce)
			assert.Equal(t, 8, cfg.Watcher.GraceRetries)
			assert.Equal(t, "500ms", cfg.Watcher.GraceInterval, "unset keys keep defaults")
			assert.Equal(t, filepath.Join("/srv/syncd", "projects.json"), cfg.ProjectManifest)
		})
	}
}

func TestLoadWithEnv_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = \"127.0.0.1:9000\"\n"), 0644))

	t.Setenv("SYNCD_ADDR", "127.0.0.1:9100")
	t.Setenv("SYNCD_WATCHER_DEBOUNCE", "1s")
	t.Setenv("SYNCD_LOG_QUIET", "true")

	cfg, err := LoadWithEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr)
	assert.Equal(t, "1s", cfg.Watcher.Debounce)
	assert.True(t, cfg.Log.Quiet)
}

func TestLoadWithEnv_InvalidDuration(t *testing.T) {
	t.Setenv("SYNCD_JOURNAL_RETENTION", "a week")

	_, err := LoadWithEnv("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.retention")
}

func TestDiscoverPath(t *testing.T) {
	assert.Equal(t, "/etc/syncd.toml", DiscoverPath("/etc/syncd.toml"))

	t.Setenv("SYNCD_CONFIG", "/tmp/env.yaml")
	assert.Equal(t, "/tmp/env.yaml", DiscoverPath(""))
}

func TestServerConfig(t *testing.T) {
	cfg, err := LoadWithEnv("")
	require.NoError(t, err)
	cfg.DataDir = "/data"
	cfg.Journal.Path = "-"
	cfg.Watcher.Debounce = "50ms"

	sc := cfg.ServerConfig(nil)
	assert.Equal(t, "/data", sc.DataDir)
	assert.Equal(t, "-", sc.JournalPath)
	assert.Equal(t, 168*time.Hour, sc.JournalRetention)
	assert.Equal(t, 50*time.Millisecond, sc.Watcher.Debounce)
	assert.Equal(t, 5*time.Second, sc.Publisher.WriteTimeout)
	assert.Equal(t, cfg.ProjectManifest, sc.ProjectManifest)

	lc := cfg.LoggingConfig()
	assert.Equal(t, 10, lc.MaxSizeMB)
}

func TestRender(t *testing.T) {
	cfg, err := LoadWithEnv("")
	require.NoError(t, err)

	data, err := cfg.Render("toml")
	require.NoError(t, err)
	var fromTOML Config
	_, err = toml.Decode(string(data), &fromTOML)
	require.NoError(t, err)
	assert.Equal(t, *cfg, fromTOML)

	data, err = cfg.Render("yaml")
	require.NoError(t, err)
	var fromYAML Config
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, *cfg, fromYAML)

	_, err = cfg.Render("ini")
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	cfg, err := LoadWithEnv("")
	require.NoError(t, err)
	cfg.Addr = "127.0.0.1:9200"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9200", loaded.Addr)
}
