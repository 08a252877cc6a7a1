package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "AUTOLAND", cfg.Bus.Stream)
	assert.Equal(t, "autoland", cfg.Bus.SubjectPrefix)
	assert.Equal(t, 4*time.Hour, cfg.Classifier.PollInterval)
	assert.Equal(t, 12*time.Hour, cfg.Classifier.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Classifier.CompletionThreshold)
	assert.Equal(t, 10, cfg.Classifier.MaxOrange)
	assert.Equal(t, 5, cfg.Orchestrator.CommentAttempts)
	assert.Equal(t, 10*time.Second, cfg.Directory.Timeout)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing bus url",
			modify:  func(c *Config) { c.Bus.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing bus stream",
			modify:  func(c *Config) { c.Bus.Stream = "" },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Orchestrator.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero comment attempts",
			modify:  func(c *Config) { c.Orchestrator.CommentAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "timeout below completion threshold",
			modify:  func(c *Config) { c.Classifier.Timeout = time.Minute },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNegativeMaxOrange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Classifier.MaxOrange = -2

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Classifier.MaxOrange,
		"negative max orange should reset to the default")
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
bugzilla:
  api_url: "https://bugzilla.test/rest/"
  username: "bot@test"
  timeout: 45s
bus:
  url: "nats://test:4222"
hg:
  work_dir: "/var/lib/autoland"
  ssh_username: "bot"
classifier:
  branch: "mozilla-central"
  max_orange: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://bugzilla.test/rest/", cfg.Bugzilla.APIURL)
	assert.Equal(t, 45*time.Second, cfg.Bugzilla.Timeout)
	assert.Equal(t, "nats://test:4222", cfg.Bus.URL)
	assert.Equal(t, "/var/lib/autoland", cfg.Hg.WorkDir)
	assert.Equal(t, "mozilla-central", cfg.Classifier.Branch)
	assert.Equal(t, 3, cfg.Classifier.MaxOrange)
	// Unset sections keep their defaults
	assert.Equal(t, "AUTOLAND", cfg.Bus.Stream)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("AUTOLAND_TEST_PASSWORD", "hunter2")

	content := `
bugzilla:
  password: "${AUTOLAND_TEST_PASSWORD}"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Bugzilla.Password)
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Bugzilla: BugzillaConfig{
			APIURL: "https://override.test/rest/",
		},
		Hg: HgConfig{
			WorkDir: "/override/work",
		},
		Classifier: ClassifierConfig{
			MaxOrange: 2,
		},
	}

	base.Merge(override)

	assert.Equal(t, "https://override.test/rest/", base.Bugzilla.APIURL)
	assert.Equal(t, "/override/work", base.Hg.WorkDir)
	assert.Equal(t, 2, base.Classifier.MaxOrange)
	// Fields the override leaves zero keep base values
	assert.Equal(t, "nats://localhost:4222", base.Bus.URL)
	assert.Equal(t, "hg", base.Hg.Binary)
}

func TestLoaderMergesFilesInOrder(t *testing.T) {
	tmpDir := t.TempDir()

	first := filepath.Join(tmpDir, "base.yaml")
	require.NoError(t, os.WriteFile(first,
		[]byte("classifier:\n  branch: try\n  max_orange: 5\n"), 0644))
	second := filepath.Join(tmpDir, "override.yaml")
	require.NoError(t, os.WriteFile(second,
		[]byte("classifier:\n  max_orange: 1\n"), 0644))

	loader := NewLoader(nil)
	cfg, err := loader.Load(first, second)
	require.NoError(t, err)

	assert.Equal(t, "try", cfg.Classifier.Branch, "first file sets the branch")
	assert.Equal(t, 1, cfg.Classifier.MaxOrange, "second file wins the overlap")
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	loader := NewLoader(nil)
	_, err := loader.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Classifier.CacheDir = "/srv/autoland/cache"

	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "/srv/autoland/cache", loaded.Classifier.CacheDir)
}
