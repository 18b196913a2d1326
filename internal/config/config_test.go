package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config dir inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "memvault")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.Fetch.MaxLines)
	assert.Equal(t, 65536, cfg.Fetch.MaxBytes)
	assert.Equal(t, 8192, cfg.Offload.ThresholdBytes)
	assert.Equal(t, 30*time.Second, cfg.Compression.AttemptTimeout.Duration())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad compression", func(c *Config) { c.Store.Compression = "brotli" }, "store.compression"},
		{"zero threshold", func(c *Config) { c.Offload.ThresholdBytes = 0 }, "offload.threshold_bytes"},
		{"inverted ratios", func(c *Config) { c.Governor.WarningRatio = 0.9 }, "governor ratios"},
		{"inverted tokens", func(c *Config) {
			c.Governor.WarningTokens = 1000
			c.Governor.CriticalTokens = 500
		}, "governor thresholds"},
		{"zero fetch cap", func(c *Config) { c.Fetch.MaxLines = 0 }, "fetch.max_lines"},
		{"anthropic without key", func(c *Config) { c.Summarizer.Provider = "anthropic" }, "summarizer.api_key"},
		{"unknown provider", func(c *Config) { c.Summarizer.Provider = "bard" }, "unknown summarizer.provider"},
		{"bad encoding", func(c *Config) { c.Tokens.Encoding = "bpe" }, "tokens.encoding"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
store:
  root: /var/lib/memvault
  compression: zstd
fetch:
  max_lines: 150
compression:
  attempt_timeout: 5s
summarizer:
  provider: anthropic
  api_key: sk-from-file
`, 0600)

	t.Setenv("MEMVAULT_FETCH_MAX_BYTES", "32768")
	t.Setenv("MEMVAULT_OFFLOAD_PREVIEW_CHARS", "120")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/memvault", cfg.Store.Root)
	assert.Equal(t, "zstd", cfg.Store.Compression)
	assert.Equal(t, 150, cfg.Fetch.MaxLines)
	assert.Equal(t, 32768, cfg.Fetch.MaxBytes)
	assert.Equal(t, 120, cfg.Offload.PreviewChars)
	assert.Equal(t, 5*time.Second, cfg.Compression.AttemptTimeout.Duration())
	assert.Equal(t, "sk-from-file", cfg.Summarizer.APIKey.Value())
	// untouched sections keep defaults
	assert.Equal(t, 8192, cfg.Offload.ThresholdBytes)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)
	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	t.Run("insecure permissions", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "fetch:\n  max_lines: 10\n", 0644)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("outside allowed dirs", func(t *testing.T) {
		setupTestHome(t)
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be in")
	})

	t.Run("traversal", func(t *testing.T) {
		dir := setupTestHome(t)
		_, err := LoadWithFile(filepath.Join(dir, "..", "other", "config.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "fetch: [unterminated", 0600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
	})

	t.Run("failed validation", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "governor:\n  warning_ratio: 0.95\n", 0600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation failed")
	})
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "fetch.max_lines", envKey("MEMVAULT_FETCH_MAX_LINES"))
	assert.Equal(t, "summarizer.api_key", envKey("MEMVAULT_SUMMARIZER_API_KEY"))
	assert.Equal(t, "debug", envKey("MEMVAULT_DEBUG"))
}

func TestSecret_NeverRenders(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")

	out, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live")

	var back Secret
	require.Error(t, json.Unmarshal([]byte(`"[REDACTED]"`), &back))
	require.NoError(t, json.Unmarshal([]byte(`"raw"`), &back))
	assert.Equal(t, "raw", back.Value())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "fetch:\n  max_lines: 100\n", 0600)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  max_lines: 42\n"), 0600))

	// A truncating write can surface as an empty file first; wait for the
	// final content.
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-w.Updates():
			seen = cfg.Fetch.MaxLines == 42
		case <-w.Errors():
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}

	w.Stop()
	w.Stop()
}
