package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validDoc = `
[detection]
syn_threshold = 100
window_ms = 1000
proc_check_interval_s = 5

[enforcement]
block_duration_s = 3600
ipset_name = "synwatchd-blacklist"

[limits]
max_tracked_ips = 10000
hash_buckets = 16384

[capture]
use_raw_socket = true

[whitelist]
file = ""

[logging]
level = "info"
metrics_socket = "/run/synwatchd/metrics.sock"
`

func TestLoadValidDocument(t *testing.T) {
	path := writeConfig(t, validDoc)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, cfg.Detection.SynThreshold)
	assert.Equal(t, "synwatchd-blacklist", cfg.Enforcement.IPSetName)
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	bad := validDoc
	bad = replaceOnce(bad, "syn_threshold = 100", "syn_threshold = 0")
	path := writeConfig(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNonPowerOfTwoBuckets(t *testing.T) {
	bad := replaceOnce(validDoc, "hash_buckets = 16384", "hash_buckets = 10000")
	path := writeConfig(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	bad := replaceOnce(validDoc, `level = "info"`, `level = "verbose"`)
	path := writeConfig(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	assert.Error(t, err)
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
