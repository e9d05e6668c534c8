package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "ate:\n  board: SPITest\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Ate.Host)
	assert.Equal(t, 5023, cfg.Ate.Port)
	assert.True(t, cfg.Ate.ConnectRetry)
	assert.Equal(t, 0, cfg.JTAG.PollBudget)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingBoardFailsValidation(t *testing.T) {
	path := writeTempConfig(t, "ate:\n  host: 127.0.0.1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ate.board")
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	path := writeTempConfig(t, "ate:\n  board: X\nlogging:\n  level: verbose\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestAteConfig_Addr(t *testing.T) {
	cfg := AteConfig{Host: "sim.example.com", Port: 5023}
	assert.Equal(t, "sim.example.com:5023", cfg.Addr())
}
