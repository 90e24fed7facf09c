package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Telnet.Host)
	assert.Equal(t, 23, cfg.Telnet.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Telnet.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Telnet.AutosenseTimeout)
	assert.Equal(t, 0, cfg.Telnet.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestTelnetAddr(t *testing.T) {
	cfg := TelnetConfig{Host: "127.0.0.1", Port: 2323}
	assert.Equal(t, "127.0.0.1:2323", cfg.Addr())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
telnet:
  host: 127.0.0.1
  port: 2323
  autosense_timeout: 5s
chat:
  scripts_dir: content/commands
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Telnet.Host)
	assert.Equal(t, 2323, cfg.Telnet.Port)
	assert.Equal(t, 5*time.Second, cfg.Telnet.AutosenseTimeout)
	assert.Equal(t, "content/commands", cfg.Chat.ScriptsDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unspecified keys keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.Telnet.PollInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Telnet.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telnet.port")
}

func TestValidateRejectsAutosenseOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Telnet.AutosenseTimeout = time.Second
	require.Error(t, cfg.Validate())

	cfg.Telnet.AutosenseTimeout = 20 * time.Second
	require.Error(t, cfg.Validate())

	cfg.Telnet.AutosenseTimeout = 15 * time.Second
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")

	cfg = Default()
	cfg.Logging.Format = "xml"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Telnet.Port = -1
	cfg.Telnet.PollInterval = 0
	cfg.Logging.Level = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telnet.port")
	assert.Contains(t, err.Error(), "telnet.poll_interval")
	assert.Contains(t, err.Error(), "logging.level")
}
