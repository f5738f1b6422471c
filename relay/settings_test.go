package relay

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettingsFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadSettingsYAML(t *testing.T) {
	path := writeSettingsFile(t, "relay.yaml", `
name: alice
uri: wss://relay.example.com/ws
data_dir: /var/lib/relay
static_secret: s3cret
security: RELAXED
connect_timeout: 3s
reconnect_attempts: 0
reconnect_delay: 250ms
sync_on_write: false
log:
  level: debug
  format: json
`)
	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", settings.Name)
	assert.Equal(t, "wss://relay.example.com/ws", settings.URI)
	assert.Equal(t, "/var/lib/relay", settings.DataDir)
	assert.Equal(t, SecurityRelaxed, settings.Security)
	assert.Equal(t, 3*time.Second, settings.ConnectTimeout)
	assert.Equal(t, 0, settings.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, settings.ReconnectDelay)
	assert.False(t, settings.SyncOnWrite)
	assert.Equal(t, "debug", settings.Log.Level)
	assert.Equal(t, "json", settings.Log.Format)
	assert.Equal(t, DefaultSettings().DeliveryTimeout, settings.DeliveryTimeout)
	assert.Equal(t, filepath.Join("/var/lib/relay", "alice"), settings.clientDir())
}

func TestLoadSettingsTOML(t *testing.T) {
	path := writeSettingsFile(t, "relay.toml", `
name = "bob"
uri = "ws://127.0.0.1:8080/ws"
static_secret = "s3cret"
delivery_timeout = "2s"
reconnect_attempts = -1
reconnect_factor = 1.5

[log]
level = "warn"
`)
	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", settings.Name)
	assert.Equal(t, 2*time.Second, settings.DeliveryTimeout)
	assert.Equal(t, -1, settings.ReconnectAttempts)
	assert.Equal(t, 1.5, settings.ReconnectFactor)
	assert.Equal(t, "warn", settings.Log.Level)
	assert.Equal(t, "text", settings.Log.Format)
	assert.True(t, settings.SyncOnWrite)
	assert.Equal(t, SecurityStrict, settings.Security)
	assert.Empty(t, settings.clientDir())
}

func TestLoadSettingsErrors(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadSettings(writeSettingsFile(t, "relay.ini", "name=x"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = LoadSettings(writeSettingsFile(t, "bad.yaml", "name: [unterminated"))
	assert.Error(t, err)

	_, err = LoadSettings(writeSettingsFile(t, "bad.toml", `connect_timeout = "soon"`))
	assert.Error(t, err)

	_, err = LoadSettings(writeSettingsFile(t, "bad.yml", "security: paranoid"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = LoadSettings(writeSettingsFile(t, "bad-name.yaml", "name: ../escape"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeSettingsFillsDefaults(t *testing.T) {
	settings := normalizeSettings(Settings{ReconnectDelay: -time.Second, ReconnectFactor: 0.5})
	defaults := DefaultSettings()
	assert.Equal(t, defaults.Name, settings.Name)
	assert.Equal(t, defaults.ConnectTimeout, settings.ConnectTimeout)
	assert.Equal(t, time.Duration(0), settings.ReconnectDelay)
	assert.Equal(t, defaults.ReconnectFactor, settings.ReconnectFactor)
	assert.Equal(t, defaults.Security, settings.Security)
	require.NoError(t, settings.Validate())
}

func TestNormalizeSettingsHonoursZeroFlags(t *testing.T) {
	literal := normalizeSettings(Settings{})
	assert.False(t, literal.SyncOnWrite)
	assert.Zero(t, literal.ReconnectAttempts)

	defaults := normalizeSettings(DefaultSettings())
	assert.True(t, defaults.SyncOnWrite)
	assert.Equal(t, 5, defaults.ReconnectAttempts)

	path := writeSettingsFile(t, "client.yaml", "name: flags\n")
	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.True(t, loaded.SyncOnWrite)
	assert.Equal(t, DefaultSettings().ReconnectAttempts, loaded.ReconnectAttempts)
}

func TestNewLogger(t *testing.T) {
	var output bytes.Buffer
	logger, err := newLoggerTo(&output, LogSettings{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.WithField("client", "alice").Debug("hello")
	assert.Contains(t, output.String(), `"client":"alice"`)

	logger, err = NewLogger(LogSettings{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, err = NewLogger(LogSettings{Level: "loud"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewLogger(LogSettings{Format: "xml"})
	assert.ErrorIs(t, err, ErrValidation)
}
