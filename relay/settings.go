package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SecurityLevel selects TLS verification for the transport.
type SecurityLevel string

// Security levels.
const (
	SecurityNone    SecurityLevel = "none"
	SecurityStrict  SecurityLevel = "strict"
	SecurityRelaxed SecurityLevel = "relaxed"
)

// LogSettings configures the logger built by NewLogger.
type LogSettings struct {
	Level  string
	Format string
}

// Settings is the static configuration of a Client.
//
// Zero durations, names and factors are replaced by their defaults, but the
// zero values of SyncOnWrite and ReconnectAttempts are honoured as written:
// a literal Settings{} gets an unsynced outbox and no automatic reconnection.
// Start from DefaultSettings (or LoadSettings) and override fields to keep
// the durable defaults.
type Settings struct {
	Name            string
	URI             string
	DataDir         string
	StaticSecret    string
	PackageIdentity string
	DeviceName      string
	Security        SecurityLevel

	ConnectTimeout  time.Duration
	DeliveryTimeout time.Duration

	// ReconnectAttempts bounds automatic reconnection after an unexpected
	// loss. Zero disables it; a negative value retries forever.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectFactor   float64

	SyncOnWrite bool
	Log         LogSettings
}

// DefaultSettings returns the settings used for anything a file leaves out.
func DefaultSettings() Settings {
	return Settings{
		Name:              "default",
		PackageIdentity:   "relay-client",
		Security:          SecurityStrict,
		ConnectTimeout:    7 * time.Second,
		DeliveryTimeout:   10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    500 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
		ReconnectFactor:   2,
		SyncOnWrite:       true,
		Log:               LogSettings{Level: "info", Format: "text"},
	}
}

func normalizeSettings(settings Settings) Settings {
	defaults := DefaultSettings()
	settings.Name = strings.TrimSpace(settings.Name)
	if settings.Name == "" {
		settings.Name = defaults.Name
	}
	if settings.PackageIdentity == "" {
		settings.PackageIdentity = defaults.PackageIdentity
	}
	if settings.Security == "" {
		settings.Security = defaults.Security
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = defaults.ConnectTimeout
	}
	if settings.DeliveryTimeout <= 0 {
		settings.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if settings.ReconnectDelay < 0 {
		settings.ReconnectDelay = 0
	}
	if settings.ReconnectMaxDelay <= 0 {
		settings.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if settings.ReconnectFactor < 1 {
		settings.ReconnectFactor = defaults.ReconnectFactor
	}
	if settings.Log.Level == "" {
		settings.Log.Level = defaults.Log.Level
	}
	if settings.Log.Format == "" {
		settings.Log.Format = defaults.Log.Format
	}
	return settings
}

// Validate reports settings that cannot be used.
func (settings Settings) Validate() error {
	if settings.Name == "" || strings.ContainsAny(settings.Name, `/\`) || settings.Name == "." || settings.Name == ".." {
		return NewError(ValidationError, "invalid client name "+fmt.Sprintf("%q", settings.Name))
	}
	switch settings.Security {
	case SecurityNone, SecurityStrict, SecurityRelaxed:
	default:
		return NewError(ValidationError, "unknown security level "+string(settings.Security))
	}
	return nil
}

// clientDir is where a named client keeps its session state and outbox.
func (settings Settings) clientDir() string {
	if settings.DataDir == "" {
		return ""
	}
	return filepath.Join(settings.DataDir, settings.Name)
}

// settingsFile mirrors Settings for YAML and TOML decoding. Pointer fields
// tell an explicit zero apart from an absent key.
type settingsFile struct {
	Name              *string  `yaml:"name" toml:"name"`
	URI               *string  `yaml:"uri" toml:"uri"`
	DataDir           *string  `yaml:"data_dir" toml:"data_dir"`
	StaticSecret      *string  `yaml:"static_secret" toml:"static_secret"`
	PackageIdentity   *string  `yaml:"package_identity" toml:"package_identity"`
	DeviceName        *string  `yaml:"device_name" toml:"device_name"`
	Security          *string  `yaml:"security" toml:"security"`
	ConnectTimeout    *string  `yaml:"connect_timeout" toml:"connect_timeout"`
	DeliveryTimeout   *string  `yaml:"delivery_timeout" toml:"delivery_timeout"`
	ReconnectAttempts *int     `yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectDelay    *string  `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReconnectMaxDelay *string  `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`
	ReconnectFactor   *float64 `yaml:"reconnect_factor" toml:"reconnect_factor"`
	SyncOnWrite       *bool    `yaml:"sync_on_write" toml:"sync_on_write"`
	Log               *struct {
		Level  *string `yaml:"level" toml:"level"`
		Format *string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`
}

// LoadSettings reads a YAML (.yaml, .yml) or TOML (.toml) file on top of
// DefaultSettings.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	var raw settingsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return Settings{}, NewError(ValidationError, "unsupported settings format "+filepath.Ext(path))
	}
	if err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}

	settings, err := raw.apply(DefaultSettings())
	if err != nil {
		return Settings{}, err
	}
	settings = normalizeSettings(settings)
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (raw settingsFile) apply(settings Settings) (Settings, error) {
	setString := func(target *string, value *string) {
		if value != nil {
			*target = strings.TrimSpace(*value)
		}
	}
	setDuration := func(target *time.Duration, value *string, key string) error {
		if value == nil {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*target = parsed
		return nil
	}

	setString(&settings.Name, raw.Name)
	setString(&settings.URI, raw.URI)
	setString(&settings.DataDir, raw.DataDir)
	setString(&settings.StaticSecret, raw.StaticSecret)
	setString(&settings.PackageIdentity, raw.PackageIdentity)
	setString(&settings.DeviceName, raw.DeviceName)
	if raw.Security != nil {
		settings.Security = SecurityLevel(strings.ToLower(strings.TrimSpace(*raw.Security)))
	}
	if err := setDuration(&settings.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return Settings{}, err
	}
	if err := setDuration(&settings.DeliveryTimeout, raw.DeliveryTimeout, "delivery_timeout"); err != nil {
		return Settings{}, err
	}
	if err := setDuration(&settings.ReconnectDelay, raw.ReconnectDelay, "reconnect_delay"); err != nil {
		return Settings{}, err
	}
	if err := setDuration(&settings.ReconnectMaxDelay, raw.ReconnectMaxDelay, "reconnect_max_delay"); err != nil {
		return Settings{}, err
	}
	if raw.ReconnectAttempts != nil {
		settings.ReconnectAttempts = *raw.ReconnectAttempts
	}
	if raw.ReconnectFactor != nil {
		settings.ReconnectFactor = *raw.ReconnectFactor
	}
	if raw.SyncOnWrite != nil {
		settings.SyncOnWrite = *raw.SyncOnWrite
	}
	if raw.Log != nil {
		setString(&settings.Log.Level, raw.Log.Level)
		setString(&settings.Log.Format, raw.Log.Format)
	}
	return settings, nil
}
