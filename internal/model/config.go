package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	// WSInsecureSkipVerify disables the websocket origin check (dev only).
	WSInsecureSkipVerify bool `mapstructure:"ws_insecure_skip_verify" yaml:"ws_insecure_skip_verify"`
}

// TimeoutConfig bounds network- and storage-bound operations.
type TimeoutConfig struct {
	Operation time.Duration `mapstructure:"operation" yaml:"operation"`
}

// AlertConfig controls alert dispatch and toast presentation.
type AlertConfig struct {
	// ToastLimit is the maximum number of toasts visible at once.
	ToastLimit int `mapstructure:"toast_limit" yaml:"toast_limit"`

	// ToastDuration is how long a toast stays before auto-dismissal.
	ToastDuration time.Duration `mapstructure:"toast_duration" yaml:"toast_duration"`

	// OnMessage creates a message alert for every recipient of a chat message.
	OnMessage bool `mapstructure:"on_message" yaml:"on_message"`

	// Sounds overrides entries of the built-in type → asset table.
	Sounds map[string]string `mapstructure:"sounds" yaml:"sounds"`
}

// StorageConfig configures attachment blob storage.
type StorageConfig struct {
	Root          string `mapstructure:"root" yaml:"root"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// PushConfig configures the platform push notification relay.
type PushConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Icon     string `mapstructure:"icon" yaml:"icon"`
	Badge    string `mapstructure:"badge" yaml:"badge"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Alerts   AlertConfig    `mapstructure:"alerts" yaml:"alerts"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Push     PushConfig     `mapstructure:"push" yaml:"push"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// envPrefix is prepended to every environment override, e.g.
// CLASSROOM_DATABASE_PATH.
const envPrefix = "CLASSROOM"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/classroom/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "classroom", "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: "classroom.db"},
		Server:   ServerConfig{Addr: ":8084"},
		Timeouts: TimeoutConfig{Operation: 5 * time.Second},
		Alerts: AlertConfig{
			ToastLimit:    3,
			ToastDuration: 8 * time.Second,
			OnMessage:     true,
			Sounds:        map[string]string{},
		},
		Storage: StorageConfig{
			Root:          "uploads",
			PublicBaseURL: "http://localhost:8084/files",
		},
		Push: PushConfig{
			Icon:  "/icons/icon-192.png",
			Badge: "/icons/badge-72.png",
		},
		Log: LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultAppConfig()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.ws_insecure_skip_verify", false)
	v.SetDefault("timeouts.operation", d.Timeouts.Operation)
	v.SetDefault("alerts.toast_limit", d.Alerts.ToastLimit)
	v.SetDefault("alerts.toast_duration", d.Alerts.ToastDuration)
	v.SetDefault("alerts.on_message", d.Alerts.OnMessage)
	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.public_base_url", d.Storage.PublicBaseURL)
	v.SetDefault("push.endpoint", "")
	v.SetDefault("push.icon", d.Push.Icon)
	v.SetDefault("push.badge", d.Push.Badge)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", false)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with CLASSROOM_ override file values. If
// the file does not exist, defaults (plus overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Timeouts.Operation <= 0 {
		cfg.Timeouts.Operation = 5 * time.Second
	}
	if cfg.Alerts.ToastLimit <= 0 {
		cfg.Alerts.ToastLimit = 3
	}
	if cfg.Alerts.ToastDuration <= 0 {
		cfg.Alerts.ToastDuration = 8 * time.Second
	}
	if cfg.Alerts.Sounds == nil {
		cfg.Alerts.Sounds = map[string]string{}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("server", cfg.Server)
	v.Set("timeouts", cfg.Timeouts)
	v.Set("alerts", cfg.Alerts)
	v.Set("storage", cfg.Storage)
	v.Set("push", cfg.Push)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
