package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds all server configuration. Precedence, lowest to
// highest: built-in defaults, the YAML file named by
// DESKBRIDGE_CONFIG_FILE, then DESKBRIDGE_* environment variables.
type Settings struct {
	Port        int    `envconfig:"PORT" yaml:"port"`
	AppID       string `envconfig:"APP_ID" yaml:"app_id"`
	ServerName  string `envconfig:"SERVER_NAME" yaml:"server_name"`
	StorageRoot string `envconfig:"STORAGE_ROOT" yaml:"storage_root"`

	PairingTTL  time.Duration `envconfig:"PAIRING_TTL" yaml:"pairing_ttl"`
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" yaml:"auth_timeout"`
	MaxClients  int           `envconfig:"MAX_CLIENTS" yaml:"max_clients"`

	DatabasePath    string        `envconfig:"DATABASE_PATH" yaml:"database_path"`
	LogPath         string        `envconfig:"LOG_PATH" yaml:"log_path"`
	MaintenanceCron string        `envconfig:"MAINTENANCE_CRON" yaml:"maintenance_cron"`
	DeviceRetention time.Duration `envconfig:"DEVICE_RETENTION" yaml:"device_retention"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		Port:            8790,
		AppID:           "deskbridge",
		ServerName:      "deskbridge",
		StorageRoot:     "./data",
		PairingTTL:      10 * time.Minute,
		AuthTimeout:     30 * time.Second,
		MaxClients:      10,
		DatabasePath:    "./data/deskbridge.db",
		LogPath:         "./data/deskbridge.log",
		MaintenanceCron: "@every 5m",
		DeviceRetention: 90 * 24 * time.Hour,
	}
}

// Load builds Settings from defaults, the optional YAML config file,
// and the environment. Fields without a default tag are left untouched
// by envconfig when the variable is unset, so lower layers survive.
func Load() (Settings, error) {
	s := Defaults()

	if path := os.Getenv("DESKBRIDGE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("DESKBRIDGE", &s); err != nil {
		return s, fmt.Errorf("process environment: %w", err)
	}

	if s.MaxClients < 1 {
		return s, fmt.Errorf("max_clients must be at least 1, got %d", s.MaxClients)
	}

	return s, nil
}
