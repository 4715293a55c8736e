// Package config loads the sync service configuration from file, environment
// and defaults, and wires up logging.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the full service configuration.
type Config struct {
	Sync    SyncConfig    `mapstructure:"sync"`
	Push    PushConfig    `mapstructure:"push"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SyncConfig describes the sync server and this machine's identity.
type SyncConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	MachineID       string `mapstructure:"machine_id"`
	MachineOwner    string `mapstructure:"machine_owner"`
	SerialNumber    string `mapstructure:"serial_number"`
	ProtocolVersion int    `mapstructure:"protocol_version"`

	Proxy          string `mapstructure:"proxy"`
	ClientCertFile string `mapstructure:"client_cert_file"`
	ClientKeyFile  string `mapstructure:"client_key_file"`
	ServerCAFile   string `mapstructure:"server_ca_file"`

	EventBatchSize int `mapstructure:"event_batch_size"`
}

// PushConfig controls the push-notification channel.
type PushConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// AllowAnyServer disables the production broker domain pinning. For
	// development deployments only.
	AllowAnyServer bool `mapstructure:"allow_any_server"`
}

// LoggingConfig configures the logrus backend.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads the configuration from various sources.
func Load(configFile string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	setupViperConfig(v, configFile)

	config, err := readAndUnmarshalConfig(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := setupLogging(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadEnvFile loads the .env file if it exists.
func loadEnvFile() {
	if err := gotenv.Load(); err != nil {
		// .env file not found, that's okay - continue with other sources
		if !os.IsNotExist(err) {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}
}

func setupViperConfig(v *viper.Viper, configFile string) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/santasync")
	if home := os.Getenv("HOME"); home != "" {
		v.AddConfigPath(home + "/.config/santasync")
	}

	if len(configFile) > 0 {
		v.SetConfigFile(configFile)
	}

	setDefaults(v)

	v.SetEnvPrefix("SANTASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	v.BindEnv("sync.base_url", "SANTASYNC_SYNC_BASE_URL")
	v.BindEnv("sync.machine_id", "SANTASYNC_SYNC_MACHINE_ID")
	v.BindEnv("sync.machine_owner", "SANTASYNC_SYNC_MACHINE_OWNER")
	v.BindEnv("sync.proxy", "SANTASYNC_SYNC_PROXY")
	v.BindEnv("push.enabled", "SANTASYNC_PUSH_ENABLED")
	v.BindEnv("logging.level", "SANTASYNC_LOGGING_LEVEL")
	v.BindEnv("logging.format", "SANTASYNC_LOGGING_FORMAT")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.machine_id", detectHostname())
	v.SetDefault("sync.protocol_version", 2)
	v.SetDefault("sync.event_batch_size", 50)

	v.SetDefault("push.enabled", true)
	v.SetDefault("push.allow_any_server", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

func readAndUnmarshalConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// Validate checks the fields no default can supply.
func (c *Config) Validate() error {
	if c.Sync.BaseURL == "" {
		return fmt.Errorf("sync.base_url is required")
	}
	if c.Sync.MachineID == "" {
		return fmt.Errorf("sync.machine_id is required")
	}
	if c.Sync.ProtocolVersion != 1 && c.Sync.ProtocolVersion != 2 {
		return fmt.Errorf("sync.protocol_version must be 1 or 2, got %d", c.Sync.ProtocolVersion)
	}
	if c.Sync.ClientCertFile != "" && c.Sync.ClientKeyFile == "" {
		return fmt.Errorf("sync.client_key_file is required with sync.client_cert_file")
	}
	if c.Sync.EventBatchSize < 0 {
		return fmt.Errorf("sync.event_batch_size must not be negative")
	}
	return nil
}

// setupLogging configures the logging system based on the config.
func setupLogging(config *Config) error {
	logrusLevel, err := logrus.ParseLevel(config.Logging.Level)
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}
	logrus.SetLevel(logrusLevel)

	switch strings.ToLower(config.Logging.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		logrus.WithFields(logrus.Fields{
			"format": config.Logging.Format,
		}).Warn("Unknown log format")
	}

	if config.Logging.Output == "stderr" {
		logrus.SetOutput(os.Stderr)
	}
	return nil
}

func detectHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
