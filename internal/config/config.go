// Package config loads taskflow settings from defaults, an optional YAML
// config file, a .env file and TASKFLOW_ environment variables.
package config

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/engine"
)

const EnvPrefix = "TASKFLOW"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Auth         AuthConfig         `mapstructure:"auth"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type TemporalConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	// RunTimeout bounds a whole workflow run.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// RegistrationConfig is copied into the registration settings of the
// templates produced by the register command.
type RegistrationConfig struct {
	Project string `mapstructure:"project"`
	Domain  string `mapstructure:"domain"`
	Version string `mapstructure:"version"`
	Image   string `mapstructure:"image"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig enables JWT authentication on the server when PublicKeyFile is
// set.
type AuthConfig struct {
	KeyID         string `mapstructure:"key_id"`
	PublicKeyFile string `mapstructure:"public_key_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "localhost:9233")
	v.SetDefault("temporal.address", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", engine.RunTaskQueueName)
	v.SetDefault("temporal.run_timeout", "10m")
	v.SetDefault("registration.project", "default")
	v.SetDefault("registration.domain", "development")
	v.SetDefault("registration.version", "dev")
	v.SetDefault("registration.image", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("auth.key_id", "taskflow")
	v.SetDefault("auth.public_key_file", "")
}

func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("error unmarshaling default config: %v", err))
	}
	return &config
}

// Load reads the configuration. An empty configFile searches the working
// directory and $HOME/.config/taskflow for a config.yaml; a missing file is
// not an error.
func Load(configFile string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/taskflow")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// Logger returns a logger configured with the level and format of c.
func (c *Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("error parsing log level: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return logger, nil
}

// RegistrationSettings returns the settings templates are registered with.
func (c *Config) RegistrationSettings() v1.RegistrationSettings {
	return v1.RegistrationSettings{
		Project: c.Registration.Project,
		Domain:  c.Registration.Domain,
		Version: c.Registration.Version,
		Image:   c.Registration.Image,
	}
}

// PublicKey reads the PEM encoded public key that server tokens are verified
// with. It returns nil when no key file is configured.
func (c *Config) PublicKey() (crypto.PublicKey, error) {
	if c.Auth.PublicKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Auth.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error reading public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", c.Auth.PublicKeyFile)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing public key: %w", err)
	}
	return key, nil
}
