// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Repository types.
const (
	RepositoryMemory = "memory"
	RepositorySQLite = "sqlite"
	RepositoryEtcd   = "etcd"
)

// Config holds all configuration of the daemon.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Product    ProductConfig    `mapstructure:"product"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	ConfigFile string `mapstructure:"config_file" validate:"required"`
}

type ExecutionConfig struct {
	WorkerCount int           `mapstructure:"worker_count" validate:"gte=1"`
	QueueMax    int           `mapstructure:"queue_max" validate:"gte=1"`
	Watcher     WatcherConfig `mapstructure:"watcher"`
}

type WatcherConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	Delay        time.Duration `mapstructure:"delay" validate:"gt=0"`
}

type TriggerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	Delay        time.Duration `mapstructure:"delay" validate:"gt=0"`
}

type WorkspaceConfig struct {
	RootFolder        string `mapstructure:"root_folder" validate:"required"`
	AutoCleanDisabled bool   `mapstructure:"autoclean_disabled"`
	Encoding          string `mapstructure:"encoding" validate:"required"`
}

type ProductConfig struct {
	TimeoutMinutes    int `mapstructure:"timeout_minutes"`
	TimeoutMaxMinutes int `mapstructure:"timeout_max_minutes" validate:"gte=1"`
}

type RepositoryConfig struct {
	Type       string `mapstructure:"type" validate:"oneof=memory sqlite etcd"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Type sqlite"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// EnvPrefix prefixes every environment variable, e.g. PDS_EXECUTION_WORKER_COUNT.
const EnvPrefix = "PDS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.config_file", "./pds-config.json")
	v.SetDefault("execution.worker_count", 5)
	v.SetDefault("execution.queue_max", 50)
	v.SetDefault("execution.watcher.initial_delay", "300ms")
	v.SetDefault("execution.watcher.delay", "1s")
	v.SetDefault("trigger.enabled", true)
	v.SetDefault("trigger.initial_delay", "3s")
	v.SetDefault("trigger.delay", "5s")
	v.SetDefault("workspace.root_folder", "./")
	v.SetDefault("workspace.autoclean_disabled", false)
	v.SetDefault("workspace.encoding", "UTF-8")
	v.SetDefault("product.timeout_minutes", 120)
	v.SetDefault("product.timeout_max_minutes", 4320)
	v.SetDefault("repository.type", RepositoryMemory)
	v.SetDefault("repository.sqlite_path", "./pds.db")
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("http.listen_addr", ":8444")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads configuration from file and environment variables. With an
// empty path a pds.yaml in ./configs or the working directory is used when
// present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pds")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file, defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Repository.Type == RepositoryEtcd && len(c.Etcd.Endpoints) == 0 {
		return errors.New("invalid config: etcd repository needs at least one endpoint")
	}
	return nil
}
