// Package config loads the Fabric's process configuration (spec.md §6):
// the storage, protocol, executor, and sharding sections, plus the
// logging section carried by every ambient stack. Uses gopkg.in/yaml.v3,
// the same YAML library already in the teacher's dependency graph.
package config

import (
	"fmt"
	"os"

	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"gopkg.in/yaml.v3"
)

// StorageConfig points at the MetadataStore's backing BoltDB file.
type StorageConfig struct {
	Address string `yaml:"address"`
}

// ProtocolConfig is the address the transport listens on.
type ProtocolConfig struct {
	Address string `yaml:"address"`
}

// ExecutorConfig sizes the Executor's worker pool.
type ExecutorConfig struct {
	NWorkers int `yaml:"nworkers"`
}

// ShardingConfig names the external dump/restore programs ShardLifecycle
// shells out to when moving or splitting shard data.
type ShardingConfig struct {
	MySQLDumpProgram   string `yaml:"mysqldump_program"`
	MySQLClientProgram string `yaml:"mysqlclient_program"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// Config is the top-level configuration document.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Sharding  ShardingConfig  `yaml:"sharding"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a Config usable for local development and tests.
func Default() Config {
	return Config{
		Storage:  StorageConfig{Address: "fabric.db"},
		Protocol: ProtocolConfig{Address: "127.0.0.1:32274"},
		Executor: ExecutorConfig{NWorkers: 8},
		Sharding: ShardingConfig{
			MySQLDumpProgram:   "mysqldump",
			MySQLClientProgram: "mysql",
		},
		Log: LogConfig{Level: "info", JSONOutput: false},
	}
}

// Load reads and validates a YAML configuration file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ferrors.Wrap(ferrors.KindConfiguration, "read config file", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, ferrors.Wrap(ferrors.KindConfiguration, "parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c Config) Validate() error {
	if c.Storage.Address == "" {
		return ferrors.New(ferrors.KindConfiguration, "storage.address must not be empty")
	}
	if c.Protocol.Address == "" {
		return ferrors.New(ferrors.KindConfiguration, "protocol.address must not be empty")
	}
	if c.Executor.NWorkers <= 0 {
		return ferrors.New(ferrors.KindConfiguration, "executor.nworkers must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ferrors.New(ferrors.KindConfiguration, fmt.Sprintf("log.level %q is not recognized", c.Log.Level))
	}
	return nil
}

// LogLevel converts the configured level string to a log.Level.
func (c Config) LogLevel() log.Level {
	switch c.Log.Level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
