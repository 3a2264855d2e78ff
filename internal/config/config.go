// Package config loads evergraph settings from an optional YAML file and
// EVERGRAPH_* environment variables, with sane defaults for local use.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evergraph/evergraph/internal/types"
)

// Config is the full runtime configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Graph     Graph     `mapstructure:"graph"`
	Redis     Redis     `mapstructure:"redis"`
	Vector    Vector    `mapstructure:"vector"`
	Paths     Paths     `mapstructure:"paths"`
	Log       Log       `mapstructure:"log"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxUploadBytes bounds import file size.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// Graph configures the backing graph store.
type Graph struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Space    string `mapstructure:"space"`
	Sessions int    `mapstructure:"sessions"`
}

// Redis configures the event bus; disabled when Addr is empty.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Vector names the embedding-store collaborator. The endpoint is passed
// through to the health surface only; nothing here dials it.
type Vector struct {
	Addr string `mapstructure:"addr"`
}

// Paths locate the schema and spec directories.
type Paths struct {
	Schemas string `mapstructure:"schemas"`
	Specs   string `mapstructure:"specs"`
}

// Log configures logging output.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Telemetry configures metrics export.
type Telemetry struct {
	Enabled bool `mapstructure:"enabled"`
	Stdout  bool `mapstructure:"stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8087")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", int64(64<<20))

	v.SetDefault("graph.host", "127.0.0.1")
	v.SetDefault("graph.port", 9669)
	v.SetDefault("graph.user", "root")
	v.SetDefault("graph.password", "nebula")
	v.SetDefault("graph.space", "evergraph")
	v.SetDefault("graph.sessions", 4)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "evergraph.events")

	v.SetDefault("vector.addr", "")

	v.SetDefault("paths.schemas", "schemas")
	v.SetDefault("paths.specs", "specs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
}

// Load reads configuration. An explicit path must exist; otherwise
// evergraph.yaml is searched in the working directory and /etc/evergraph,
// and its absence is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EVERGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Validationf("read config %s: %v", path, err)
		}
	} else {
		v.SetConfigName("evergraph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/evergraph")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, types.Validationf("read config: %v", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.Validationf("parse config: %v", err)
	}
	return &cfg, nil
}
