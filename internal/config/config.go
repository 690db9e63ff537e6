package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	CSC       CSCConfig       `mapstructure:"csc"`
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type CSCConfig struct {
	Index             int           `mapstructure:"index"`
	SimulationMode    bool          `mapstructure:"simulation_mode"`
	SettingsDir       string        `mapstructure:"settings_dir"`
	SettingsLabel     string        `mapstructure:"settings_label"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`
	StateInterval     time.Duration `mapstructure:"state_interval"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TransportConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BufferBudget   time.Duration `mapstructure:"buffer_budget"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("csc.index", 1)
	v.SetDefault("csc.simulation_mode", false)
	v.SetDefault("csc.settings_dir", "configs/settings")
	v.SetDefault("csc.settings_label", DefaultSettingsLabel)
	v.SetDefault("csc.telemetry_interval", "200ms")
	v.SetDefault("csc.state_interval", "200ms")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("transport.command_timeout", "2s")
	v.SetDefault("transport.connect_timeout", "30s")
	v.SetDefault("transport.buffer_budget", "600s")
	v.SetDefault("transport.poll_interval", "10ms")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "ELM_JWT_SECRET")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "electrometer")

	v.SetDefault("log.development", false)
}

// Load reads the process configuration. A missing file is not an error, the
// defaults then apply. Flags override the file and ELM_* environment
// variables override both.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ELM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, flag := range map[string]string{
			"csc.index":           "index",
			"csc.simulation_mode": "simulate",
			"csc.settings_label":  "settings-label",
		} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.CSC.Index <= 0 {
		return nil, fmt.Errorf("csc.index must be positive, got %d", config.CSC.Index)
	}

	return &config, nil
}

// GetJWTSecret reads the token secret from the configured environment variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "ELM_JWT_SECRET"
	}
	return os.Getenv(envVar)
}

// IsProductionReady reports whether the secret is long enough to sign tokens.
func (a *AuthConfig) IsProductionReady() bool {
	return len(a.GetJWTSecret()) >= 32
}
