// Package config loads the fabric's process configuration surface
// (spec.md §6) via viper, with pflag command-line overrides, grounded on
// viper.go's NewReadInConfig.
package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	fit "github.com/chao243/sharpserver"
)

// RedisConfig is ServiceRegistry.Redis.
type RedisConfig struct {
	ConnectionString string `mapstructure:"connectionString"`
}

// EtcdConfig is ServiceRegistry.Etcd.
type EtcdConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

// ServiceRegistryConfig selects and configures the registry backend.
type ServiceRegistryConfig struct {
	Provider  string      `mapstructure:"provider"` // "Redis" or "Etcd", case-insensitive
	KeyPrefix string      `mapstructure:"keyPrefix"`
	Redis     RedisConfig `mapstructure:"redis"`
	Etcd      EtcdConfig  `mapstructure:"etcd"`
}

// ServerConfig describes this process's own advertised endpoint, for
// self-registration.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    uint16 `mapstructure:"port"`
	Scheme  string `mapstructure:"scheme"`
}

// RetryBackoffConfig is RpcClient.RetryBackoff.
type RetryBackoffConfig struct {
	BaseMs      int64   `mapstructure:"baseMs"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxExponent int     `mapstructure:"maxExponent"`
	MaxMs       int64   `mapstructure:"maxMs"`
}

// RpcClientConfig is the RPC Client Manager's configuration surface.
type RpcClientConfig struct {
	ServiceName              string             `mapstructure:"serviceName"`
	MaxRetries               int                `mapstructure:"maxRetries"`
	MaxConnectionsPerService int                `mapstructure:"maxConnectionsPerService"`
	ConnectionTimeout        time.Duration      `mapstructure:"connectionTimeout"`
	OperationTimeout         time.Duration      `mapstructure:"operationTimeout"`
	EnableTls                bool               `mapstructure:"enableTls"`
	RetryBackoff             RetryBackoffConfig `mapstructure:"retryBackoff"`
}

// RegistrationConfig is the Registration Agent's configuration surface.
type RegistrationConfig struct {
	HeartbeatInterval time.Duration     `mapstructure:"heartbeatInterval"`
	RegistrationTtl   time.Duration     `mapstructure:"registrationTtl"`
	Metadata          map[string]string `mapstructure:"metadata"`
}

// Config is the process-wide configuration surface, per spec.md §6.
type Config struct {
	ServiceRegistry ServiceRegistryConfig `mapstructure:"serviceRegistry"`
	Server          ServerConfig          `mapstructure:"server"`
	RpcClient       RpcClientConfig       `mapstructure:"rpcClient"`
	Registration    RegistrationConfig    `mapstructure:"registration"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serviceRegistry.provider", "Etcd")
	v.SetDefault("serviceRegistry.keyPrefix", "sharpserver")
	v.SetDefault("server.scheme", "http")
	v.SetDefault("rpcClient.maxRetries", 3)
	v.SetDefault("rpcClient.maxConnectionsPerService", 8)
	v.SetDefault("rpcClient.connectionTimeout", 5*time.Second)
	v.SetDefault("rpcClient.operationTimeout", 10*time.Second)
	v.SetDefault("rpcClient.enableTls", false)
	v.SetDefault("rpcClient.retryBackoff.baseMs", 100)
	v.SetDefault("rpcClient.retryBackoff.multiplier", 2.0)
	v.SetDefault("rpcClient.retryBackoff.maxExponent", 5)
	v.SetDefault("rpcClient.retryBackoff.maxMs", 8000)
	v.SetDefault("registration.heartbeatInterval", 30*time.Second)
	v.SetDefault("registration.registrationTtl", 2*time.Minute)
}

// Load reads file into a Config, optionally binding the process's
// command-line flags (via pflag, mirrored from Go's flag package) as
// overrides. Grounded on viper.go's NewReadInConfig(file, isUseParam...).
func Load(file string, bindFlags bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if bindFlags {
		pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
		pflag.Parse()
		if err := v.BindPFlags(pflag.CommandLine); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", file, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Registration.HeartbeatInterval*2 >= cfg.Registration.RegistrationTtl {
		return nil, fmt.Errorf("config: registration.heartbeatInterval (%s) must be less than half of registration.registrationTtl (%s)",
			cfg.Registration.HeartbeatInterval, cfg.Registration.RegistrationTtl)
	}

	return &cfg, nil
}

// LoadForEnv resolves an environment-qualified config file next to base
// (e.g. base "config.yaml" and envVarName "APP_ENV=production" resolves
// to "config.production.yaml") before delegating to Load. Grounded on
// env.go's GetProjectEnv (development/production split, defaulting to
// development with a warning when the variable is unset).
func LoadForEnv(base, envVarName string, bindFlags bool) (*Config, error) {
	env := fit.GetProjectEnv(envVarName)
	ext := filepath.Ext(base)
	qualified := strings.TrimSuffix(base, ext) + "." + string(env) + ext
	return Load(qualified, bindFlags)
}
