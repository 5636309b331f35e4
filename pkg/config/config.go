package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/namegate/namegate/pkg/db"
)

type Config struct {
	Gateway struct {
		ListenAddr      string        `mapstructure:"listen_addr"`
		LogLevel        string        `mapstructure:"log_level"`
		FreshnessWindow time.Duration `mapstructure:"freshness_window"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	} `mapstructure:"gateway"`

	Origin struct {
		RPCEndpoint     string        `mapstructure:"rpc_endpoint"`
		RegistryAddr    string        `mapstructure:"registry_addr"`
		ResolverAddr    string        `mapstructure:"resolver_addr"`
		TransactorKey   string        `mapstructure:"transactor_key"`
		DescriptorTTL   time.Duration `mapstructure:"descriptor_ttl"`
		DescriptorCache int           `mapstructure:"descriptor_cache"`
	} `mapstructure:"origin"`

	Starknet struct {
		RPCEndpoint string `mapstructure:"rpc_endpoint"`
	} `mapstructure:"starknet"`

	Timeouts struct {
		Resolve   time.Duration `mapstructure:"resolve"`
		Authorize time.Duration `mapstructure:"authorize"`
		Apply     time.Duration `mapstructure:"apply"`
	} `mapstructure:"timeouts"`

	Recordstore struct {
		ListenAddr string `mapstructure:"listen_addr"`
		LogLevel   string `mapstructure:"log_level"`
	} `mapstructure:"recordstore"`

	Database struct {
		DSN               string        `mapstructure:"dsn"`
		MaxConns          int32         `mapstructure:"max_conns"`
		MinConns          int32         `mapstructure:"min_conns"`
		ConnLifetime      time.Duration `mapstructure:"conn_lifetime"`
		HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	} `mapstructure:"database"`
}

// DB adapts the database section into the pool settings pkg/db consumes.
func (c *Config) DB() db.Config {
	return db.Config{
		DSN:               c.Database.DSN,
		MaxConns:          c.Database.MaxConns,
		MinConns:          c.Database.MinConns,
		ConnLifetime:      c.Database.ConnLifetime,
		HealthCheckPeriod: c.Database.HealthCheckPeriod,
	}
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("NAMEGATE")

	v.SetDefault("gateway.listen_addr", ":8090")
	v.SetDefault("gateway.log_level", "info")
	v.SetDefault("gateway.freshness_window", 5*time.Minute)
	v.SetDefault("gateway.max_body_bytes", 1<<20)
	v.SetDefault("origin.descriptor_ttl", time.Minute)
	v.SetDefault("origin.descriptor_cache", 1024)
	v.SetDefault("timeouts.resolve", 5*time.Second)
	v.SetDefault("timeouts.authorize", 5*time.Second)
	v.SetDefault("timeouts.apply", 15*time.Second)
	v.SetDefault("recordstore.listen_addr", ":8091")
	v.SetDefault("recordstore.log_level", "info")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_lifetime", 30*time.Minute)
	v.SetDefault("database.health_check_period", 30*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}
