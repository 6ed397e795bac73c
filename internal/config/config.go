// Package config handles loading and validating proxy and route
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mateus-silva/pgpool/pkg/route"
	"gopkg.in/yaml.v3"
)

// ProxyConfig holds the main proxy configuration.
type ProxyConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	ListenPort          int           `yaml:"listen_port"`
	InstanceID          string        `yaml:"instance_id"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`

	// PacketWriteQueue is loaded and defaulted but not read by the relay,
	// which writes each client message to the server in one write once it
	// is complete; no flush threshold applies.
	PacketWriteQueue int `yaml:"packet_write_queue"`

	// Logging gates. LogSession and LogQuery are consulted directly by the
	// frontend session task so verbosity can be dialed without a rebuild;
	// LogConfig and LogDebug are loaded but gate no log line.
	LogSession bool `yaml:"log_session"`
	LogQuery   bool `yaml:"log_query"`
	LogConfig  bool `yaml:"log_config"`
	LogDebug   bool `yaml:"log_debug"`

	// TLSCertFile/TLSKeyFile, when both set, enable the listener to
	// upgrade a client connection that requests SSL.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is
// unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Routes   []route.Config
}

// proxyFileConfig mirrors the YAML structure of the proxy config file.
type proxyFileConfig struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// routesFileConfig mirrors the YAML structure of the routes config file.
type routesFileConfig struct {
	Routes []route.Config `yaml:"routes"`
}

// Load reads and parses both the proxy and the routes configuration files.
func Load(proxyConfigPath, routesConfigPath string) (*Config, error) {
	proxyData, err := os.ReadFile(proxyConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config %s: %w", proxyConfigPath, err)
	}

	var proxyFile proxyFileConfig
	if err := yaml.Unmarshal(proxyData, &proxyFile); err != nil {
		return nil, fmt.Errorf("parsing proxy config %s: %w", proxyConfigPath, err)
	}

	routesData, err := os.ReadFile(routesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading routes config %s: %w", routesConfigPath, err)
	}

	var routesFile routesFileConfig
	if err := yaml.Unmarshal(routesData, &routesFile); err != nil {
		return nil, fmt.Errorf("parsing routes config %s: %w", routesConfigPath, err)
	}

	cfg := &Config{
		Proxy:    proxyFile.Proxy,
		Redis:    proxyFile.Redis,
		Fallback: proxyFile.Fallback,
		Routes:   routesFile.Routes,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Proxy.ListenPort == 0 {
		return fmt.Errorf("proxy.listen_port is required")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	for i, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("route[%d].id is required", i)
		}
		if r.StorageType == route.StorageLocal {
			continue
		}
		if r.Host == "" {
			return fmt.Errorf("route[%d].host is required", i)
		}
		if r.Port == 0 {
			return fmt.Errorf("route[%d].port is required", i)
		}
		if r.MaxConnections == 0 {
			return fmt.Errorf("route[%d].max_connections is required", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = "0.0.0.0"
	}
	if c.Proxy.SessionTimeout == 0 {
		c.Proxy.SessionTimeout = 5 * time.Minute
	}
	if c.Proxy.IdleTimeout == 0 {
		c.Proxy.IdleTimeout = 60 * time.Second
	}
	if c.Proxy.QueueTimeout == 0 {
		c.Proxy.QueueTimeout = 30 * time.Second
	}
	if c.Proxy.MaxQueueSize == 0 {
		c.Proxy.MaxQueueSize = 1000
	}
	if c.Proxy.HealthCheckInterval == 0 {
		c.Proxy.HealthCheckInterval = 15 * time.Second
	}
	if c.Proxy.HealthCheckPort == 0 {
		c.Proxy.HealthCheckPort = 8080
	}
	if c.Proxy.MetricsPort == 0 {
		c.Proxy.MetricsPort = 9090
	}
	if c.Proxy.PacketWriteQueue == 0 {
		c.Proxy.PacketWriteQueue = 8192
	}
	if c.Proxy.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Proxy.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Routes {
		if c.Routes[i].PoolMode == "" {
			c.Routes[i].PoolMode = route.PoolTransaction
		}
		if c.Routes[i].StorageType == "" {
			c.Routes[i].StorageType = route.StorageRemote
		}
		if c.Routes[i].MinIdle == 0 {
			c.Routes[i].MinIdle = 2
		}
		if c.Routes[i].MaxIdleTime == 0 {
			c.Routes[i].MaxIdleTime = 5 * time.Minute
		}
		if c.Routes[i].ConnectionTimeout == 0 {
			c.Routes[i].ConnectionTimeout = 30 * time.Second
		}
		if c.Routes[i].QueueTimeout == 0 {
			c.Routes[i].QueueTimeout = c.Proxy.QueueTimeout
		}
	}
}

// RouteByID returns the route configuration for a given route ID.
func (c *Config) RouteByID(id string) (*route.Config, bool) {
	for i := range c.Routes {
		if c.Routes[i].ID == id {
			return &c.Routes[i], true
		}
	}
	return nil, false
}

// RouteByDatabase returns the route configuration for a given database
// name — the proxy's primary routing key, since a PostgreSQL startup
// message always carries `database`.
func (c *Config) RouteByDatabase(database string) (*route.Config, bool) {
	for i := range c.Routes {
		if c.Routes[i].Database == database {
			return &c.Routes[i], true
		}
	}
	return nil, false
}
