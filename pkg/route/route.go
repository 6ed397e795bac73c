// Package route defines the route model and its configuration
// representation. A route is the pooling equivalence class for one
// (database, user, storage) triple: it owns a server pool and a cached
// parameter map.
package route

import (
	"sync"
	"time"
)

// PoolMode selects how a server is returned to the pool.
type PoolMode string

const (
	// PoolSession holds the server for the whole client session; it is
	// only returned on disconnect.
	PoolSession PoolMode = "session"
	// PoolTransaction returns the server to the pool at every
	// transaction boundary (a ReadyForQuery reporting idle); pin reasons
	// other than an open transaction do not hold the server.
	PoolTransaction PoolMode = "transaction"
)

// StorageType selects whether a route forwards to a real upstream server
// or is served entirely by the local console handler.
type StorageType string

const (
	StorageRemote StorageType = "remote"
	StorageLocal  StorageType = "local"
)

// Config is the YAML-backed configuration for one route.
type Config struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxConnections    int           `yaml:"max_connections"`
	MinIdle           int           `yaml:"min_idle"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`

	PoolMode       PoolMode    `yaml:"pool_mode"`
	StorageType    StorageType `yaml:"storage_type"`
	ClientFwdError bool        `yaml:"client_fwd_error"`

	paramsMu sync.Mutex
	params   map[string]string
}

// CachedParameters returns a copy of the route's cached backend
// parameter map, populated by the first successful backend startup on
// this route and then treated as a stable advertised set.
func (c *Config) CachedParameters() map[string]string {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// SetCachedParameters installs the route's parameter cache the first
// time a backend startup populates it.
func (c *Config) SetCachedParameters(params map[string]string) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	if c.params == nil {
		c.params = make(map[string]string, len(params))
	}
	for k, v := range params {
		c.params[k] = v
	}
}

// Addr returns the host:port address of the upstream server.
func (c *Config) Addr() string {
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to a string without importing strconv at package
// level.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + itoa(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
