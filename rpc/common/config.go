package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Transport configuration struct
// --------------------------------------------------------------------------

// TransportConfig holds the settings shared by server and client transports.
type TransportConfig struct {
	// Endpoint is the address to listen on (server) or to connect to (client).
	// A socket path for the unix transport, a base url for the http client.
	Endpoint string

	// WorkersPerConn limits the requests processed in parallel per connection
	WorkersPerConn int
	// BufferSize is the size of the pooled read buffers
	BufferSize int

	// socket settings (tcp only)
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// StoreType selects the store implementation of the server
type StoreType string

const (
	StoreTypeRedis  StoreType = "redis"
	StoreTypeMemory StoreType = "memory"
)

// ServerConfig holds all configuration parameters of the lock broker.
type ServerConfig struct {
	Transport TransportConfig

	// Store settings
	Store         StoreType
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Lock settings
	LeaseSecond int64
	Channel     string

	// UnbindOnDisconnect removes the session binding of a connection once the
	// transport reports it closed
	UnbindOnDisconnect bool

	// TimeoutSecond bounds the store calls of a single request and writes to
	// a connection
	TimeoutSecond int64

	// MetricsEndpoint serves /metrics and /health, empty disables it
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// Lease returns the configured lease as duration
func (c *ServerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSecond) * time.Second
}

// Timeout returns the configured timeout as duration
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Workers Per Connection", strconv.Itoa(c.Transport.WorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Unbind On Disconnect", strconv.FormatBool(c.UnbindOnDisconnect))

	// Store
	addSection("Store")
	addField("Type", string(c.Store))
	if c.Store == StoreTypeRedis {
		addField("Address", c.RedisAddr)
		addField("Database", strconv.Itoa(c.RedisDB))
		addField("Key Prefix", c.RedisPrefix)
	}

	// Locks
	addSection("Locks")
	addField("Lease", fmt.Sprintf("%d sec", c.LeaseSecond))
	addField("Release Channel", c.Channel)

	// Observability
	addSection("Observability")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the settings of a lock client.
type ClientConfig struct {
	Transport TransportConfig
	// TimeoutSecond bounds a single request
	TimeoutSecond int
	// RetryCount is the number of connection attempts
	RetryCount int
}

// Timeout returns the configured timeout as duration
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	return sb.String()
}
