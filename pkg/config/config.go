// Package config provides configuration management for memlru server and client components.
//
// The package supports configuration through multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (including a local .env file, if present)
//  3. Default values (lowest priority)
//
// Server Configuration:
//   - Host and port binding
//   - Cache capacity in bytes and worker count
//   - Protocol limits for keys and frame bodies
//   - Optional I/O deadlines, log level and metrics endpoint
//
// Client Configuration:
//   - Node list and connection pooling
//   - Retry policy and timeouts
//   - Consistent hashing parameters
//
// Example server usage:
//
//	cfg, err := config.LoadServerConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Environment variables are prefixed with "MEMLRU_" and use uppercase names.
// For example, the server port can be set with MEMLRU_PORT=11211.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Default server configuration constants
const (
	DefaultServerPort       = 11211
	DefaultCapacityBytes    = 64 << 20
	DefaultWorkers          = 4
	DefaultMaxKeyLength     = 250
	DefaultMaxBodyLength    = 1 << 20
	DefaultMaxConnsPerNode  = 10
	DefaultConnTimeoutSecs  = 5
	DefaultClientReadSecs   = 30
	DefaultClientWriteSecs  = 10
	DefaultRetryAttempts    = 3
	DefaultVirtualNodes     = 150
	EnvPrefix               = "MEMLRU_"
	maxPort                 = 65535
	maxProtocolKeyLength    = 0xFFFF
	maxProtocolExtrasLength = 0xFF
)

// ServerConfig holds all configuration options for a memlru server instance.
//
// Configuration sources (in order of precedence):
//  1. Command-line flags: -port, -host, -capacity, -workers, etc.
//  2. Environment variables: MEMLRU_PORT, MEMLRU_CAPACITY_BYTES, etc.
//  3. Default values
type ServerConfig struct {
	Host          string // Host address to bind to (default: "0.0.0.0")
	LogLevel      string // Log level: debug, info, warn, error (default: "info")
	MetricsAddr   string // Address for the Prometheus /metrics endpoint; empty disables it
	Port          int    // TCP port to listen on (default: 11211)
	CapacityBytes int    // Cache budget for values and flags (default: 64 MiB)
	Workers       int    // Worker pool size (default: 4)
	MaxKeyLength  int    // Largest accepted key (default: 250)
	MaxBodyLength int    // Largest accepted request body (default: 1 MiB)
	ReadTimeout   int    // Deadline in seconds for a started request header and its body; 0 means none (default: 0)
	WriteTimeout  int    // Response write deadline in seconds; 0 means none (default: 0)
}

// ClientConfig holds all configuration options for a memlru client instance.
//
// Example:
//
//	cfg := &ClientConfig{
//		Nodes:           []string{"cache1:11211", "cache2:11211"},
//		MaxConnsPerNode: 20,
//		RetryAttempts:   3,
//	}
//	c, err := client.NewWithConfig(cfg)
type ClientConfig struct {
	Nodes           []string // List of server addresses (default: ["localhost:11211"])
	MaxConnsPerNode int      // Max connections per server node (default: 10)
	ConnTimeout     int      // Connection timeout in seconds (default: 5)
	ReadTimeout     int      // Read timeout in seconds (default: 30)
	WriteTimeout    int      // Write timeout in seconds (default: 10)
	RetryAttempts   int      // Number of retry attempts (default: 3)
	VirtualNodes    int      // Virtual nodes for consistent hashing (default: 150)
	MaxBodyLength   int      // Largest accepted response body (default: 1 MiB)
}

// DefaultServerConfig returns a ServerConfig populated with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:          "0.0.0.0",
		Port:          DefaultServerPort,
		CapacityBytes: DefaultCapacityBytes,
		Workers:       DefaultWorkers,
		MaxKeyLength:  DefaultMaxKeyLength,
		MaxBodyLength: DefaultMaxBodyLength,
		LogLevel:      "info",
	}
}

// LoadServerConfig creates a ServerConfig from defaults, environment variables
// and the given command-line arguments.
//
// A .env file in the working directory is loaded first; variables already set
// in the process environment win over it.
//
// Command-line flags:
//
//	-host: Server host (default: "0.0.0.0")
//	-port: Server port (default: 11211)
//	-capacity: Cache capacity in bytes (default: 67108864)
//	-workers: Worker pool size (default: 4)
//	-max-key: Maximum key length (default: 250)
//	-max-body: Maximum request body length (default: 1048576)
//	-read-timeout: Deadline for a started request header and its body in seconds, 0 for none
//	-write-timeout: Response write deadline in seconds, 0 for none
//	-log-level: Log level (default: "info")
//	-metrics-addr: Prometheus listen address (default: disabled)
//
// Environment variables:
//
//	MEMLRU_HOST, MEMLRU_PORT, MEMLRU_CAPACITY_BYTES, MEMLRU_WORKERS,
//	MEMLRU_MAX_KEY_LENGTH, MEMLRU_MAX_BODY_LENGTH, MEMLRU_READ_TIMEOUT,
//	MEMLRU_WRITE_TIMEOUT, MEMLRU_LOG_LEVEL, MEMLRU_METRICS_ADDR
//
// Returns:
//   - ServerConfig with values loaded from the sources above
//   - Error if the .env file is unreadable, a variable is malformed, or flag parsing fails
func LoadServerConfig(args []string) (*ServerConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	config := DefaultServerConfig()
	if err := config.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	flags := flag.NewFlagSet("memlru-server", flag.ContinueOnError)
	flags.StringVar(&config.Host, "host", config.Host, "Server host")
	flags.IntVar(&config.Port, "port", config.Port, "Server port")
	flags.IntVar(&config.CapacityBytes, "capacity", config.CapacityBytes, "Cache capacity in bytes")
	flags.IntVar(&config.Workers, "workers", config.Workers, "Worker pool size")
	flags.IntVar(&config.MaxKeyLength, "max-key", config.MaxKeyLength, "Maximum key length in bytes")
	flags.IntVar(&config.MaxBodyLength, "max-body", config.MaxBodyLength, "Maximum request body length in bytes")
	flags.IntVar(&config.ReadTimeout, "read-timeout", config.ReadTimeout, "Deadline for a started request header and its body in seconds (0 = none)")
	flags.IntVar(&config.WriteTimeout, "write-timeout", config.WriteTimeout, "Response write deadline in seconds (0 = none)")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&config.MetricsAddr, "metrics-addr", config.MetricsAddr, "Prometheus metrics listen address (empty = disabled)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *ServerConfig) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvPrefix + "HOST"); v != "" {
		c.Host = v
	}
	if v := getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvPrefix + "METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &c.Port},
		{"CAPACITY_BYTES", &c.CapacityBytes},
		{"WORKERS", &c.Workers},
		{"MAX_KEY_LENGTH", &c.MaxKeyLength},
		{"MAX_BODY_LENGTH", &c.MaxBodyLength},
		{"READ_TIMEOUT", &c.ReadTimeout},
		{"WRITE_TIMEOUT", &c.WriteTimeout},
	}
	for _, f := range ints {
		if err := envInt(getenv, f.name, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// DefaultClientConfig returns a ClientConfig populated with default values.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Nodes:           []string{fmt.Sprintf("localhost:%d", DefaultServerPort)},
		MaxConnsPerNode: DefaultMaxConnsPerNode,
		ConnTimeout:     DefaultConnTimeoutSecs,
		ReadTimeout:     DefaultClientReadSecs,
		WriteTimeout:    DefaultClientWriteSecs,
		RetryAttempts:   DefaultRetryAttempts,
		VirtualNodes:    DefaultVirtualNodes,
		MaxBodyLength:   DefaultMaxBodyLength,
	}
}

// LoadClientConfig creates a ClientConfig by loading values from environment
// variables, with sensible defaults.
//
// Environment variables:
//
//	MEMLRU_NODES: Comma-separated list of server addresses
//	MEMLRU_MAX_CONNS_PER_NODE: Maximum connections per server
//	MEMLRU_CONN_TIMEOUT: Connection timeout in seconds
//	MEMLRU_READ_TIMEOUT: Read timeout in seconds
//	MEMLRU_WRITE_TIMEOUT: Write timeout in seconds
//	MEMLRU_RETRY_ATTEMPTS: Number of retry attempts
//	MEMLRU_VIRTUAL_NODES: Virtual nodes for consistent hashing
//	MEMLRU_MAX_BODY_LENGTH: Largest accepted response body
func LoadClientConfig() (*ClientConfig, error) {
	config := DefaultClientConfig()
	if err := config.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *ClientConfig) applyEnv(getenv func(string) string) error {
	if nodes := getenv(EnvPrefix + "NODES"); nodes != "" {
		c.Nodes = strings.Split(nodes, ",")
		for i, node := range c.Nodes {
			c.Nodes[i] = strings.TrimSpace(node)
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_CONNS_PER_NODE", &c.MaxConnsPerNode},
		{"CONN_TIMEOUT", &c.ConnTimeout},
		{"READ_TIMEOUT", &c.ReadTimeout},
		{"WRITE_TIMEOUT", &c.WriteTimeout},
		{"RETRY_ATTEMPTS", &c.RetryAttempts},
		{"VIRTUAL_NODES", &c.VirtualNodes},
		{"MAX_BODY_LENGTH", &c.MaxBodyLength},
	}
	for _, f := range ints {
		if err := envInt(getenv, f.name, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// Address returns the full address string for the server to bind to.
//
// Example:
//
//	config := &ServerConfig{Host: "0.0.0.0", Port: 11211}
//	addr := config.Address() // Returns "0.0.0.0:11211"
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 1 and 65535
//   - CapacityBytes and Workers must be positive
//   - MaxKeyLength must be between 1 and 65535
//   - MaxBodyLength must hold the largest key plus the largest extras
//   - ReadTimeout and WriteTimeout must be non-negative
//   - LogLevel must be one of: debug, info, warn, error
//
// Returns:
//   - nil if configuration is valid
//   - Error describing the first validation failure found
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.CapacityBytes < 1 {
		return fmt.Errorf("capacity must be positive: %d", c.CapacityBytes)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive: %d", c.Workers)
	}

	if c.MaxKeyLength < 1 || c.MaxKeyLength > maxProtocolKeyLength {
		return fmt.Errorf("invalid max key length: %d", c.MaxKeyLength)
	}

	if c.MaxBodyLength < c.MaxKeyLength+maxProtocolExtrasLength {
		return fmt.Errorf("max body length %d cannot hold a %d byte key with extras", c.MaxBodyLength, c.MaxKeyLength)
	}

	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must be non-negative: %d", c.ReadTimeout)
	}

	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must be non-negative: %d", c.WriteTimeout)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// Validate checks if the ClientConfig contains valid values.
//
// Validation rules:
//   - At least one node must be specified
//   - All node addresses must be non-empty and contain a colon
//   - MaxConnsPerNode must be positive
//   - All timeout values must be positive
//   - RetryAttempts must be non-negative
//   - VirtualNodes and MaxBodyLength must be positive
func (c *ClientConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node must be specified")
	}

	for _, node := range c.Nodes {
		if node == "" {
			return fmt.Errorf("empty node address")
		}
		if !strings.Contains(node, ":") {
			return fmt.Errorf("invalid node address format: %s", node)
		}
	}

	if c.MaxConnsPerNode < 1 {
		return fmt.Errorf("max connections per node must be positive: %d", c.MaxConnsPerNode)
	}

	if c.ConnTimeout < 1 {
		return fmt.Errorf("connection timeout must be positive: %d", c.ConnTimeout)
	}

	if c.ReadTimeout < 1 {
		return fmt.Errorf("read timeout must be positive: %d", c.ReadTimeout)
	}

	if c.WriteTimeout < 1 {
		return fmt.Errorf("write timeout must be positive: %d", c.WriteTimeout)
	}

	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative: %d", c.RetryAttempts)
	}

	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be positive: %d", c.VirtualNodes)
	}

	if c.MaxBodyLength < 1 {
		return fmt.Errorf("max body length must be positive: %d", c.MaxBodyLength)
	}

	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func envInt(getenv func(string) string, name string, dst *int) error {
	v := getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
	}
	*dst = n
	return nil
}
