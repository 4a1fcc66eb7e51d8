package config

import (
	"net"
	"strconv"
	"time"

	"github.com/HMasataka/familyrelay/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	KeepAlive KeepAliveConfig `json:"keepalive" yaml:"keepalive"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port" envconfig:"PORT"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" split_words:"true"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" split_words:"true"`
}

// WebSocketConfig represents per-connection transport limits
type WebSocketConfig struct {
	ReadBufferSize  int           `json:"read_buffer_size" yaml:"read_buffer_size" split_words:"true"`
	WriteBufferSize int           `json:"write_buffer_size" yaml:"write_buffer_size" split_words:"true"`
	MaxMessageSize  int64         `json:"max_message_size" yaml:"max_message_size" split_words:"true"`
	SendBufferSize  int           `json:"send_buffer_size" yaml:"send_buffer_size" split_words:"true"`
	PingInterval    time.Duration `json:"ping_interval" yaml:"ping_interval" split_words:"true"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" split_words:"true"`
}

// RelayConfig represents event routing options
type RelayConfig struct {
	// RequireMembership drops events whose sender has not joined the
	// family they address.
	RequireMembership bool `json:"require_membership" yaml:"require_membership" split_words:"true"`
}

// KeepAliveConfig represents the self-ping configuration
type KeepAliveConfig struct {
	ExternalHost string        `json:"external_host" yaml:"external_host" envconfig:"RENDER_EXTERNAL_HOSTNAME"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageSize:  1024 * 1024, // audio chunks
			SendBufferSize:  256,
			PingInterval:    25 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		KeepAlive: KeepAliveConfig{
			Interval: 10 * time.Minute,
			Timeout:  30 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	if c.WebSocket.SendBufferSize <= 0 {
		return NewConfigError("websocket.send_buffer_size", "must be positive")
	}

	if c.WebSocket.MaxMessageSize <= 0 {
		return NewConfigError("websocket.max_message_size", "must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return NewConfigError("websocket.ping_interval", "must be positive")
	}

	if c.WebSocket.ReadTimeout <= 0 {
		return NewConfigError("websocket.read_timeout", "must be positive")
	}

	if c.WebSocket.WriteTimeout <= 0 {
		return NewConfigError("websocket.write_timeout", "must be positive")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return NewConfigError("websocket.ping_interval", "must be shorter than read_timeout")
	}

	if c.KeepAlive.ExternalHost != "" && c.KeepAlive.Interval <= 0 {
		return NewConfigError("keepalive.interval", "must be positive when external_host is set")
	}

	return nil
}
