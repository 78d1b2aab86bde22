package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database   *DatabaseConfig   `json:"database"`
	HTTP       *HTTPConfig       `json:"http"`
	WebSocket  *WebSocketConfig  `json:"websocket"`
	Auth       *AuthConfig       `json:"auth"`
	Attendance *AttendanceConfig `json:"attendance"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// AuthConfig signs and verifies the bearer tokens used on REST and the live channel
type AuthConfig struct {
	Secret   string        `json:"-"`
	Issuer   string        `json:"issuer"`
	TokenTTL time.Duration `json:"token_ttl"`
}

// AttendanceConfig holds session-level knobs
type AttendanceConfig struct {
	// MessagesPerMinute bounds channel messages per connection
	MessagesPerMinute int `json:"messages_per_minute"`
	// RosterFile seeds classes and enrollments at startup when set
	RosterFile string `json:"roster_file"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/classbeacon.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			Issuer:   "classbeacon",
			TokenTTL: 12 * time.Hour,
		},
		Attendance: &AttendanceConfig{
			MessagesPerMinute: 100,
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 asks the OS for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	// TECHNICAL DISCOVERY: HS256 keys shorter than the hash output are brute-forceable
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth secret must be at least 32 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Attendance == nil {
		return fmt.Errorf("attendance configuration is required")
	}
	if c.Attendance.MessagesPerMinute <= 0 {
		return fmt.Errorf("messages per minute must be positive")
	}

	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win; a missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variables override defaults with fallback
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envInt("CLASSBEACON_HTTP_PORT", &config.HTTP.Port)
	envString("CLASSBEACON_HTTP_HOST", &config.HTTP.Host)
	envDuration("CLASSBEACON_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("CLASSBEACON_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envString("CLASSBEACON_DATABASE_PATH", &config.Database.Path)
	envDuration("CLASSBEACON_DATABASE_TIMEOUT", &config.Database.Timeout)

	envDuration("CLASSBEACON_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("CLASSBEACON_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("CLASSBEACON_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("CLASSBEACON_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envString("CLASSBEACON_AUTH_SECRET", &config.Auth.Secret)
	envString("CLASSBEACON_AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("CLASSBEACON_AUTH_TOKEN_TTL", &config.Auth.TokenTTL)

	envInt("CLASSBEACON_ATTENDANCE_MESSAGES_PER_MINUTE", &config.Attendance.MessagesPerMinute)
	envString("CLASSBEACON_ATTENDANCE_ROSTER_FILE", &config.Attendance.RosterFile)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("config: ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Printf("config: ignoring %s=%q: %v", key, v, err)
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Auth *struct {
		Issuer   string `json:"issuer"`
		TokenTTL string `json:"token_ttl"`
	} `json:"auth"`
	Attendance *struct {
		MessagesPerMinute int    `json:"messages_per_minute"`
		RosterFile        string `json:"roster_file"`
	} `json:"attendance"`
}

// applyTo overlays the file's non-empty values on config
func (f *ConfigFile) applyTo(config *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v string) {
		if v == "" {
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}

	if f.Database != nil {
		setString(&config.Database.Path, f.Database.Path)
		setDuration(&config.Database.Timeout, f.Database.Timeout)
	}
	if f.HTTP != nil {
		setInt(&config.HTTP.Port, f.HTTP.Port)
		setString(&config.HTTP.Host, f.HTTP.Host)
		setDuration(&config.HTTP.ReadTimeout, f.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, f.HTTP.WriteTimeout)
	}
	if f.WebSocket != nil {
		setInt(&config.WebSocket.BufferSize, f.WebSocket.BufferSize)
		setDuration(&config.WebSocket.PingInterval, f.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, f.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, f.WebSocket.WriteTimeout)
	}
	if f.Auth != nil {
		setString(&config.Auth.Issuer, f.Auth.Issuer)
		setDuration(&config.Auth.TokenTTL, f.Auth.TokenTTL)
	}
	if f.Attendance != nil {
		setInt(&config.Attendance.MessagesPerMinute, f.Attendance.MessagesPerMinute)
		setString(&config.Attendance.RosterFile, f.Attendance.RosterFile)
	}
}

// LoadFromFile overlays a JSON file on base. The auth secret is never read
// from the file; it only comes from the environment.
func LoadFromFile(filepath string, base *Config) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	if base == nil {
		base = DefaultConfig()
	}
	configFile.applyTo(base)

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return base, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath, LoadFromEnv()); err == nil {
			config = fileConfig
		} else {
			log.Printf("config: using environment and defaults: %v", err)
		}
	}

	return config
}
