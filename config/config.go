package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	MinPort = 1024
	MaxPort = 65535
)

type Config struct {
	Addr           string
	Port           int
	DB             string // SQLite path or postgres:// URL
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	MaxMessageSize int
	ControlSocket  string
}

// Error reports a configuration value that failed validation.
type Error struct {
	Field  string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func Default() *Config {
	return &Config{
		Addr:           "",
		Port:           7777,
		DB:             "jim.db",
		ReadTimeout:    120 * time.Second,
		WriteTimeout:   30 * time.Second,
		PollInterval:   time.Second,
		MaxMessageSize: 64 * 1024,
		ControlSocket:  "/tmp/jim.sock",
	}
}

// Load reads JIM_* environment variables over the defaults and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if addr, ok := os.LookupEnv("JIM_ADDR"); ok {
		cfg.Addr = addr
	}

	if portStr := os.Getenv("JIM_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, &Error{Field: "port", Value: portStr, Reason: "not a number"}
		}
		cfg.Port = port
	}

	if dbPath := os.Getenv("JIM_DB"); dbPath != "" {
		cfg.DB = dbPath
	}

	if timeoutStr := os.Getenv("JIM_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = time.Duration(timeout) * time.Second
		}
	}

	if timeoutStr := os.Getenv("JIM_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = time.Duration(timeout) * time.Second
		}
	}

	if pollStr := os.Getenv("JIM_POLL_INTERVAL_MS"); pollStr != "" {
		if poll, err := strconv.Atoi(pollStr); err == nil {
			cfg.PollInterval = time.Duration(poll) * time.Millisecond
		}
	}

	if sizeStr := os.Getenv("JIM_MAX_MESSAGE_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			cfg.MaxMessageSize = size
		}
	}

	if sock := os.Getenv("JIM_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := ValidatePort(c.Port); err != nil {
		return err
	}
	if c.DB == "" {
		return &Error{Field: "db", Value: c.DB, Reason: "must not be empty"}
	}
	if c.ReadTimeout <= 0 {
		return &Error{Field: "read timeout", Value: c.ReadTimeout.String(), Reason: "must be positive"}
	}
	if c.WriteTimeout <= 0 {
		return &Error{Field: "write timeout", Value: c.WriteTimeout.String(), Reason: "must be positive"}
	}
	if c.PollInterval <= 0 {
		return &Error{Field: "poll interval", Value: c.PollInterval.String(), Reason: "must be positive"}
	}
	if c.MaxMessageSize <= 0 {
		return &Error{Field: "max message size", Value: strconv.Itoa(c.MaxMessageSize), Reason: "must be positive"}
	}
	return nil
}

// ValidatePort accepts only unprivileged TCP ports.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return &Error{
			Field:  "port",
			Value:  strconv.Itoa(port),
			Reason: fmt.Sprintf("must be between %d and %d", MinPort, MaxPort),
		}
	}
	return nil
}
