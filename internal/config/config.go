// Package config reads the relay's environment-variable-driven
// configuration. The relay runs unattended under a process supervisor,
// so every setting is an UPPER_SNAKE_CASE environment variable rather
// than a CLI flag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every relay-side setting.
type Config struct {
	Host string
	Port uint16

	MaxMessageSize int

	MessageExpiry       time.Duration
	MessageRateWindow   time.Duration
	MessageRateMax      int
	HandshakeRatePerMin int

	MaxSessions       int
	MaxStoredMessages int

	NonceTTL      time.Duration
	NonceCapacity int

	ServerIdentityKeyPath string
	DatabasePath          string
}

// Default returns the configuration with every default value applied.
func Default() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		MaxMessageSize:        1_048_576,
		MessageExpiry:         7 * 24 * time.Hour,
		MessageRateWindow:     60 * time.Second,
		MessageRateMax:        100,
		HandshakeRatePerMin:   10,
		MaxSessions:           10_000,
		MaxStoredMessages:     10_000,
		NonceTTL:              300 * time.Second,
		NonceCapacity:         100_000,
		ServerIdentityKeyPath: "./data/server-identity.key",
		DatabasePath:          "./data/securemsg-relay.db",
	}
}

// FromEnv layers environment variable overrides onto Default.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if err := envUint16(&cfg.Port, "PORT"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.MaxMessageSize, "MAX_MESSAGE_SIZE"); err != nil {
		return Config{}, err
	}
	if err := envDurationMs(&cfg.MessageExpiry, "MESSAGE_EXPIRY"); err != nil {
		return Config{}, err
	}
	if err := envDurationMs(&cfg.MessageRateWindow, "MESSAGE_RATE_WINDOW"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.MessageRateMax, "MESSAGE_RATE_MAX"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.HandshakeRatePerMin, "HANDSHAKE_RATE_PER_MIN"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.MaxSessions, "MAX_SESSIONS"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.MaxStoredMessages, "MAX_STORED_MESSAGES"); err != nil {
		return Config{}, err
	}
	if err := envDurationMs(&cfg.NonceTTL, "NONCE_TTL"); err != nil {
		return Config{}, err
	}
	if err := envInt(&cfg.NonceCapacity, "NONCE_CAPACITY"); err != nil {
		return Config{}, err
	}
	if v, ok := os.LookupEnv("SERVER_IDENTITY_KEY_PATH"); ok {
		cfg.ServerIdentityKeyPath = v
	}
	if v, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}

	return cfg, nil
}

func envInt(dst *int, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envUint16(dst *uint16, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = uint16(n)
	return nil
}

// envDurationMs reads name as a millisecond integer; every timing key
// is expressed in milliseconds.
func envDurationMs(dst *time.Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

// Addr returns the host:port listen address for net.Listen/http.Server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
