package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	A2A      A2AConfig      `json:"a2a"`
	Workflow WorkflowConfig `json:"workflow"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// StoreConfig selects the durable KV backend. Backend is one of
// "memory", "redis" or "postgres".
type StoreConfig struct {
	Backend  string         `json:"backend"`
	Redis    RedisConfig    `json:"redis"`
	Postgres PostgresConfig `json:"postgres"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// A2AConfig tunes agent-to-agent communication.
type A2AConfig struct {
	ProbeTimeoutSeconds    int `json:"probe_timeout_seconds"`
	DelegateTimeoutSeconds int `json:"delegate_timeout_seconds"`
}

// ProbeTimeout returns the health-probe timeout, zero when unset.
func (c A2AConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// DelegateTimeout returns the delegation timeout, zero when unset.
func (c A2AConfig) DelegateTimeout() time.Duration {
	return time.Duration(c.DelegateTimeoutSeconds) * time.Second
}

type WorkflowConfig struct {
	PoolSize int `json:"pool_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, LogLevel: "info"},
		Store:    StoreConfig{Backend: "memory"},
		Workflow: WorkflowConfig{PoolSize: 4},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
