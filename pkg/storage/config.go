// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type is the storage backend type.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses Redis, standalone or behind Sentinel.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"

	// DefaultSessionTTL is how long an idle session is kept.
	DefaultSessionTTL = 7 * 24 * time.Hour

	// DefaultCleanupInterval is how often the memory backend drops expired sessions.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultKeyPrefix prefixes every Redis key.
	DefaultKeyPrefix = "guildgate:"

	// DefaultDialTimeout is the Redis dial timeout.
	DefaultDialTimeout = 5 * time.Second

	// DefaultReadTimeout is the Redis read timeout.
	DefaultReadTimeout = 3 * time.Second

	// DefaultWriteTimeout is the Redis write timeout.
	DefaultWriteTimeout = 3 * time.Second
)

// Config selects and configures the session store.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `yaml:"type,omitempty"`

	// SessionTTL bounds how long a session lives after its last save.
	SessionTTL time.Duration `yaml:"sessionTTL,omitempty"`

	// Redis configures the Redis backend.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// SQLite configures the SQLite backend.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. It is created when missing.
	Path string `yaml:"path,omitempty"`
}

// RedisConfig configures the Redis backend. Setting SentinelMaster selects
// Sentinel failover, otherwise Addr is used directly.
type RedisConfig struct {
	Addr           string   `yaml:"addr,omitempty"`
	SentinelMaster string   `yaml:"sentinelMaster,omitempty"`
	SentinelAddrs  []string `yaml:"sentinelAddrs,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	DB             int      `yaml:"db,omitempty"`
	KeyPrefix      string   `yaml:"keyPrefix,omitempty"`

	DialTimeout  time.Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty"`
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Type:       TypeMemory,
		SessionTTL: DefaultSessionTTL,
		Redis: RedisConfig{
			KeyPrefix: DefaultKeyPrefix,
		},
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	if c.SessionTTL < 0 {
		return errors.New("session TTL must not be negative")
	}
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		return c.Redis.validate()
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite path is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}

func (c *RedisConfig) validate() error {
	if c.SentinelMaster != "" {
		if len(c.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// New creates the store selected by cfg.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	switch cfg.Type {
	case TypeRedis:
		return NewRedisStore(ctx, cfg.Redis, ttl)
	case TypeSQLite:
		return NewSQLiteStore(ctx, cfg.SQLite.Path, ttl)
	default:
		return NewMemoryStore(WithSessionTTL(ttl)), nil
	}
}
