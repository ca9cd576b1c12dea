// Package db provides PostgreSQL connection, health and migration utilities for meetpipe.
package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// URL, when set, takes precedence over the individual fields.
	URL string `yaml:"url"`

	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"-"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "meetpipe",
		User:            "meetpipe",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ApplyEnv overrides fields from environment variables:
//   - MEETPIPE_DATABASE_URL (or DATABASE_URL): full connection URL
//   - MEETPIPE_DB_HOST, MEETPIPE_DB_PORT, MEETPIPE_DB_NAME
//   - MEETPIPE_DB_USER, MEETPIPE_DB_PASSWORD, MEETPIPE_DB_SSLMODE
//   - MEETPIPE_DB_MAX_CONNS
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MEETPIPE_DATABASE_URL"); v != "" {
		c.URL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("MEETPIPE_DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("MEETPIPE_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("MEETPIPE_DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("MEETPIPE_DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("MEETPIPE_DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("MEETPIPE_DB_SSLMODE"); v != "" {
		c.SSLMode = v
	}
	if v := os.Getenv("MEETPIPE_DB_MAX_CONNS"); v != "" {
		if mc, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.MaxConns = int32(mc)
		}
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ConnectionString builds a PostgreSQL connection string from the config.
func (c *Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}

// Validate checks if the config has required fields set.
func (c *Config) Validate() error {
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= min connections (%d)", c.MaxConns, c.MinConns)
	}
	if c.URL != "" {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	return nil
}

// Connect creates a new connection pool with the given configuration.
// The caller is responsible for calling pool.Close() when done.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// ConnectWithRetry keeps calling Connect with exponential backoff until it
// succeeds, maxElapsed passes, or ctx is done. Invalid config is not retried.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxElapsed time.Duration) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed

	var pool *pgxpool.Pool
	attempts := 0
	op := func() error {
		attempts++
		p, err := Connect(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
	}
	return pool, nil
}

// Close gracefully closes a connection pool if it is not nil.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
