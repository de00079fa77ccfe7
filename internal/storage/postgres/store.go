package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultConnTimeout = 5 * time.Second

// Store оборачивает пул подключений к PostgreSQL
type Store struct {
	db *sql.DB
}

type storeConfig struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
}

// StoreOption настраивает пул подключений
type StoreOption func(*storeConfig)

// WithPoolSize задает пределы открытых и простаивающих подключений
func WithPoolSize(open, idle int) StoreOption {
	return func(c *storeConfig) {
		if open > 0 {
			c.maxOpenConns = open
		}
		if idle > 0 {
			c.maxIdleConns = idle
		}
	}
}

// WithConnLifetime задает время жизни подключения и время простоя до закрытия
func WithConnLifetime(lifetime, idle time.Duration) StoreOption {
	return func(c *storeConfig) {
		if lifetime > 0 {
			c.connMaxLifetime = lifetime
		}
		if idle > 0 {
			c.connMaxIdleTime = idle
		}
	}
}

// Open открывает пул подключений и проверяет доступность базы
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	cfg := storeConfig{
		maxOpenConns:    25,
		maxIdleConns:    25,
		connMaxLifetime: 30 * time.Minute,
		connMaxIdleTime: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxOpenConns)
	db.SetMaxIdleConns(cfg.maxIdleConns)
	db.SetConnMaxLifetime(cfg.connMaxLifetime)
	db.SetConnMaxIdleTime(cfg.connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB возвращает raw SQL DB для низкоуровневого доступа
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность базы
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все недостающие up-миграции
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает пул подключений
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
