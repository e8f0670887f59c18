package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-relay/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, cfg config.PostgresConfig) (*Database, error) {
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the relay schema if it is missing.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            receiver_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            delivered BOOLEAN NOT NULL DEFAULT false,
            is_read BOOLEAN NOT NULL DEFAULT false,
            CHECK (NOT is_read OR delivered)
        )`,

		// history lookups in both directions
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, sent_at)`,

		// pending replay on connect
		`CREATE INDEX IF NOT EXISTS messages_pending_idx ON messages (receiver_id, sent_at) WHERE NOT delivered`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
