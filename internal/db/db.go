package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. Every statement is idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(100) NOT NULL,
            role VARCHAR(10) NOT NULL CHECK (role IN ('customer', 'staff')),
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
            id TEXT PRIMARY KEY,
            customer_id TEXT NOT NULL,
            assigned_staff_id TEXT,
            status VARCHAR(10) NOT NULL CHECK (status IN ('waiting', 'active', 'closed')),
            created_at TIMESTAMPTZ NOT NULL,
            closed_at TIMESTAMPTZ,
            revision BIGINT NOT NULL DEFAULT 1,
            load_released BOOLEAN NOT NULL DEFAULT FALSE
        )`,

		// at most one open session per customer
		`CREATE UNIQUE INDEX IF NOT EXISTS chat_sessions_one_open_per_customer
            ON chat_sessions (customer_id) WHERE status IN ('waiting', 'active')`,

		`CREATE INDEX IF NOT EXISTS chat_sessions_status_created
            ON chat_sessions (status, created_at)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT UNIQUE NOT NULL,
            session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
            sender_type VARCHAR(10) NOT NULL CHECK (sender_type IN ('customer', 'staff')),
            sender_id TEXT,
            content TEXT NOT NULL,
            sent_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS chat_messages_session_sent
            ON chat_messages (session_id, sent_at, seq)`,

		`CREATE TABLE IF NOT EXISTS staff_loads (
            staff_id TEXT PRIMARY KEY,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            active_chats INT NOT NULL DEFAULT 0 CHECK (active_chats >= 0),
            last_ping TIMESTAMPTZ NOT NULL,
            revision BIGINT NOT NULL DEFAULT 1
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}

	return nil
}
