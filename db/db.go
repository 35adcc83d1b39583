// Package db provides the Postgres connection, schema migrations and the
// user and message stores backing the chat room.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/huddle/crypto"
)

// Connect opens a Postgres pool for dsn and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// SealerFromEnv builds the message text sealer from ENCRYPTION_KEY. It returns
// nil when the variable is unset, in which case text is stored in plaintext.
func SealerFromEnv() (crypto.Sealer, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Warn("ENCRYPTION_KEY not set, message text will be stored in plaintext", slog.String("component", "db_encryption"))
		return nil, nil
	}
	s, err := crypto.NewAESSealer(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	slog.Info("message encryption enabled (AES-256-GCM)",
		slog.String("component", "db_encryption"),
		slog.String("key_id", s.KeyID()))
	return s, nil
}

// Migrate applies the schema with idempotent statements. It is the fallback
// for databases that cannot use the versioned migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			avatar_thumbnail TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (LOWER(username))`,
		`CREATE TABLE IF NOT EXISTS user_connections (
			connection_id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status TEXT NOT NULL CHECK (status IN ('connected', 'disconnected')),
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			disconnected_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_connections_user ON user_connections (user_id, connected_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('text', 'file')),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			text TEXT,
			file_name TEXT,
			file_original_name TEXT,
			file_path TEXT,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			encryption_key_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT messages_payload_matches_kind CHECK (
				(kind = 'text' AND text IS NOT NULL AND file_path IS NULL)
				OR (kind = 'file' AND text IS NULL AND file_path IS NOT NULL AND file_name IS NOT NULL)
			)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
