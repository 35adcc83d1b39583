package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/huddle/auth"
	"github.com/onnwee/huddle/chat"
)

// ErrUsernameTaken is returned when creating a user whose name already exists.
var ErrUsernameTaken = errors.New("username already taken")

// UserStore implements chat.IdentityStore on Postgres.
type UserStore struct {
	db *sql.DB
}

// NewUserStore returns a store using db.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id::text, username, avatar, avatar_thumbnail, is_admin`

func scanIdentity(row interface{ Scan(...any) error }) (*chat.Identity, error) {
	var id chat.Identity
	if err := row.Scan(&id.ID, &id.Username, &id.Avatar, &id.AvatarThumbnail, &id.IsAdmin); err != nil {
		return nil, err
	}
	return &id, nil
}

// FindByCredentials returns the identity whose password matches. Unknown users
// and wrong passwords both yield chat.ErrUnauthenticated.
func (s *UserStore) FindByCredentials(ctx context.Context, username, password string) (*chat.Identity, error) {
	var hash string
	var id chat.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`, password_hash FROM users WHERE LOWER(username) = LOWER($1)`,
		strings.TrimSpace(username)).
		Scan(&id.ID, &id.Username, &id.Avatar, &id.AvatarThumbnail, &id.IsAdmin, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invalid credentials", chat.ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("find user by name: %w", err)
	}
	if !auth.CheckPassword(hash, password) {
		return nil, fmt.Errorf("%w: invalid credentials", chat.ErrUnauthenticated)
	}
	return &id, nil
}

// FindByID resolves an identity; unknown or malformed ids return chat.ErrNotFound.
func (s *UserStore) FindByID(ctx context.Context, id string) (*chat.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("user %q: %w", id, chat.ErrNotFound)
	}
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return ident, nil
}

// FindByUsername resolves an identity by name (case-insensitive).
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*chat.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user by name: %w", err)
	}
	return ident, nil
}

// RecordConnection appends a connection record for userID.
func (s *UserStore) RecordConnection(ctx context.Context, userID string, rec chat.ConnectionRecord) error {
	status := rec.Status
	if status == "" {
		status = chat.StatusConnected
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_connections (connection_id, user_id, status, connected_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, userID, string(status), rec.ConnectedAt)
	if err != nil {
		return fmt.Errorf("record connection: %w", err)
	}
	return nil
}

// UpdateConnectionStatus flips the status of one recorded connection.
func (s *UserStore) UpdateConnectionStatus(ctx context.Context, userID, connectionID string, status chat.ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_connections
		    SET status = $3,
		        disconnected_at = CASE WHEN $3 = 'disconnected' THEN NOW() ELSE NULL END
		  WHERE user_id = $1 AND connection_id = $2`,
		userID, connectionID, string(status))
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %s: %w", connectionID, chat.ErrNotFound)
	}
	return nil
}

// Connections lists a user's connection history, newest first.
func (s *UserStore) Connections(ctx context.Context, userID string) ([]chat.ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id::text, user_id::text, status, connected_at
		   FROM user_connections WHERE user_id = $1 ORDER BY connected_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	var out []chat.ConnectionRecord
	for rows.Next() {
		var rec chat.ConnectionRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.UserID, &status, &rec.ConnectedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		rec.Status = chat.ConnectionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create registers a user with a bcrypt-hashed password.
func (s *UserStore) Create(ctx context.Context, username, password string, isAdmin bool) (*chat.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", chat.ErrValidation)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id := chat.Identity{ID: uuid.NewString(), Username: username, IsAdmin: isAdmin}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, is_admin) VALUES ($1, $2, $3, $4)`,
		id.ID, id.Username, hash, isAdmin)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &id, nil
}

// SetPassword replaces the password of username.
func (s *UserStore) SetPassword(ctx context.Context, username, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE LOWER(username) = LOWER($1)`, strings.TrimSpace(username), hash)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", username, chat.ErrNotFound)
	}
	return nil
}

// UpdateAvatar stores the avatar and thumbnail paths of a user.
func (s *UserStore) UpdateAvatar(ctx context.Context, id, avatar, thumbnail string) (*chat.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("user %q: %w", id, chat.ErrNotFound)
	}
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`UPDATE users SET avatar = $2, avatar_thumbnail = $3 WHERE id = $1 RETURNING `+userColumns,
		id, avatar, thumbnail))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update avatar: %w", err)
	}
	return ident, nil
}

// List returns every user ordered by name.
func (s *UserStore) List(ctx context.Context) ([]chat.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY LOWER(username)`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []chat.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

// DeleteAll removes every user (and by cascade their connections and messages).
func (s *UserStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, fmt.Errorf("delete users: %w", err)
	}
	return res.RowsAffected()
}
