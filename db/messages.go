package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/crypto"
)

// encryptionVersion values stored per row.
const (
	plaintextVersion = 0
	sealedVersion    = 1
)

// MessageStore implements chat.MessageStore and chat.RetentionStore on Postgres.
// With a sealer, text is encrypted at rest; plaintext rows stay readable.
type MessageStore struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewMessageStore returns a store; sealer may be nil.
func NewMessageStore(db *sql.DB, sealer crypto.Sealer) *MessageStore {
	return &MessageStore{db: db, sealer: sealer}
}

const messageSelect = `SELECT m.id, m.kind, m.user_id::text, m.text, m.file_name, m.file_original_name, m.file_path,
	m.encryption_version, m.encryption_key_id, m.created_at, u.username, u.avatar_thumbnail
	FROM messages m JOIN users u ON u.id = m.user_id`

// Create appends ev and returns it with its id, timestamp and sender profile.
func (s *MessageStore) Create(ctx context.Context, ev chat.Event) (*chat.Event, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	var (
		text                   sql.NullString
		fileName, fileOrig, fp sql.NullString
		encVersion             = plaintextVersion
		encKeyID               sql.NullString
		createdAt              sql.NullTime
	)
	switch ev.Kind {
	case chat.KindText:
		stored := ev.Text
		if s.sealer != nil {
			sealed, err := s.sealer.Seal(ev.Text)
			if err != nil {
				return nil, fmt.Errorf("seal message text: %w", err)
			}
			stored = sealed
			encVersion = sealedVersion
			encKeyID = sql.NullString{String: s.sealer.KeyID(), Valid: true}
		}
		text = sql.NullString{String: stored, Valid: true}
	case chat.KindFile:
		fileName = sql.NullString{String: ev.File.Name, Valid: true}
		fileOrig = sql.NullString{String: ev.File.OriginalName, Valid: true}
		fp = sql.NullString{String: ev.File.Path, Valid: true}
	}
	if !ev.Timestamp.IsZero() {
		createdAt = sql.NullTime{Time: ev.Timestamp, Valid: true}
	}

	var sender chat.Profile
	err := s.db.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO messages (kind, user_id, text, file_name, file_original_name, file_path, encryption_version, encryption_key_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
			RETURNING id, user_id, created_at
		)
		SELECT ins.id, ins.created_at, u.id::text, u.username, u.avatar_thumbnail
		  FROM ins JOIN users u ON u.id = ins.user_id`,
		string(ev.Kind), ev.SenderID, text, fileName, fileOrig, fp, encVersion, encKeyID, createdAt).
		Scan(&ev.ID, &ev.Timestamp, &sender.ID, &sender.Username, &sender.Avatar)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, fmt.Errorf("sender %s: %w", ev.SenderID, chat.ErrNotFound)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Sender = &sender
	return &ev, nil
}

// FindRecent returns the newest limit events in chronological order.
func (s *MessageStore) FindRecent(ctx context.Context, limit int) ([]chat.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+` ORDER BY m.created_at DESC, m.id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	events, err := s.scanAll(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// FindByID returns a single event.
func (s *MessageStore) FindByID(ctx context.Context, id int64) (*chat.Event, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+` WHERE m.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	events, err := s.scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
	}
	return &events[0], nil
}

// FindByRange returns events whose timestamp lies within the inclusive
// bounds, oldest first. Nil bounds are open.
func (s *MessageStore) FindByRange(ctx context.Context, start, end *time.Time) ([]chat.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE ($1::timestamptz IS NULL OR m.created_at >= $1)
		                  AND ($2::timestamptz IS NULL OR m.created_at <= $2)
		                ORDER BY m.created_at, m.id`,
		nullTime(start), nullTime(end))
	if err != nil {
		return nil, fmt.Errorf("query messages by range: %w", err)
	}
	return s.scanAll(rows)
}

// PurgeMessages implements chat.RetentionStore.
func (s *MessageStore) PurgeMessages(ctx context.Context, olderThan *time.Time, keepLatest int, dryRun bool) (int64, error) {
	where := ` WHERE ($1::timestamptz IS NULL OR created_at < $1)
	             AND ($2::bigint <= 0 OR id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT GREATEST($2::bigint, 0)))`
	if dryRun {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, nullTime(olderThan), int64(keepLatest)).Scan(&n); err != nil {
			return 0, fmt.Errorf("count purgeable messages: %w", err)
		}
		return n, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`+where, nullTime(olderThan), int64(keepLatest))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAll removes every message.
func (s *MessageStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored messages.
func (s *MessageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *MessageStore) scanAll(rows *sql.Rows) ([]chat.Event, error) {
	defer rows.Close()
	events := []chat.Event{}
	for rows.Next() {
		var (
			ev                     chat.Event
			kind                   string
			text                   sql.NullString
			fileName, fileOrig, fp sql.NullString
			encVersion             int
			encKeyID               sql.NullString
			sender                 chat.Profile
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.SenderID, &text, &fileName, &fileOrig, &fp,
			&encVersion, &encKeyID, &ev.Timestamp, &sender.Username, &sender.Avatar); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		ev.Kind = chat.Kind(kind)
		ev.Timestamp = ev.Timestamp.UTC()
		sender.ID = ev.SenderID
		ev.Sender = &sender
		if fp.Valid {
			ev.File = &chat.FileDescriptor{Name: fileName.String, OriginalName: fileOrig.String, Path: fp.String}
		}
		if text.Valid {
			plain, err := s.open(text.String, encVersion, encKeyID.String)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", ev.ID, err)
			}
			ev.Text = plain
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return events, nil
}

func (s *MessageStore) open(stored string, version int, keyID string) (string, error) {
	if version == plaintextVersion {
		return stored, nil
	}
	if s.sealer == nil {
		return "", fmt.Errorf("message text is encrypted but ENCRYPTION_KEY is not configured")
	}
	return crypto.OpenWithKeyID(s.sealer, stored, keyID)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// SealPlaintext encrypts text rows still stored in plaintext, one row per
// transaction. With dryRun it only counts them. It returns the rows sealed
// (or that would be).
func (s *MessageStore) SealPlaintext(ctx context.Context, dryRun bool) (int64, error) {
	if s.sealer == nil {
		return 0, fmt.Errorf("sealing requires ENCRYPTION_KEY")
	}
	logger := slog.Default().With(slog.String("component", "db_encryption"), slog.Bool("dry_run", dryRun))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM messages WHERE kind = 'text' AND encryption_version = $1 ORDER BY id`,
		plaintextVersion)
	if err != nil {
		return 0, fmt.Errorf("query plaintext messages: %w", err)
	}
	type pending struct {
		id   int64
		text string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.text); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan plaintext message: %w", err)
		}
		todo = append(todo, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("iterate plaintext messages: %w", err)
	}
	if len(todo) == 0 {
		logger.Info("no plaintext messages found")
		return 0, nil
	}
	if dryRun {
		logger.Info("would seal plaintext messages", slog.Int("count", len(todo)))
		return int64(len(todo)), nil
	}

	var sealed int64
	var failed int
	for _, p := range todo {
		if err := s.sealRow(ctx, p.id, p.text); err != nil {
			logger.Error("failed to seal message", slog.Int64("message_id", p.id), slog.Any("err", err))
			failed++
			continue
		}
		sealed++
	}
	logger.Info("message sealing summary",
		slog.Int("total", len(todo)),
		slog.Int64("sealed", sealed),
		slog.Int("errors", failed))
	if failed > 0 {
		return sealed, fmt.Errorf("sealing completed with %d errors", failed)
	}
	return sealed, nil
}

func (s *MessageStore) sealRow(ctx context.Context, id int64, text string) error {
	ciphertext, err := s.sealer.Seal(text)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET text = $1, encryption_version = $2, encryption_key_id = $3
		  WHERE id = $4 AND encryption_version = $5`,
		ciphertext, sealedVersion, s.sealer.KeyID(), id, plaintextVersion)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (message may have been modified concurrently)", n)
	}
	return tx.Commit()
}

// EncryptionStatus counts text messages per encryption version.
func (s *MessageStore) EncryptionStatus(ctx context.Context) (map[int]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM messages WHERE kind = 'text' GROUP BY encryption_version`)
	if err != nil {
		return nil, fmt.Errorf("query encryption status: %w", err)
	}
	defer rows.Close()
	out := map[int]int64{}
	for rows.Next() {
		var version int
		var n int64
		if err := rows.Scan(&version, &n); err != nil {
			return nil, fmt.Errorf("scan encryption status: %w", err)
		}
		out[version] = n
	}
	return out, rows.Err()
}
