// Package history provides PostgreSQL-backed storage for the local message
// archive. Besides keeping a reviewable copy of the conversation, the archive
// records the last server-assigned message id seen, which the session client
// sends as lastMessageId on reconnect so the provider replays only what was
// missed.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/beacon/chatlink/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one archived chat message.
type Entry struct {
	ID          string
	Role        string
	Content     string
	Timestamp   time.Time
	Streaming   bool
	Attachments []protocol.Attachment
	DeviceID    string
}

// Store manages the message archive in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore opens the database and runs any pending migrations.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies the embedded SQL migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// SaveMessage archives one inbound chat message. Replays of an id already
// archived are upserts, so reconnect replay does not duplicate rows.
func (s *Store) SaveMessage(ctx context.Context, msg protocol.ServerChatMsg) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("history: marshal attachments: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, role, content, ts, streaming, attachments, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, streaming = EXCLUDED.streaming`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Role,
		msg.Content,
		time.UnixMilli(msg.Timestamp),
		msg.Streaming,
		attachments,
		msg.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// LastServerMessageID returns the most recent server-assigned ("s_" prefixed)
// message id in the archive, or an empty string when the archive holds none.
// This is the value to send as lastMessageId on the next connect.
func (s *Store) LastServerMessageID(ctx context.Context) (string, error) {
	const query = `
		SELECT id
		FROM messages
		WHERE id LIKE 's\_%'
		ORDER BY ts DESC, received_at DESC
		LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("history: last message id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit archived messages, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT id, role, content, ts, streaming, COALESCE(attachments, 'null'), COALESCE(device_id, '')
		FROM messages
		ORDER BY ts DESC, received_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			attachments []byte
		)
		if err := rows.Scan(&e.ID, &e.Role, &e.Content, &e.Timestamp, &e.Streaming, &attachments, &e.DeviceID); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if len(attachments) > 0 && string(attachments) != "null" {
			if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
				return nil, fmt.Errorf("history: unmarshal attachments: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Truncate drops all archived messages. The daemon calls this when an
// auth_result arrives with historyReset set: the provider has discarded the
// conversation, so the local copy is stale.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE messages`); err != nil {
		return fmt.Errorf("history: truncate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
