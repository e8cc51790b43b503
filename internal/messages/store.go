// Package messages is the read side of student messages shown next to their
// scores. It is backed by SQLite.
package messages

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vigia-ai/vigia/internal/logging"
)

//go:embed seed.json
var seedMessages []byte

// ErrUserNotFound is returned when a user has no messages.
var ErrUserNotFound = errors.New("user not found")

// Message is one diary entry or forum post.
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Category  string `json:"category,omitempty"`
}

// Store reads and writes messages.
type Store struct {
	db  *sql.DB
	log logging.Logger
}

// Open opens (or creates) the database at path and migrates it. An empty
// path or ":memory:" keeps everything in memory.
func Open(ctx context.Context, path string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every new connection to :memory: would be a fresh, empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	log.Info("message store opened", logging.String("db_path", path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SeedDemo inserts the bundled demo messages when the table is empty.
func (s *Store) SeedDemo(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	var seed []Message
	if err := json.Unmarshal(seedMessages, &seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	for i := range seed {
		if err := s.Insert(ctx, &seed[i]); err != nil {
			return i, err
		}
	}
	s.log.Info("seeded demo messages", logging.Int("count", len(seed)))
	return len(seed), nil
}

// Insert stores m, assigning an ID when it has none.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	if strings.TrimSpace(m.UserID) == "" || strings.TrimSpace(m.Content) == "" {
		return errors.New("message needs user_id and content")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, user_name, content, created_at, type, category)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.UserName, m.Content, m.Timestamp, m.Type, m.Category,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// List returns every message, newest first, and the number of distinct users.
func (s *Store) List(ctx context.Context) ([]Message, int, error) {
	msgs, err := s.query(ctx, `
		SELECT id, user_id, user_name, content, created_at, type, category
		FROM messages
		ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, 0, err
	}
	var users int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM messages`).Scan(&users); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	return msgs, users, nil
}

// ListByUser returns the messages of one user and their display name.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Message, string, error) {
	msgs, err := s.query(ctx, `
		SELECT id, user_id, user_name, content, created_at, type, category
		FROM messages
		WHERE user_id = ?
		ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, "", err
	}
	if len(msgs) == 0 {
		return nil, "", ErrUserNotFound
	}
	return msgs, msgs[0].UserName, nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	msgs, err := s.query(ctx, `
		SELECT id, user_id, user_name, content, created_at, type, category
		FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, sql.ErrNoRows
	}
	return msgs[0], nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.UserName, &m.Content, &m.Timestamp, &m.Type, &m.Category); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
