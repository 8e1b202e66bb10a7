package transcriptstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists transcript entries in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore opens (and migrates) a store at the given DSN.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile derives a DSN from a plain file path.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmt := `CREATE TABLE IF NOT EXISTS transcripts (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);`
	if _, err := s.db.Exec(stmt); err != nil {
		return errors.Wrap(err, "sqlite transcript store: migrate")
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	if e.SessionID == "" {
		return errors.New("sqlite transcript store: session id is empty")
	}
	if e.MessageID == "" {
		return errors.New("sqlite transcript store: message id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, message_id, role, agent_name, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, message_id) DO UPDATE SET
			role = excluded.role,
			agent_name = excluded.agent_name,
			content = excluded.content,
			created_at_ms = excluded.created_at_ms
	`, e.SessionID, e.MessageID, e.Role, e.AgentName, e.Content, e.CreatedAtMs)
	return errors.Wrap(err, "sqlite transcript store: save")
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.SinceMs > 0 {
		where = append(where, "created_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	query := `SELECT session_id, message_id, role, agent_name, content, created_at_ms
		FROM transcripts
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at_ms ASC, message_id ASC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.MessageID, &e.Role, &e.AgentName, &e.Content, &e.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "sqlite transcript store: rows")
}
