package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"conversation-orchestrator/internal/domain"
)

// SQLiteStore keeps conversations in a local SQLite file. It mirrors the
// DynamoDB layout: one row per (principal_id, id), with the document body
// other than the indexed columns held as JSON.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		principal_id TEXT NOT NULL,
		id           TEXT NOT NULL,
		name         TEXT NOT NULL,
		ts           INTEGER NOT NULL,
		is_deleted   INTEGER NOT NULL DEFAULT 0,
		deleted_at   TEXT,
		last_updated TEXT NOT NULL,
		body         TEXT NOT NULL,
		PRIMARY KEY (principal_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_principal_ts
		ON conversations(principal_id, ts);
`

type sqliteBody struct {
	Messages      json.RawMessage   `json:"messages,omitempty"`
	StrategyState map[string]string `json:"strategy_state,omitempty"`
	Questions     []sqliteQuestion  `json:"questions"`
	Feedback      []sqliteFeedback  `json:"feedback"`
}

type sqliteQuestion struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

type sqliteFeedback struct {
	QuestionID   *string `json:"question_id"`
	IsPositive   *bool   `json:"is_positive"`
	StarsRating  *int    `json:"stars_rating"`
	FeedbackText *string `json:"feedback_text"`
}

// NewSQLiteStore opens (creating if needed) the database at path. A nil
// clock uses time.Now.
func NewSQLiteStore(path string, now func() time.Time) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id, partitionKey string) (domain.Conversation, bool, error) {
	if id == "" || partitionKey == "" {
		return domain.Conversation{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT principal_id, id, name, ts, is_deleted, deleted_at, last_updated, body
		FROM conversations WHERE principal_id = ? AND id = ?`, partitionKey, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	return conv, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, id string, body domain.Conversation, partitionKey string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(partitionKey) == "" {
		return domain.Conversation{}, errors.New("repository: Create: id and partition key are required")
	}
	conv := body.Clone()
	conv.ID = id
	conv.PrincipalID = partitionKey
	now := s.now()
	conv.LastUpdated = nextStamp(now, time.Time{})
	conv.Ts = now.Unix()

	blob, err := encodeSQLiteBody(conv)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (principal_id, id, name, ts, is_deleted, deleted_at, last_updated, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.PrincipalID, conv.ID, conv.Name, conv.Ts, conv.IsDeleted, nullableTime(conv.DeletedAt), formatTime(conv.LastUpdated), blob)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// Update replaces the stored document. _ts is never rewritten.
func (s *SQLiteStore) Update(ctx context.Context, doc domain.Conversation) (domain.Conversation, error) {
	if doc.ID == "" || doc.PrincipalID == "" {
		return domain.Conversation{}, errors.New("repository: Update: id and principal_id are required")
	}
	conv := doc.Clone()
	conv.LastUpdated = nextStamp(s.now(), doc.LastUpdated)

	blob, err := encodeSQLiteBody(conv)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET name = ?, is_deleted = ?, deleted_at = ?, last_updated = ?, body = ?
		WHERE principal_id = ? AND id = ?`,
		conv.Name, conv.IsDeleted, nullableTime(conv.DeletedAt), formatTime(conv.LastUpdated), blob,
		conv.PrincipalID, conv.ID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Update: %w", err)
	}
	if n == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: Update: conversation %q does not exist", doc.ID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT ts FROM conversations WHERE principal_id = ? AND id = ?`, conv.PrincipalID, conv.ID)
	if err := row.Scan(&conv.Ts); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Update: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Query(ctx context.Context, q domain.ConversationQuery) ([]domain.ConversationSummary, error) {
	if q.PrincipalID == "" {
		return nil, errors.New("repository: Query: principal_id is required")
	}
	if q.Skip < 0 || q.Limit < 0 {
		return nil, errors.New("repository: Query: skip and limit must not be negative")
	}
	page := make([]domain.ConversationSummary, 0, q.Limit)
	if q.Limit == 0 {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ts, last_updated FROM conversations
		WHERE principal_id = ? AND is_deleted = 0 AND (? = '' OR instr(name, ?) > 0)
		ORDER BY ts DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		q.PrincipalID, q.Name, q.Name, q.Limit, q.Skip)
	if err != nil {
		return nil, fmt.Errorf("repository: Query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			conv        domain.Conversation
			lastUpdated string
		)
		if err := rows.Scan(&conv.ID, &conv.Name, &conv.Ts, &lastUpdated); err != nil {
			return nil, fmt.Errorf("repository: Query decode: %w", err)
		}
		if conv.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, fmt.Errorf("repository: Query decode: %w", err)
		}
		page = append(page, conv.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Query: %w", err)
	}
	return page, nil
}

func scanConversation(row *sql.Row) (domain.Conversation, error) {
	var (
		conv        domain.Conversation
		deletedAt   sql.NullString
		lastUpdated string
		blob        string
	)
	if err := row.Scan(&conv.PrincipalID, &conv.ID, &conv.Name, &conv.Ts, &conv.IsDeleted, &deletedAt, &lastUpdated, &blob); err != nil {
		return domain.Conversation{}, err
	}
	var err error
	if conv.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return domain.Conversation{}, err
	}
	if deletedAt.Valid {
		if conv.DeletedAt, err = parseTime(deletedAt.String); err != nil {
			return domain.Conversation{}, err
		}
	}
	if err := decodeSQLiteBody(blob, &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func encodeSQLiteBody(conv domain.Conversation) (string, error) {
	body := sqliteBody{Messages: conv.Messages, StrategyState: conv.StrategyState}
	if conv.Questions != nil {
		body.Questions = make([]sqliteQuestion, 0, len(conv.Questions))
		for _, q := range conv.Questions {
			body.Questions = append(body.Questions, sqliteQuestion{QuestionID: q.QuestionID, Text: q.Text})
		}
	}
	if conv.Feedback != nil {
		body.Feedback = make([]sqliteFeedback, 0, len(conv.Feedback))
		for _, fb := range conv.Feedback {
			body.Feedback = append(body.Feedback, sqliteFeedback(fb))
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(b), nil
}

func decodeSQLiteBody(blob string, conv *domain.Conversation) error {
	var body sqliteBody
	if err := json.Unmarshal([]byte(blob), &body); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	conv.Messages = body.Messages
	conv.StrategyState = body.StrategyState
	if body.Questions != nil {
		conv.Questions = make([]domain.Question, 0, len(body.Questions))
		for _, q := range body.Questions {
			conv.Questions = append(conv.Questions, domain.Question{QuestionID: q.QuestionID, Text: q.Text})
		}
	}
	if body.Feedback != nil {
		conv.Feedback = make([]domain.Feedback, 0, len(body.Feedback))
		for _, fb := range body.Feedback {
			conv.Feedback = append(conv.Feedback, domain.Feedback(fb))
		}
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}
