package store

import (
	"context"
	"fmt"
	"time"

	"github.com/opentalon/relay/internal/orchestrator"
)

// timeLayout keeps stored timestamps lexically ordered.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Transcript stores finalized turns per conversation.
type Transcript struct {
	db *DB
}

func NewTranscript(db *DB) *Transcript {
	return &Transcript{db: db}
}

var _ orchestrator.TranscriptSink = (*Transcript)(nil)

// AppendTurn records t at the end of the conversation. Appending a turn
// ID twice is a no-op.
func (s *Transcript) AppendTurn(ctx context.Context, conversationID string, t orchestrator.Turn) error {
	now := time.Now().UTC().Format(timeLayout)
	created := t.CreatedAt.UTC().Format(timeLayout)

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`),
		conversationID, now, now); err != nil {
		return fmt.Errorf("append turn: conversation %s: %w", conversationID, err)
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO turns (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		t.ID, conversationID, string(t.Role), t.Content, created); err != nil {
		return fmt.Errorf("append turn %s: %w", t.ID, err)
	}
	return tx.Commit()
}

// LoadTurns returns the last limit turns of a conversation, oldest first.
// A non-positive limit returns them all.
func (s *Transcript) LoadTurns(ctx context.Context, conversationID string, limit int) ([]orchestrator.Turn, error) {
	query := `SELECT id, role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load turns %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []orchestrator.Turn
	for rows.Next() {
		var t orchestrator.Turn
		var role, created string
		if err := rows.Scan(&t.ID, &role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("load turns %s: %w", conversationID, err)
		}
		t.Role = orchestrator.Role(role)
		t.CreatedAt, _ = time.Parse(timeLayout, created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns %s: %w", conversationID, err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Conversations lists stored conversation IDs, most recently updated
// first.
func (s *Transcript) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
