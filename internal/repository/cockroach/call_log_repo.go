package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/internal/domain"
)

const callLogSchema = `
	CREATE TABLE IF NOT EXISTS call_logs (
		call_id          STRING PRIMARY KEY,
		conversation_key STRING NOT NULL,
		initiator_id     STRING NOT NULL,
		recipient_id     STRING NOT NULL,
		media_kind       STRING NOT NULL,
		direction        STRING NOT NULL,
		end_reason       STRING NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		answered_at      TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ NOT NULL,
		duration         INT NOT NULL DEFAULT 0
	)
`

const callLogIndex = `
	CREATE INDEX IF NOT EXISTS call_logs_conversation_idx
	ON call_logs (conversation_key, started_at DESC)
`

// CallLogRepository stores ended calls
type CallLogRepository struct {
	pool *pgxpool.Pool
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(pool *pgxpool.Pool) *CallLogRepository {
	return &CallLogRepository{pool: pool}
}

// EnsureSchema creates the call_logs table if it does not exist
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{callLogSchema, callLogIndex} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create call log schema: %w", err)
		}
	}
	return nil
}

// Create inserts the entry. Both participants may log the same call from
// their own side, so the first write wins.
func (r *CallLogRepository) Create(ctx context.Context, entry *domain.CallLog) error {
	query := `
		INSERT INTO call_logs (
			call_id, conversation_key, initiator_id, recipient_id, media_kind,
			direction, end_reason, started_at, answered_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		entry.CallID,
		entry.ConversationKey,
		entry.InitiatorID,
		entry.RecipientID,
		string(entry.MediaKind),
		entry.Direction,
		entry.EndReason,
		entry.StartedAt,
		entry.AnsweredAt,
		entry.EndedAt,
		entry.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

// ListByConversation returns the most recent calls of a conversation
func (r *CallLogRepository) ListByConversation(ctx context.Context, conversationKey string, limit int) ([]*domain.CallLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT call_id, conversation_key, initiator_id, recipient_id, media_kind,
		       direction, end_reason, started_at, answered_at, ended_at, duration
		FROM call_logs
		WHERE conversation_key = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}
	defer rows.Close()

	logs, err := pgx.CollectRows(rows, scanCallLog)
	if err != nil {
		return nil, fmt.Errorf("failed to scan call logs: %w", err)
	}
	return logs, nil
}

func scanCallLog(row pgx.CollectableRow) (*domain.CallLog, error) {
	var (
		entry      domain.CallLog
		mediaKind  string
		answeredAt *time.Time
	)
	err := row.Scan(
		&entry.CallID,
		&entry.ConversationKey,
		&entry.InitiatorID,
		&entry.RecipientID,
		&mediaKind,
		&entry.Direction,
		&entry.EndReason,
		&entry.StartedAt,
		&answeredAt,
		&entry.EndedAt,
		&entry.Duration,
	)
	if err != nil {
		return nil, err
	}
	entry.MediaKind = domain.MediaKind(mediaKind)
	entry.AnsweredAt = answeredAt
	return &entry, nil
}
