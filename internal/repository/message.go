package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/model"
)

const messageCols = `m.id, m.conversation_key, m.seq, m.sender_id, m.body, m.created_at,
	COALESCE(ARRAY_AGG(mr.user_id::text) FILTER (WHERE mr.user_id IS NOT NULL), '{}'),
	u.id, u.email, u.display_name, u.avatar_url, u.is_online, u.last_seen_at`

const messageFrom = ` FROM messages m
	JOIN users u ON u.id = m.sender_id
	LEFT JOIN message_reads mr ON mr.message_id = m.id`

const messageGroup = ` GROUP BY m.id, u.id`

// MessageRepository is the conversation store: an append-only, per-conversation
// ordered log. Rows are never updated or deleted; only message_reads grows.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }) (model.Message, error) {
	var m model.Message
	sender := &model.UserPublic{}
	err := s.Scan(&m.ID, &m.Conversation, &m.Seq, &m.SenderID, &m.Body, &m.CreatedAt, &m.ReadBy,
		&sender.ID, &sender.Email, &sender.DisplayName, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt)
	if err != nil {
		return m, err
	}
	m.Sender = sender
	return m, nil
}

// Append inserts the message with the next seq for its conversation. The
// caller (the router) serializes appends per conversation, so the seq
// subselect never races with itself; the UNIQUE(conversation_key, seq)
// constraint backs that up.
func (r *MessageRepository) Append(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_key, seq, sender_id, body, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_key = $2), $3, $4, $5)
		 RETURNING seq`,
		m.ID, m.Conversation, m.SenderID, m.Body, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("msgRepo.Append: %w", err)
	}
	return nil
}

// History returns messages strictly after cursorID (exclusive), oldest first,
// up to limit. The cursor is a message id, not an offset, so pagination is
// stable under concurrent appends. An empty cursor starts from the beginning;
// an unknown cursor resolves to the beginning as well.
func (r *MessageRepository) History(ctx context.Context, conversation, cursorID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+messageFrom+`
		 WHERE m.conversation_key = $1
		   AND m.seq > COALESCE((SELECT seq FROM messages WHERE id = $2 AND conversation_key = $1), 0)`+
			messageGroup+`
		 ORDER BY m.seq
		 LIMIT $3`,
		conversation, nullIfEmpty(cursorID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+messageFrom+` WHERE m.id = $1`+messageGroup, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return &m, nil
}

// MarkRead records the reader on every message up to uptoID whose sender is
// not the reader. ON CONFLICT DO NOTHING makes it idempotent: a repeated
// call inserts nothing and returns no senders, so no events are re-emitted.
// The returned slice holds the distinct senders whose messages were newly
// marked, one notification batch per sender.
func (r *MessageRepository) MarkRead(ctx context.Context, conversation, readerID, uptoID string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()

	var uptoSeq int64
	err := r.pool.QueryRow(ctx,
		`SELECT seq FROM messages WHERE id = $1 AND conversation_key = $2`,
		uptoID, conversation,
	).Scan(&uptoSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead cursor: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`WITH target AS (
		   SELECT m.id, m.sender_id FROM messages m
		   WHERE m.conversation_key = $1
		     AND m.sender_id <> $2
		     AND m.seq <= $3
		 ), ins AS (
		   INSERT INTO message_reads (message_id, user_id, read_at)
		   SELECT id, $2, $4 FROM target
		   ON CONFLICT DO NOTHING
		   RETURNING message_id
		 )
		 SELECT DISTINCT t.sender_id FROM ins JOIN target t ON t.id = ins.message_id`,
		conversation, readerID, uptoSeq, at,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead query: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
		}
		senders = append(senders, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return senders, nil
}

// DMPeerIDs returns every user the given user shares a direct conversation
// with, derived from the message log. Keys have the form dm:<a>:<b> and user
// ids never contain a colon.
func (r *MessageRepository) DMPeerIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.DMPeerIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT CASE
		   WHEN split_part(conversation_key, ':', 2) = $1 THEN split_part(conversation_key, ':', 3)
		   ELSE split_part(conversation_key, ':', 2)
		 END
		 FROM messages
		 WHERE conversation_key LIKE 'dm:%'
		   AND $1 IN (split_part(conversation_key, ':', 2), split_part(conversation_key, ':', 3))`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.DMPeerIDs query: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.DMPeerIDs scan: %w", err)
		}
		peers = append(peers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.DMPeerIDs rows: %w", err)
	}
	return peers, nil
}

// UnreadCount counts messages from other senders the user has not read yet.
func (r *MessageRepository) UnreadCount(ctx context.Context, conversation, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.conversation_key = $1 AND m.sender_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2)`,
		conversation, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// nullIfEmpty lets an absent cursor hit the COALESCE fallback instead of
// comparing against the empty string.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
