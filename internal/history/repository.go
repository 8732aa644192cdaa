package history

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists messages in the chat_messages table created by
// db.AutoMigrate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Append(ctx context.Context, m *Message) (*Message, error) {
	stored := *m
	stored.Seen = false
	query := `
		INSERT INTO chat_messages (sender_id, receiver_id, text, client_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, m.SenderID, m.ReceiverID, m.Text, m.ClientID).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &stored, nil
}

func (r *PostgresStore) History(ctx context.Context, userA, userB string) ([]Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, text, client_id, seen, created_at
		FROM chat_messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.ClientID, &m.Seen, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *PostgresStore) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	query := `UPDATE chat_messages SET seen = TRUE WHERE sender_id = $1 AND receiver_id = $2 AND NOT seen`
	res, err := r.db.ExecContext(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM chat_messages WHERE receiver_id = $1 AND NOT seen`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *PostgresStore) UnreadBySender(ctx context.Context, userID string) (map[string]int64, error) {
	query := `
		SELECT sender_id, COUNT(*)
		FROM chat_messages
		WHERE receiver_id = $1 AND NOT seen
		GROUP BY sender_id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("unread by sender: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var sender string
		var n int64
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		out[sender] = n
	}
	return out, rows.Err()
}
