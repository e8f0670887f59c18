package relay

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store on the messages and users tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Persist(ctx context.Context, msg Message) (int64, error) {
	var id int64
	query := `
		INSERT INTO messages (sender_id, receiver_id, content, sent_at, delivered, is_read)
		VALUES ($1, $2, $3, $4, false, false)
		RETURNING id`
	err := r.db.QueryRowContext(ctx, query, msg.SenderID, msg.ReceiverID, msg.Content, msg.SentAt).Scan(&id)
	return id, err
}

func (r *PostgresStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET delivered = true WHERE id = ANY($1) AND NOT delivered`, ids)
	return err
}

func (r *PostgresStore) MarkRead(ctx context.Context, reader PartyID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET is_read = true, delivered = true
		WHERE id = ANY($1) AND receiver_id = $2 AND NOT is_read`, ids, reader)
	return err
}

func (r *PostgresStore) PendingFor(ctx context.Context, id PartyID) ([]Message, error) {
	return r.queryMessages(ctx, `
		SELECT id, sender_id, receiver_id, content, sent_at, delivered, is_read
		FROM messages
		WHERE receiver_id = $1 AND NOT delivered
		ORDER BY sent_at ASC, id ASC`, id)
}

func (r *PostgresStore) History(ctx context.Context, a, b PartyID) ([]Message, error) {
	return r.queryMessages(ctx, `
		SELECT id, sender_id, receiver_id, content, sent_at, delivered, is_read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY sent_at ASC, id ASC`, a, b)
}

func (r *PostgresStore) Exists(ctx context.Context, id PartyID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *PostgresStore) Conversations(ctx context.Context, id PartyID) ([]Conversation, error) {
	query := `
		SELECT counterpart, content, sent_at, unread
		FROM (
			SELECT
				CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS counterpart,
				content,
				sent_at,
				ROW_NUMBER() OVER w_latest AS rn,
				COUNT(*) FILTER (WHERE receiver_id = $1 AND NOT is_read) OVER w_all AS unread
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
			WINDOW
				w_all AS (PARTITION BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END),
				w_latest AS (PARTITION BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END
				             ORDER BY sent_at DESC, id DESC)
		) latest
		WHERE rn = 1
		ORDER BY sent_at DESC`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.With, &c.LastMessage, &c.LastSentAt, &c.Unread); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.SentAt, &m.Delivered, &m.Read); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
