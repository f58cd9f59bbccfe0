package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/cowork/internal/models"
)

type sqliteMessageRepo struct {
	db *sql.DB
}

func (r *sqliteMessageRepo) Append(ctx context.Context, msg *models.Message) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return appendMessage(ctx, tx, msg)
	})
}

// appendMessage assigns Seq and Timestamp and inserts msg inside tx.
func appendMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	if msg.ProjectID == "" || msg.Sender == "" {
		return fmt.Errorf("%w: project id and sender are required", models.ErrValidation)
	}
	if msg.Body == "" {
		return fmt.Errorf("%w: message is required", models.ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if err := projectExists(ctx, tx, msg.ProjectID); err != nil {
		return err
	}

	var lastSeq, lastTS int64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(ts_unix_nano), 0) FROM messages WHERE project_id = ?",
		msg.ProjectID,
	).Scan(&lastSeq, &lastTS)
	if err != nil {
		return fmt.Errorf("read log tail: %w", err)
	}

	// Timestamps are monotonic within a project even if the wall clock
	// steps backwards.
	ts := time.Now().UnixNano()
	if ts <= lastTS {
		ts = lastTS + 1
	}
	seq := lastSeq + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, seq, sender, body, correlation_id, ts_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ProjectID, seq, msg.Sender, msg.Body, msg.CorrelationID, ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = seq
	msg.Timestamp = time.Unix(0, ts).UTC()
	return nil
}

func (r *sqliteMessageRepo) List(ctx context.Context, projectID string) ([]*models.Message, error) {
	return queryMessages(ctx, r.db, `
		SELECT id, project_id, seq, sender, body, correlation_id, ts_unix_nano
		FROM messages WHERE project_id = ? ORDER BY seq
	`, projectID)
}

func (r *sqliteMessageRepo) Recent(ctx context.Context, projectID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return queryMessages(ctx, r.db, `
		SELECT id, project_id, seq, sender, body, correlation_id, ts_unix_nano FROM (
			SELECT id, project_id, seq, sender, body, correlation_id, ts_unix_nano
			FROM messages WHERE project_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq
	`, projectID, limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]*models.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg := &models.Message{}
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.Seq, &msg.Sender, &msg.Body, &msg.CorrelationID, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
