package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

func (s *PostgresStore) EnqueueOutboxMessage(recipient, body string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, recipient, body, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', 0, $4, $5)`,
		id, recipient, body, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "recipient", recipient)
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	// FOR UPDATE SKIP LOCKED lets multiple instances poll the same outbox
	// without claiming the same rows.
	rows, err := s.db.Query(
		`UPDATE outbox_messages SET status = 'sending', updated_at = $1
		 WHERE id IN (
		     SELECT id FROM outbox_messages
		     WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		     ORDER BY created_at ASC LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, recipient, body, status, attempts, next_attempt_at, last_error, created_at, updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	return collectOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AbandonOutboxMessage(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'failed', last_error = $1, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', updated_at = $1 WHERE status = 'sending' AND updated_at < $2`,
		time.Now().UTC(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
