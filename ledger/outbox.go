package ledger

import (
	"context"
	"fmt"
)

// maxOutboxAttempts parks a message after this many failed publishes.
const maxOutboxAttempts = 20

func (s *PGStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	const q = `
SELECT id::text, topic, COALESCE(partition_key, ''), payload, attempts, created_at
FROM outbox
WHERE published_at IS NULL
  AND attempts < $1
ORDER BY created_at, id
LIMIT $2
`
	rows, err := s.pool.Query(ctx, q, maxOutboxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list outbox: %w", err)
	}
	defer rows.Close()

	out := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.PartitionKey, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan outbox: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id string) error {
	const q = `UPDATE outbox SET published_at = now(), last_error = NULL WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("ledger: mark outbox published: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, reason string) error {
	const q = `UPDATE outbox SET attempts = attempts + 1, last_error = $2, last_error_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, reason); err != nil {
		return fmt.Errorf("ledger: mark outbox failed: %w", err)
	}
	return nil
}
