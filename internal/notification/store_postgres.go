package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NOTE: This store assumes the following table exists:
// - notifications (
//     id TEXT PRIMARY KEY,
//     subscription_id TEXT NOT NULL,
//     event_id TEXT NOT NULL,
//     person_ref TEXT NOT NULL,
//     changed_attributes JSONB NOT NULL DEFAULT '[]',
//     change_type TEXT NOT NULL,
//     occurred_at TIMESTAMPTZ NOT NULL,
//     attempt_count INT NOT NULL DEFAULT 0,
//     next_attempt_at TIMESTAMPTZ NOT NULL,
//     state TEXT NOT NULL,
//     claim_token TEXT NOT NULL DEFAULT '',
//     created_at TIMESTAMPTZ NOT NULL,
//     updated_at TIMESTAMPTZ NOT NULL,
//     UNIQUE (subscription_id, event_id)
//   )
// with a partial index on (next_attempt_at) WHERE state IN ('pending','failed_retryable').

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `
id, subscription_id, event_id, person_ref, changed_attributes, change_type,
occurred_at, attempt_count, next_attempt_at, state, claim_token, created_at, updated_at
`

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, n Notification) (bool, error) {
	attrs, err := json.Marshal(n.ChangedAttributes)
	if err != nil {
		return false, fmt.Errorf("marshal changed_attributes: %w", err)
	}
	const q = `
INSERT INTO notifications (
  id, subscription_id, event_id, person_ref, changed_attributes, change_type,
  occurred_at, attempt_count, next_attempt_at, state, claim_token, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (subscription_id, event_id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		n.ID,
		n.SubscriptionID,
		n.EventID,
		n.PersonRef,
		attrs,
		n.ChangeType,
		n.OccurredAt,
		n.AttemptCount,
		n.NextAttemptAt,
		n.State,
		n.ClaimToken,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Notification, error) {
	const q = `
SELECT ` + notificationColumns + `
FROM notifications
WHERE id = $1
`
	n, err := scanNotification(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, err
	}
	return n, nil
}

// ClaimDue claims with FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never select the same row; the claim token then guards the follow-up
// transition against stale-claim sweeps.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, claimToken string, limit int) ([]Notification, error) {
	const q = `
UPDATE notifications
SET state = 'delivering', claim_token = $2, updated_at = $1
WHERE id IN (
  SELECT id FROM notifications
  WHERE state = 'pending' AND next_attempt_at <= $1
  ORDER BY next_attempt_at, id
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + notificationColumns + `
`
	rows, err := s.db.QueryContext(ctx, q, now, claimToken, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id, claimToken string, at time.Time) error {
	const q = `
UPDATE notifications
SET state = 'delivered', claim_token = '', updated_at = $3
WHERE id = $1 AND state = 'delivering' AND claim_token = $2
`
	return s.claimedUpdate(ctx, q, id, claimToken, at)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id, claimToken string, attemptCount int, nextAttemptAt, at time.Time) error {
	const q = `
UPDATE notifications
SET state = 'failed_retryable', attempt_count = $3, next_attempt_at = $4, claim_token = '', updated_at = $5
WHERE id = $1 AND state = 'delivering' AND claim_token = $2
`
	res, err := s.db.ExecContext(ctx, q, id, claimToken, attemptCount, nextAttemptAt, at)
	if err != nil {
		return err
	}
	return claimedResult(res)
}

func (s *PostgresStore) MarkTerminal(ctx context.Context, id, claimToken string, attemptCount int, at time.Time) error {
	const q = `
UPDATE notifications
SET state = 'failed_terminal', attempt_count = $3, claim_token = '', updated_at = $4
WHERE id = $1 AND state = 'delivering' AND claim_token = $2
`
	res, err := s.db.ExecContext(ctx, q, id, claimToken, attemptCount, at)
	if err != nil {
		return err
	}
	return claimedResult(res)
}

func (s *PostgresStore) Release(ctx context.Context, id, claimToken string, nextAttemptAt, at time.Time) error {
	const q = `
UPDATE notifications
SET state = 'pending', next_attempt_at = $3, claim_token = '', updated_at = $4
WHERE id = $1 AND state = 'delivering' AND claim_token = $2
`
	res, err := s.db.ExecContext(ctx, q, id, claimToken, nextAttemptAt, at)
	if err != nil {
		return err
	}
	return claimedResult(res)
}

func (s *PostgresStore) ReleaseDueRetries(ctx context.Context, now time.Time) (int, error) {
	const q = `
UPDATE notifications
SET state = 'pending', updated_at = $1
WHERE state = 'failed_retryable' AND next_attempt_at <= $1
`
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) SweepStaleClaims(ctx context.Context, olderThan, at time.Time) (int, error) {
	const q = `
UPDATE notifications
SET state = 'pending', claim_token = '', updated_at = $2
WHERE state = 'delivering' AND updated_at < $1
`
	res, err := s.db.ExecContext(ctx, q, olderThan, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) claimedUpdate(ctx context.Context, q, id, claimToken string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, q, id, claimToken, at)
	if err != nil {
		return err
	}
	return claimedResult(res)
}

func claimedResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (Notification, error) {
	var (
		n     Notification
		attrs []byte
	)
	if err := row.Scan(
		&n.ID,
		&n.SubscriptionID,
		&n.EventID,
		&n.PersonRef,
		&attrs,
		&n.ChangeType,
		&n.OccurredAt,
		&n.AttemptCount,
		&n.NextAttemptAt,
		&n.State,
		&n.ClaimToken,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return Notification{}, err
	}
	if err := json.Unmarshal(attrs, &n.ChangedAttributes); err != nil {
		return Notification{}, fmt.Errorf("unmarshal changed_attributes: %w", err)
	}
	return n, nil
}
