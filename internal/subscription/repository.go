package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NOTE: This repository assumes the following table exists:
// - subscriptions (
//     id TEXT PRIMARY KEY,
//     application_id TEXT NOT NULL,
//     owner_scope TEXT NOT NULL,
//     filter JSONB NOT NULL,
//     target_url TEXT NOT NULL,
//     target_auth_ref TEXT NOT NULL DEFAULT '',
//     status TEXT NOT NULL,
//     end_date TIMESTAMPTZ NULL,
//     created_at TIMESTAMPTZ NOT NULL,
//     updated_at TIMESTAMPTZ NOT NULL
//   )
// with an index on (application_id) and a partial index on status = 'active'.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const subscriptionColumns = `
id, application_id, owner_scope, filter, target_url, target_auth_ref, status, end_date, created_at, updated_at
`

func (r *PostgresRepo) Create(ctx context.Context, sub Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}

	const q = `
INSERT INTO subscriptions (
  id, application_id, owner_scope, filter, target_url, target_auth_ref, status, end_date, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err = r.db.ExecContext(ctx, q,
		sub.ID,
		sub.ApplicationID,
		sub.OwnerScope,
		filter,
		sub.Target.URL,
		sub.Target.AuthRef,
		sub.Status,
		sub.EndDate,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE id = $1
`
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, err
	}
	return sub, nil
}

func (r *PostgresRepo) ListByApplication(ctx context.Context, applicationID string) ([]Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE application_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (r *PostgresRepo) ListActive(ctx context.Context, at time.Time) ([]Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE status = 'active' AND (end_date IS NULL OR end_date > $1)
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (r *PostgresRepo) CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	const q = `
UPDATE subscriptions
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`
	res, err := r.db.ExecContext(ctx, q, id, from, to, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row for the caller's loop.
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *PostgresRepo) SetEndDate(ctx context.Context, id string, endDate, at time.Time) (Subscription, error) {
	const q = `
UPDATE subscriptions
SET end_date = $2, updated_at = $3
WHERE id = $1
RETURNING ` + subscriptionColumns + `
`
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, q, id, endDate, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, err
	}
	return sub, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub     Subscription
		filter  []byte
		endDate sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.ApplicationID,
		&sub.OwnerScope,
		&filter,
		&sub.Target.URL,
		&sub.Target.AuthRef,
		&sub.Status,
		&endDate,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal(filter, &sub.Filter); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal filter: %w", err)
	}
	if endDate.Valid {
		d := endDate.Time
		sub.EndDate = &d
	}
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
