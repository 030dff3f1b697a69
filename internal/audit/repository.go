package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/utils"
)

// NOTE: This repository assumes the following table exists:
// - audit_records (
//     id TEXT PRIMARY KEY,
//     notification_id TEXT NOT NULL,
//     subscription_id TEXT NOT NULL,
//     event_id TEXT NOT NULL,
//     outcome TEXT NOT NULL,
//     ts TIMESTAMPTZ NOT NULL,
//     detail TEXT NOT NULL DEFAULT ''
//   )
// with indexes on (subscription_id, ts), (event_id, ts) and (ts, id).
// The table is INSERT-only; a trigger blocking UPDATE/DELETE is recommended.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) AppendBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	// One transaction per batch so a flush is all-or-nothing; ON CONFLICT
	// makes a re-flush after a commit/ack race harmless.
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO audit_records (id, notification_id, subscription_id, event_id, outcome, ts, detail)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING
`
		for _, rec := range recs {
			if _, err := tx.ExecContext(ctx, q,
				rec.ID,
				rec.NotificationID,
				rec.SubscriptionID,
				rec.EventID,
				rec.Outcome,
				rec.Timestamp,
				rec.Detail,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) Query(ctx context.Context, q Query) (Page, error) {
	curTS, curID, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.SubscriptionID != "" {
		where = append(where, "subscription_id = "+arg(q.SubscriptionID))
	}
	if q.EventID != "" {
		where = append(where, "event_id = "+arg(q.EventID))
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= "+arg(q.To))
	}
	if q.Cursor != "" {
		where = append(where, fmt.Sprintf("(ts, id) > (%s, %s)", arg(curTS), arg(curID)))
	}

	sqlq := `
SELECT id, notification_id, subscription_id, event_id, outcome, ts, detail
FROM audit_records
`
	if len(where) > 0 {
		sqlq += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	sqlq += "ORDER BY ts, id\nLIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.NotificationID,
			&rec.SubscriptionID,
			&rec.EventID,
			&rec.Outcome,
			&rec.Timestamp,
			&rec.Detail,
		); err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Records) == limit {
		page.NextCursor = encodeCursor(page.Records[len(page.Records)-1])
	}
	return page, nil
}
