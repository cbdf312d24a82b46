package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

type PostgresDeliveryLogRepo struct {
	db *sql.DB
}

func NewPostgresDeliveryLogRepo(db *sql.DB) *PostgresDeliveryLogRepo {
	return &PostgresDeliveryLogRepo{db: db}
}

// Append inserts outcome rows. The (message_id, recipient, reported_at)
// primary key makes re-ingestion of the same gateway page a no-op, which is
// what lets reconciliation re-run safely.
func (r *PostgresDeliveryLogRepo) Append(ctx context.Context, entries []model.DeliveryLogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_log (message_id, recipient, outcome, reported_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, recipient, reported_at) DO NOTHING
		`, e.MessageID, e.Recipient, string(e.Outcome), e.ReportedAt.UTC())
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountOutcomes takes the newest row per recipient so a delivery retried by
// the gateway counts once, at its final outcome.
func (r *PostgresDeliveryLogRepo) CountOutcomes(ctx context.Context, messageID int64) (success, fail, unknown int, err error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT latest.outcome, COUNT(*)
		FROM (
			SELECT DISTINCT ON (recipient) outcome
			FROM delivery_log
			WHERE message_id = $1
			ORDER BY recipient, reported_at DESC
		) latest
		GROUP BY latest.outcome
	`, messageID)
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, 0, err
		}
		switch model.Outcome(outcome) {
		case model.OutcomeSuccess:
			success = n
		case model.OutcomeFail:
			fail = n
		default:
			unknown += n
		}
	}
	return success, fail, unknown, rows.Err()
}

func (r *PostgresDeliveryLogRepo) Recipients(ctx context.Context, messageID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT recipient
		FROM delivery_log
		WHERE message_id = $1
		ORDER BY recipient
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var recipient string
		if err := rows.Scan(&recipient); err != nil {
			return nil, err
		}
		out = append(out, recipient)
	}
	return out, rows.Err()
}

func (r *PostgresDeliveryLogRepo) LastReportedAt(ctx context.Context, messageID int64) (time.Time, bool, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT max(reported_at) FROM delivery_log WHERE message_id = $1
	`, messageID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !t.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t.Time, true, nil
}
