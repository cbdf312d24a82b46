package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `
	id, body, category, subcategory, attachment_kind, attachment_ref,
	recipients, status, scheduled_at, group_ids,
	attempted_count, success_count, fail_count,
	counts_overridden_at, override_note, created_at, updated_at`

func (r *PostgresMessageRepo) Create(ctx context.Context, rec *model.MessageRecord) error {
	// Only the kind and string value persist; a bytes ref would come back
	// with an empty payload, so it must be resolved to a media id first.
	if rec.Attachment.Kind == model.AttachmentBytes {
		return errors.New("bytes attachment refs cannot be persisted")
	}

	recipients, err := encodeStrings(rec.Recipients)
	if err != nil {
		return err
	}
	groupIDs, err := encodeStrings(rec.GroupIDs)
	if err != nil {
		return err
	}

	kind := string(rec.Attachment.Kind)
	if kind == "" {
		kind = string(model.AttachmentNone)
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			body, category, subcategory, attachment_kind, attachment_ref,
			recipients, status, scheduled_at, group_ids,
			attempted_count, success_count, fail_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, now(), now())
		RETURNING id, created_at, updated_at
	`,
		rec.Body, rec.Category, rec.Subcategory, kind, rec.Attachment.Value,
		recipients, string(rec.Status), rec.ScheduledAt, groupIDs,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

func (r *PostgresMessageRepo) GetByID(ctx context.Context, id int64) (*model.MessageRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)

	rec, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMessageNotFound
	}
	return rec, err
}

func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) ListReconcilable(ctx context.Context, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN ('sending', 'sent', 'partial', 'failed')
		  AND group_ids <> '[]'
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) BeginSending(ctx context.Context, id int64, from model.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sending', updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresMessageRepo) RecordDispatch(ctx context.Context, id int64, groupIDs []string, attempted int, status model.Status) error {
	encoded, err := encodeStrings(groupIDs)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE messages
		SET group_ids = $2,
		    attempted_count = $3,
		    status = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, encoded, attempted, string(status))
	return err
}

func (r *PostgresMessageRepo) UpdateCounts(ctx context.Context, id int64, success, fail int, status model.Status) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET success_count = $2,
		    fail_count = $3,
		    status = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, success, fail, string(status))
	return err
}

func (r *PostgresMessageRepo) OverrideCounts(ctx context.Context, id int64, success, fail int, note string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET success_count = $2,
		    fail_count = $3,
		    counts_overridden_at = $4,
		    override_note = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, success, fail, at.UTC(), note)
	return err
}

func (r *PostgresMessageRepo) CancelSchedule(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'draft', scheduled_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.MessageRecord, error) {
	var (
		rec          model.MessageRecord
		kind         string
		refValue     sql.NullString
		recipients   []byte
		status       string
		scheduledAt  sql.NullTime
		groupIDs     []byte
		overriddenAt sql.NullTime
		overrideNote sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&rec.Body,
		&rec.Category,
		&rec.Subcategory,
		&kind,
		&refValue,
		&recipients,
		&status,
		&scheduledAt,
		&groupIDs,
		&rec.AttemptedCount,
		&rec.SuccessCount,
		&rec.FailCount,
		&overriddenAt,
		&overrideNote,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = model.Status(status)
	rec.Attachment = model.AttachmentRef{Kind: model.AttachmentKind(kind)}
	if refValue.Valid {
		rec.Attachment.Value = refValue.String
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		rec.ScheduledAt = &t
	}
	if overriddenAt.Valid {
		t := overriddenAt.Time
		rec.CountsOverriddenAt = &t
	}
	if overrideNote.Valid {
		s := overrideNote.String
		rec.OverrideNote = &s
	}

	var err error
	if rec.Recipients, err = decodeStrings(recipients); err != nil {
		return nil, fmt.Errorf("message %d recipients: %w", rec.ID, err)
	}
	if rec.GroupIDs, err = decodeStrings(groupIDs); err != nil {
		return nil, fmt.Errorf("message %d group_ids: %w", rec.ID, err)
	}
	return &rec, nil
}

func collectMessages(rows *sql.Rows) ([]model.MessageRecord, error) {
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// String slices persist as JSON text so the store stays on plain database/sql.

func encodeStrings(s []string) ([]byte, error) {
	if s == nil {
		s = []string{}
	}
	return json.Marshal(s)
}

func decodeStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
