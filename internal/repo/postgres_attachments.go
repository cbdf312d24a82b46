package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

type PostgresAttachmentRepo struct {
	db *sql.DB
}

func NewPostgresAttachmentRepo(db *sql.DB) *PostgresAttachmentRepo {
	return &PostgresAttachmentRepo{db: db}
}

func (r *PostgresAttachmentRepo) LookupHandle(ctx context.Context, cacheKey string) (string, bool, error) {
	var mediaID string
	err := r.db.QueryRowContext(ctx, `
		SELECT media_id FROM attachment_handles WHERE cache_key = $1
	`, cacheKey).Scan(&mediaID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return mediaID, true, nil
}

// SaveHandle inserts one immutable row per cache key. The primary key on
// cache_key is the source of truth for the one-id-per-content invariant: a
// losing concurrent writer's insert is a no-op and the winner's media id is
// read back and returned.
func (r *PostgresAttachmentRepo) SaveHandle(ctx context.Context, cacheKeys []string, mediaID, contentHash string) (string, error) {
	if len(cacheKeys) == 0 {
		return "", errors.New("at least one cache key required")
	}

	for _, key := range cacheKeys {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO attachment_handles (cache_key, media_id, content_hash, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (cache_key) DO NOTHING
		`, key, mediaID, contentHash); err != nil {
			return "", err
		}
	}

	// The hash key identifies the binary content, so whichever row holds it
	// decides the canonical media id.
	canonical := cacheKeys[len(cacheKeys)-1]
	var winner string
	if err := r.db.QueryRowContext(ctx, `
		SELECT media_id FROM attachment_handles WHERE cache_key = $1
	`, canonical).Scan(&winner); err != nil {
		return "", fmt.Errorf("re-read handle %s: %w", canonical, err)
	}
	return winner, nil
}

func (r *PostgresAttachmentRepo) DeleteUnreferenced(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM attachment_handles h
		WHERE NOT EXISTS (
			SELECT 1 FROM messages m
			WHERE m.attachment_kind = $1
			  AND h.cache_key = 'url:' || m.attachment_ref
		)
		AND NOT EXISTS (
			SELECT 1 FROM messages m
			WHERE m.attachment_kind = $2
			  AND h.media_id = m.attachment_ref
		)
		AND NOT EXISTS (
			SELECT 1 FROM attachment_handles ref
			WHERE ref.media_id = h.media_id AND ref.cache_key <> h.cache_key
			  AND EXISTS (
				SELECT 1 FROM messages m
				WHERE m.attachment_kind = $1
				  AND ref.cache_key = 'url:' || m.attachment_ref
			  )
		)
	`, string(model.AttachmentURL), string(model.AttachmentPermanent))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
