package repo_test

import (
	"context"
	"testing"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
)

func TestPostgresCreate_RejectsBytesAttachment(t *testing.T) {
	t.Parallel()

	// Validation runs before any query, so no live database is needed.
	r := repo.NewPostgresMessageRepo(nil)

	rec := &model.MessageRecord{
		Body:       "inline photo",
		Recipients: []string{"01012340000"},
		Status:     model.StatusDraft,
		Attachment: model.AttachmentRef{
			Kind:        model.AttachmentBytes,
			Data:        []byte("jpeg-bytes"),
			ContentType: "image/jpeg",
		},
	}

	if err := r.Create(context.Background(), rec); err == nil {
		t.Fatal("expected bytes attachment ref to be rejected, payload would not survive a round trip")
	}
}
