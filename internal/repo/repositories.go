package repo

import (
	"context"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, rec *model.MessageRecord) error
	GetByID(ctx context.Context, id int64) (*model.MessageRecord, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.MessageRecord, error)

	// ListDue returns scheduled records whose send time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.MessageRecord, error)

	// ListReconcilable returns records owning at least one group id whose
	// aggregate counts may still move (sending, sent, partial, and failed
	// records with accepted batches awaiting resume).
	ListReconcilable(ctx context.Context, limit int) ([]model.MessageRecord, error)

	// BeginSending transitions id from the given status to sending. Returns
	// false without error when the record is no longer in that status, which
	// is how a concurrent dispatch loses the race.
	BeginSending(ctx context.Context, id int64, from model.Status) (bool, error)

	// RecordDispatch persists the group ids accepted so far, the attempted
	// count, and the dispatch outcome status.
	RecordDispatch(ctx context.Context, id int64, groupIDs []string, attempted int, status model.Status) error

	UpdateCounts(ctx context.Context, id int64, success, fail int, status model.Status) error

	// OverrideCounts applies operator-supplied aggregates with a timestamp
	// and note. Status is left alone.
	OverrideCounts(ctx context.Context, id int64, success, fail int, note string, at time.Time) error

	// CancelSchedule moves a scheduled record back to draft before its due
	// time. Returns false when the record already left scheduled.
	CancelSchedule(ctx context.Context, id int64) (bool, error)
}

type AttachmentRepository interface {
	// LookupHandle returns the media id cached under key, if any.
	LookupHandle(ctx context.Context, cacheKey string) (string, bool, error)

	// SaveHandle inserts one row per key pointing at mediaID. On a key
	// collision the existing row wins and its media id is returned, so two
	// concurrent resolvers of identical content converge on one id.
	SaveHandle(ctx context.Context, cacheKeys []string, mediaID, contentHash string) (string, error)

	// DeleteUnreferenced drops handles no message record references.
	DeleteUnreferenced(ctx context.Context) (int64, error)
}

type DeliveryLogRepository interface {
	// Append inserts entries, silently skipping duplicates of
	// (message_id, recipient, reported_at). Returns the number inserted.
	Append(ctx context.Context, entries []model.DeliveryLogEntry) (int, error)

	// CountOutcomes sums the latest outcome per recipient, so a retried
	// delivery counts once.
	CountOutcomes(ctx context.Context, messageID int64) (success, fail, unknown int, err error)

	// Recipients returns the distinct recipients present in the log.
	Recipients(ctx context.Context, messageID int64) ([]string, error)

	// LastReportedAt returns the newest gateway timestamp ingested for the
	// message, used as the since-cursor for the next reconciliation pass.
	LastReportedAt(ctx context.Context, messageID int64) (time.Time, bool, error)
}
