package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
)

// Gateway is the slice of the provider API the dispatch path needs.
type Gateway interface {
	SubmitBatch(ctx context.Context, sub model.BatchSubmission) (model.BatchReceipt, error)
	DeliveryOutcomes(ctx context.Context, groupID string, since time.Time, page int) ([]model.DeliveryLogEntry, bool, error)
}

type AttachmentResolver interface {
	Resolve(ctx context.Context, ref model.AttachmentRef) (string, error)
}

// Dispatcher submits a message record to the gateway in size-limited batches
// and records the group id of every accepted batch.
type Dispatcher struct {
	records  repo.MessageRepository
	resolver AttachmentResolver
	gateway  Gateway

	senderID   string
	batchLimit int
	limiter    *rate.Limiter
	log        zerolog.Logger

	onDispatched func(ctx context.Context, messageID int64)
}

func NewDispatcher(records repo.MessageRepository, resolver AttachmentResolver, gateway Gateway, senderID string, batchLimit int, limiter *rate.Limiter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		records:    records,
		resolver:   resolver,
		gateway:    gateway,
		senderID:   senderID,
		batchLimit: batchLimit,
		limiter:    limiter,
		log:        log,
	}
}

// WithDispatchedHook registers a callback fired after a fully successful
// dispatch. Used to trigger an immediate best-effort reconciliation pass.
func (d *Dispatcher) WithDispatchedHook(fn func(ctx context.Context, messageID int64)) *Dispatcher {
	d.onDispatched = fn
	return d
}

// Dispatch sends the message to every recipient. Calling it on a record that
// is already sending, sent, or partial is a no-op returning current state.
// A record left failed by an earlier partial submission resumes at the first
// unaccepted batch offset.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) (*model.MessageRecord, error) {
	rec, err := d.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !rec.Status.Dispatchable() {
		d.log.Debug().Int64("message_id", id).Str("status", string(rec.Status)).Msg("dispatch no-op")
		return rec, nil
	}
	if rec.Status == model.StatusScheduled && rec.ScheduledAt != nil && time.Now().Before(*rec.ScheduledAt) {
		return nil, model.ErrNotDue
	}

	recipients := model.NormalizeRecipients(rec.Recipients)
	if len(recipients) == 0 {
		return nil, model.ErrNoRecipients
	}

	// Resolve before the status transition so an attachment failure leaves
	// the record exactly as it was.
	mediaID, err := d.resolver.Resolve(ctx, rec.Attachment)
	if err != nil {
		return nil, err
	}

	ok, err := d.records.BeginSending(ctx, id, rec.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to a concurrent invocation; its submission stands.
		d.log.Info().Int64("message_id", id).Msg("dispatch lost status race")
		return d.records.GetByID(ctx, id)
	}

	batches := PartitionRecipients(recipients, d.batchLimit)
	groupIDs := append([]string(nil), rec.GroupIDs...)
	attempted := len(recipients)

	// Partitioning is deterministic, so batches already holding a group id
	// from a previous attempt are skipped, never resent.
	for i := len(groupIDs); i < len(batches); i++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.recordFailure(ctx, id, groupIDs, attempted)
				return nil, fmt.Errorf("%w: batch %d/%d: %v", model.ErrBatchSubmissionFailed, i+1, len(batches), err)
			}
		}

		receipt, err := d.gateway.SubmitBatch(ctx, model.BatchSubmission{
			Recipients:     batches[i],
			Body:           rec.Body,
			MediaID:        mediaID,
			SenderID:       d.senderID,
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			d.recordFailure(ctx, id, groupIDs, attempted)
			return nil, fmt.Errorf("%w: batch %d/%d: %v", model.ErrBatchSubmissionFailed, i+1, len(batches), err)
		}

		groupIDs = append(groupIDs, receipt.GroupID)
		d.log.Info().
			Int64("message_id", id).
			Str("group_id", receipt.GroupID).
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("accepted", receipt.AcceptedCount).
			Msg("batch accepted")
	}

	if err := d.records.RecordDispatch(ctx, id, groupIDs, attempted, model.StatusSent); err != nil {
		return nil, err
	}

	if d.onDispatched != nil {
		d.onDispatched(ctx, id)
	}
	return d.records.GetByID(ctx, id)
}

// SweepDue dispatches every due scheduled message, isolating per-message
// failures. Safe under overlapping invocations: the conditional status
// transition in Dispatch lets exactly one caller submit.
func (d *Dispatcher) SweepDue(ctx context.Context, limit int) (dispatched, failed int) {
	due, err := d.records.ListDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		d.log.Error().Err(err).Msg("due query failed")
		return 0, 0
	}

	for _, rec := range due {
		if _, err := d.Dispatch(ctx, rec.ID); err != nil {
			failed++
			d.log.Error().Err(err).Int64("message_id", rec.ID).Msg("scheduled dispatch failed")
			continue
		}
		dispatched++
	}
	return dispatched, failed
}

func (d *Dispatcher) recordFailure(ctx context.Context, id int64, groupIDs []string, attempted int) {
	if err := d.records.RecordDispatch(ctx, id, groupIDs, attempted, model.StatusFailed); err != nil {
		d.log.Error().Err(err).Int64("message_id", id).Msg("failed to record dispatch failure")
	}
}

// PartitionRecipients splits recipients into ordered batches of at most
// limit. ceil(len/limit) batches; concatenating them reproduces the input.
func PartitionRecipients(recipients []string, limit int) [][]string {
	if limit <= 0 {
		limit = 1
	}
	var out [][]string
	for start := 0; start < len(recipients); start += limit {
		end := start + limit
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, recipients[start:end])
	}
	return out
}
