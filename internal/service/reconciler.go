package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
)

// Reconciler pulls per-recipient outcomes from the gateway's authoritative
// log and recomputes the message's aggregate counts and status.
type Reconciler struct {
	records repo.MessageRepository
	logRepo repo.DeliveryLogRepository
	gateway Gateway
	log     zerolog.Logger
}

func NewReconciler(records repo.MessageRepository, logRepo repo.DeliveryLogRepository, gateway Gateway, log zerolog.Logger) *Reconciler {
	return &Reconciler{records: records, logRepo: logRepo, gateway: gateway, log: log}
}

// Reconcile ingests new delivery outcomes for every group id the message
// owns, then recomputes counts. All gateway pages are collected before
// anything is written, so a mid-query outage mutates nothing.
func (r *Reconciler) Reconcile(ctx context.Context, id int64) error {
	rec, err := r.records.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if len(rec.GroupIDs) == 0 {
		return nil
	}

	since, _, err := r.logRepo.LastReportedAt(ctx, id)
	if err != nil {
		return err
	}

	var entries []model.DeliveryLogEntry
	for _, groupID := range rec.GroupIDs {
		for page := 0; ; page++ {
			rows, more, err := r.gateway.DeliveryOutcomes(ctx, groupID, since, page)
			if err != nil {
				return fmt.Errorf("%w: group %s page %d: %v", model.ErrReconciliationUnavailable, groupID, page, err)
			}
			for _, row := range rows {
				row.MessageID = id
				entries = append(entries, row)
			}
			if !more {
				break
			}
		}
	}

	if len(entries) > 0 {
		inserted, err := r.logRepo.Append(ctx, entries)
		if err != nil {
			return err
		}
		r.log.Info().
			Int64("message_id", id).
			Int("fetched", len(entries)).
			Int("ingested", inserted).
			Msg("delivery log ingested")
	}

	success, fail, unknown, err := r.logRepo.CountOutcomes(ctx, id)
	if err != nil {
		return err
	}

	// A freshly dispatched message may have no log rows yet; writing counts
	// now would mark it failed for a gap that is purely timing. Leave it for
	// a later pass.
	if success+fail+unknown == 0 {
		return nil
	}

	status := statusFromCounts(rec.AttemptedCount, success, fail)
	// A failed record still owes the gateway its unaccepted batches. Promoting
	// it to sent or partial here would take it out of the dispatchable set and
	// strand those recipients, so the dispatch status stands until a resumed
	// dispatch completes.
	if rec.Status == model.StatusFailed {
		status = model.StatusFailed
	}
	return r.records.UpdateCounts(ctx, id, success, fail, status)
}

// Sweep reconciles every record that still owns group ids and a live status,
// isolating per-message failures. Gateway outages are logged and retried on
// the next pass; they only become operator-visible through the auditor.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (reconciled, failed int) {
	recs, err := r.records.ListReconcilable(ctx, limit)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcilable query failed")
		return 0, 0
	}

	for _, rec := range recs {
		if err := r.Reconcile(ctx, rec.ID); err != nil {
			failed++
			r.log.Warn().Err(err).Int64("message_id", rec.ID).Msg("reconciliation pass failed")
			continue
		}
		reconciled++
	}
	return reconciled, failed
}

func statusFromCounts(attempted, success, fail int) model.Status {
	switch {
	case fail == 0 && success == attempted:
		return model.StatusSent
	case success > 0:
		return model.StatusPartial
	default:
		return model.StatusFailed
	}
}
