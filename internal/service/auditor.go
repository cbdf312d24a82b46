package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
)

// Auditor is the read-only integrity check across the intended-recipient
// record, the ingested delivery log, and the stored aggregates, plus the
// guarded manual-override path.
type Auditor struct {
	records repo.MessageRepository
	logRepo repo.DeliveryLogRepository
	log     zerolog.Logger
}

func NewAuditor(records repo.MessageRepository, logRepo repo.DeliveryLogRepository, log zerolog.Logger) *Auditor {
	return &Auditor{records: records, logRepo: logRepo, log: log}
}

// Report diffs the target recipient set against the delivery log. Rows are
// restricted to recipients where target membership and log membership
// disagree. Silently-dropped recipients are flagged only for sent/partial
// messages, where the aggregate status claims delivery happened.
func (a *Auditor) Report(ctx context.Context, id int64) (*model.DiscrepancyReport, error) {
	rec, err := a.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target := model.NormalizeRecipients(rec.Recipients)
	logged, err := a.logRepo.Recipients(ctx, id)
	if err != nil {
		return nil, err
	}

	targetSet := make(map[string]struct{}, len(target))
	for _, t := range target {
		targetSet[t] = struct{}{}
	}
	loggedSet := make(map[string]struct{}, len(logged))
	for _, l := range logged {
		loggedSet[l] = struct{}{}
	}

	report := &model.DiscrepancyReport{
		MessageID:     id,
		Status:        rec.Status,
		StoredSuccess: rec.SuccessCount,
		StoredFail:    rec.FailCount,
	}

	claimed := rec.Status == model.StatusSent || rec.Status == model.StatusPartial
	for _, t := range target {
		if _, ok := loggedSet[t]; !ok {
			report.Rows = append(report.Rows, model.DiscrepancyRow{Recipient: t, InTargetList: true})
			if claimed {
				report.SilentlyDropped = append(report.SilentlyDropped, t)
			}
		}
	}
	for _, l := range logged {
		if _, ok := targetSet[l]; !ok {
			report.Rows = append(report.Rows, model.DiscrepancyRow{Recipient: l, InDeliveryLog: true})
		}
	}

	success, fail, unknown, err := a.logRepo.CountOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	report.LoggedSuccess = success
	report.LoggedFail = fail
	report.LoggedUnknown = unknown
	report.CountMismatch = rec.SuccessCount != success || rec.FailCount != fail

	if report.CountMismatch || len(report.SilentlyDropped) > 0 {
		a.log.Warn().
			Int64("message_id", id).
			Bool("count_mismatch", report.CountMismatch).
			Int("silently_dropped", len(report.SilentlyDropped)).
			Msg("audit discrepancy")
	}
	return report, nil
}

// Override applies operator-supplied aggregate counts verbatim, stamped with
// the override time and note. It never touches the delivery log and never
// resends; a silently-dropped recipient stays advisory until a human acts.
func (a *Auditor) Override(ctx context.Context, id int64, success, fail int, note string) error {
	if success < 0 || fail < 0 {
		return fmt.Errorf("counts must be non-negative (success=%d fail=%d)", success, fail)
	}
	if _, err := a.records.GetByID(ctx, id); err != nil {
		return err
	}

	at := time.Now().UTC()
	if err := a.records.OverrideCounts(ctx, id, success, fail, note, at); err != nil {
		return err
	}

	a.log.Info().
		Int64("message_id", id).
		Int("success", success).
		Int("fail", fail).
		Str("note", note).
		Time("at", at).
		Msg("aggregate counts manually overridden")
	return nil
}
