package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
	"github.com/dkim-labs/messaging-dispatch/internal/service"
)

func dispatchedMessage(t *testing.T, store *repo.MemoryStore, gw *fakeGateway, n int) *model.MessageRecord {
	t.Helper()

	id := seedMessage(t, store, manyRecipients(n), model.StatusDraft)
	d := newDispatcher(store, gw, 100)
	rec, err := d.Dispatch(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func reportOutcomes(gw *fakeGateway, groupID string, at time.Time, outcome model.Outcome, recipients ...string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	for _, r := range recipients {
		gw.outcomes[groupID] = append(gw.outcomes[groupID], model.DeliveryLogEntry{
			Recipient:  r,
			Outcome:    outcome,
			ReportedAt: at,
		})
	}
}

func TestReconcile_ComputesCountsAndStatus(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 3)

	all := model.NormalizeRecipients(manyRecipients(3))
	now := time.Now().UTC().Truncate(time.Second)
	reportOutcomes(gw, rec.GroupIDs[0], now, model.OutcomeSuccess, all[0], all[1])
	reportOutcomes(gw, rec.GroupIDs[0], now, model.OutcomeFail, all[2])

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, out.SuccessCount)
	require.Equal(t, 1, out.FailCount)
	require.Equal(t, model.StatusPartial, out.Status)
}

func TestReconcile_AllDelivered_Sent(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 2)

	all := model.NormalizeRecipients(manyRecipients(2))
	reportOutcomes(gw, rec.GroupIDs[0], time.Now().UTC(), model.OutcomeSuccess, all...)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, out.Status)
	require.Equal(t, 2, out.SuccessCount)
	require.Zero(t, out.FailCount)
}

func TestReconcile_AllFailed(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 2)

	all := model.NormalizeRecipients(manyRecipients(2))
	reportOutcomes(gw, rec.GroupIDs[0], time.Now().UTC(), model.OutcomeFail, all...)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
}

func TestReconcile_IdempotentWithoutNewData(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 3)

	all := model.NormalizeRecipients(manyRecipients(3))
	reportOutcomes(gw, rec.GroupIDs[0], time.Now().UTC().Truncate(time.Second), model.OutcomeSuccess, all...)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	rowsAfterFirst := store.LogRowCount()
	first, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)

	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	require.Equal(t, rowsAfterFirst, store.LogRowCount(), "re-run must not duplicate log rows")
	second, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, first.SuccessCount, second.SuccessCount)
	require.Equal(t, first.FailCount, second.FailCount)
	require.Equal(t, first.Status, second.Status)
}

func TestReconcile_GatewayOutageLeavesRecordUntouched(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 2)

	gw.mu.Lock()
	gw.outcomesErr = errors.New("gateway down")
	gw.mu.Unlock()

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	err := r.Reconcile(context.Background(), rec.ID)
	require.ErrorIs(t, err, model.ErrReconciliationUnavailable)

	out, getErr := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, getErr)
	require.Equal(t, rec.Status, out.Status)
	require.Zero(t, out.SuccessCount)
	require.Zero(t, out.FailCount)
	require.Zero(t, store.LogRowCount())
}

func TestReconcile_EmptyLogLeavesStatusAlone(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 2)

	// Gateway reachable but has published nothing yet.
	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, out.Status, "an empty log must not flip a fresh dispatch to failed")
}

func TestReconcile_RetriedDeliveryCountsOnce(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	rec := dispatchedMessage(t, store, gw, 1)

	recipient := model.NormalizeRecipients(manyRecipients(1))[0]
	base := time.Now().UTC().Truncate(time.Second)
	reportOutcomes(gw, rec.GroupIDs[0], base, model.OutcomeFail, recipient)
	reportOutcomes(gw, rec.GroupIDs[0], base.Add(time.Minute), model.OutcomeSuccess, recipient)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, out.SuccessCount, "latest outcome per recipient wins")
	require.Zero(t, out.FailCount)
	require.Equal(t, model.StatusSent, out.Status)
	require.Equal(t, 2, store.LogRowCount(), "both gateway rows are kept append-only")
}

func TestReconcile_FailedRecordStaysRetriable(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	gw.failAfter = 2 // third batch fails
	d := newDispatcher(store, gw, 50)

	id := seedMessage(t, store, manyRecipients(200), model.StatusDraft)
	_, err := d.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, model.ErrBatchSubmissionFailed)

	rec, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Len(t, rec.GroupIDs, 2)

	// The accepted batches deliver while the record still owes two more.
	all := model.NormalizeRecipients(manyRecipients(200))
	reportOutcomes(gw, rec.GroupIDs[0], time.Now().UTC(), model.OutcomeSuccess, all[:50]...)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), rec.ID))

	mid, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 50, mid.SuccessCount)
	require.Equal(t, model.StatusFailed, mid.Status,
		"accepted-batch outcomes must not promote a half-submitted record")

	// Gateway healthy again: the resumed dispatch submits only the tail.
	gw.mu.Lock()
	gw.failAfter = -1
	gw.mu.Unlock()

	out, err := d.Dispatch(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, out.Status)
	require.Len(t, out.GroupIDs, 4)
	require.Equal(t, all[100], gw.submissions[2].Recipients[0],
		"retry must resume at the first unaccepted batch")
}

func TestSweep_IngestsOutcomesForFailedRecords(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	gw.failAfter = 1 // second batch fails
	d := newDispatcher(store, gw, 50)

	id := seedMessage(t, store, manyRecipients(100), model.StatusDraft)
	_, err := d.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, model.ErrBatchSubmissionFailed)

	rec, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	all := model.NormalizeRecipients(manyRecipients(100))
	reportOutcomes(gw, rec.GroupIDs[0], time.Now().UTC(), model.OutcomeSuccess, all[:50]...)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	reconciled, failed := r.Sweep(context.Background(), 10)
	require.Equal(t, 1, reconciled)
	require.Zero(t, failed)

	out, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 50, out.SuccessCount, "sweep must cover failed records with accepted batches")
	require.Equal(t, model.StatusFailed, out.Status)
}

func TestSweep_ReconcilesEveryLiveMessage(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	a := dispatchedMessage(t, store, gw, 1)
	b := dispatchedMessage(t, store, gw, 1)

	recipient := model.NormalizeRecipients(manyRecipients(1))[0]
	now := time.Now().UTC()
	reportOutcomes(gw, a.GroupIDs[0], now, model.OutcomeSuccess, recipient)
	reportOutcomes(gw, b.GroupIDs[0], now, model.OutcomeFail, recipient)

	r := service.NewReconciler(store, store, gw, zerolog.Nop())
	reconciled, failed := r.Sweep(context.Background(), 10)
	require.Equal(t, 2, reconciled)
	require.Zero(t, failed)

	outA, err := store.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	outB, err := store.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, outA.Status)
	require.Equal(t, model.StatusFailed, outB.Status)
}
