package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
	"github.com/dkim-labs/messaging-dispatch/internal/scheduler"
	"github.com/dkim-labs/messaging-dispatch/internal/service"
)

type Handler struct {
	dispatchSweep  *scheduler.Scheduler
	reconcileSweep *scheduler.Scheduler
	records        repo.MessageRepository
	dispatcher     *service.Dispatcher
	reconciler     *service.Reconciler
	auditor        *service.Auditor
}

func NewHandler(dispatchSweep, reconcileSweep *scheduler.Scheduler, records repo.MessageRepository, d *service.Dispatcher, r *service.Reconciler, a *service.Auditor) *Handler {
	return &Handler{
		dispatchSweep:  dispatchSweep,
		reconcileSweep: reconcileSweep,
		records:        records,
		dispatcher:     d,
		reconciler:     r,
		auditor:        a,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dispatch_running":  h.dispatchSweep.IsRunning(),
		"reconcile_running": h.reconcileSweep.IsRunning(),
	})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.dispatchSweep.Start()
	h.reconcileSweep.Start()
	h.SchedulerStatus(w, r)
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.dispatchSweep.Stop()
	h.reconcileSweep.Stop()
	h.SchedulerStatus(w, r)
}

func (h *Handler) TriggerDispatchSweep(w http.ResponseWriter, r *http.Request) {
	h.dispatchSweep.TriggerNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"triggered": "dispatch"})
}

func (h *Handler) TriggerReconcileSweep(w http.ResponseWriter, r *http.Request) {
	h.reconcileSweep.TriggerNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"triggered": "reconcile"})
}

type createMessageRequest struct {
	Body          string     `json:"body"`
	Category      string     `json:"category"`
	Subcategory   string     `json:"subcategory"`
	AttachmentRef string     `json:"attachment_ref"`
	Recipients    []string   `json:"recipients"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	recipients := model.NormalizeRecipients(req.Recipients)
	if len(recipients) == 0 {
		http.Error(w, "at least one valid recipient is required", http.StatusBadRequest)
		return
	}

	ref, err := model.ParseAttachmentRef(req.AttachmentRef)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := &model.MessageRecord{
		Body:        req.Body,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Attachment:  ref,
		Recipients:  recipients,
		Status:      model.StatusDraft,
		ScheduledAt: req.ScheduledAt,
	}
	if req.ScheduledAt != nil {
		rec.Status = model.StatusScheduled
	}

	if err := h.records.Create(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse(rec))
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusDraft
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.records.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, messageResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(rec))
}

func (h *Handler) DispatchMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(rec))
}

func (h *Handler) ReconcileMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.reconciler.Reconcile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(rec))
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.records.CancelSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !cancelled {
		writeError(w, model.ErrStatusConflict)
		return
	}
	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(rec))
}

func (h *Handler) AuditMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.auditor.Report(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type overrideRequest struct {
	Success int    `json:"success"`
	Fail    int    `json:"fail"`
	Note    string `json:"note"`
}

func (h *Handler) OverrideCounts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Note == "" {
		http.Error(w, "note is required for a manual override", http.StatusBadRequest)
		return
	}
	if err := h.auditor.Override(r.Context(), id, req.Success, req.Fail, req.Note); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(rec))
}

func messageResponse(rec *model.MessageRecord) map[string]any {
	return map[string]any{
		"id":                   rec.ID,
		"body":                 rec.Body,
		"category":             rec.Category,
		"subcategory":          rec.Subcategory,
		"attachment_kind":      rec.Attachment.Kind,
		"attachment_ref":       rec.Attachment.Value,
		"recipients":           rec.Recipients,
		"status":               rec.Status,
		"scheduled_at":         rec.ScheduledAt,
		"group_ids":            rec.GroupIDs,
		"attempted_count":      rec.AttemptedCount,
		"success_count":        rec.SuccessCount,
		"fail_count":           rec.FailCount,
		"counts_overridden_at": rec.CountsOverriddenAt,
		"override_note":        rec.OverrideNote,
		"created_at":           rec.CreatedAt,
		"updated_at":           rec.UpdatedAt,
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotDue), errors.Is(err, model.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNoRecipients):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAttachmentUnavailable), errors.Is(err, model.ErrAttachmentRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrBatchSubmissionFailed), errors.Is(err, model.ErrReconciliationUnavailable):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
