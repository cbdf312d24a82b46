package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/sweeps/dispatch", h.TriggerDispatchSweep)
	mux.HandleFunc("POST /v1/sweeps/reconcile", h.TriggerReconcileSweep)

	mux.HandleFunc("POST /v1/messages", h.CreateMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/dispatch", h.DispatchMessage)
	mux.HandleFunc("POST /v1/messages/{id}/reconcile", h.ReconcileMessage)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", h.CancelMessage)
	mux.HandleFunc("GET /v1/messages/{id}/audit", h.AuditMessage)
	mux.HandleFunc("POST /v1/messages/{id}/counts", h.OverrideCounts)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("messaging-dispatch"))
	})

	return mux
}
