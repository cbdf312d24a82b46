package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkim-labs/messaging-dispatch/internal/api"
	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
	"github.com/dkim-labs/messaging-dispatch/internal/scheduler"
	"github.com/dkim-labs/messaging-dispatch/internal/service"
)

type stubGateway struct {
	mu     sync.Mutex
	groups int
}

func (g *stubGateway) SubmitBatch(_ context.Context, sub model.BatchSubmission) (model.BatchReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups++
	return model.BatchReceipt{GroupID: fmt.Sprintf("grp-%d", g.groups), AcceptedCount: len(sub.Recipients)}, nil
}

func (g *stubGateway) DeliveryOutcomes(context.Context, string, time.Time, int) ([]model.DeliveryLogEntry, bool, error) {
	return nil, false, nil
}

type noResolver struct{}

func (noResolver) Resolve(_ context.Context, ref model.AttachmentRef) (string, error) {
	return ref.Value, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *repo.MemoryStore) {
	t.Helper()

	store := repo.NewMemoryStore()
	gw := &stubGateway{}
	log := zerolog.Nop()

	dispatcher := service.NewDispatcher(store, noResolver{}, gw, "SENDER1", 100, nil, log)
	reconciler := service.NewReconciler(store, store, gw, log)
	auditor := service.NewAuditor(store, store, log)

	noop := func(context.Context) {}
	dispatchSweep, err := scheduler.New("dispatch", time.Hour, noop, log)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	reconcileSweep, err := scheduler.New("reconcile", time.Hour, noop, log)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	h := api.NewHandler(dispatchSweep, reconcileSweep, store, dispatcher, reconciler, auditor)
	srv := httptest.NewServer(api.Router(h))
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreateDispatchGetFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages", map[string]any{
		"body":       "hello",
		"category":   "notice",
		"recipients": []string{"010-1234-0000", "01012340000", "01056780000"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	id := int64(created["id"].(float64))

	if got := created["status"]; got != "draft" {
		t.Fatalf("expected draft, got %v", got)
	}
	if recips := created["recipients"].([]any); len(recips) != 2 {
		t.Fatalf("expected deduplicated recipients, got %v", recips)
	}

	resp = postJSON(t, fmt.Sprintf("%s/v1/messages/%d/dispatch", srv.URL, id), map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: expected 200, got %d", resp.StatusCode)
	}
	dispatched := decodeBody(t, resp)
	if dispatched["status"] != "sent" {
		t.Fatalf("expected sent, got %v", dispatched["status"])
	}
	if groups := dispatched["group_ids"].([]any); len(groups) != 1 {
		t.Fatalf("expected one group id, got %v", groups)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/messages/%d", srv.URL, id))
	if err != nil {
		t.Fatalf("GET message: %v", err)
	}
	got := decodeBody(t, resp)
	if got["attempted_count"].(float64) != 2 {
		t.Fatalf("expected attempted=2, got %v", got["attempted_count"])
	}
}

func TestCreateMessage_Validation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages", map[string]any{"recipients": []string{"0101"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing body: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/messages", map[string]any{"body": "x", "recipients": []string{"abc"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no valid recipients: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/messages", map[string]any{
		"body":           "x",
		"recipients":     []string{"0101"},
		"attachment_ref": "ftp://host/file",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad attachment scheme: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetMessage_NotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/messages/4242")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelScheduledMessage(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)

	future := time.Now().Add(time.Hour).UTC()
	rec := &model.MessageRecord{
		Body:        "later",
		Recipients:  []string{"01012340000"},
		Status:      model.StatusScheduled,
		ScheduledAt: &future,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/v1/messages/%d/cancel", srv.URL, rec.ID), map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "draft" {
		t.Fatalf("expected draft after cancel, got %v", body["status"])
	}

	// Cancelling again conflicts: the record is no longer scheduled.
	resp = postJSON(t, fmt.Sprintf("%s/v1/messages/%d/cancel", srv.URL, rec.ID), map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOverrideCounts_RequiresNote(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)

	rec := &model.MessageRecord{Body: "x", Recipients: []string{"01012340000"}, Status: model.StatusSent}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/v1/messages/%d/counts", srv.URL, rec.ID), map[string]any{"success": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without note, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, fmt.Sprintf("%s/v1/messages/%d/counts", srv.URL, rec.ID), map[string]any{
		"success": 1, "fail": 0, "note": "from provider console",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["counts_overridden_at"] == nil {
		t.Fatal("override must be timestamped")
	}
}

func TestAuditEndpoint(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)

	rec := &model.MessageRecord{
		Body:           "x",
		Recipients:     []string{"01012340000", "01056780000"},
		Status:         model.StatusSent,
		GroupIDs:       []string{"grp-1"},
		AttemptedCount: 2,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/messages/%d/audit", srv.URL, rec.ID))
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if dropped := body["silently_dropped"].([]any); len(dropped) != 2 {
		t.Fatalf("expected both recipients silently dropped, got %v", dropped)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/scheduler/start", map[string]any{})
	body := decodeBody(t, resp)
	if body["dispatch_running"] != true || body["reconcile_running"] != true {
		t.Fatalf("expected both sweeps running, got %v", body)
	}

	resp = postJSON(t, srv.URL+"/v1/scheduler/stop", map[string]any{})
	body = decodeBody(t, resp)
	if body["dispatch_running"] != false || body["reconcile_running"] != false {
		t.Fatalf("expected both sweeps stopped, got %v", body)
	}
}
