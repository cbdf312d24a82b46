package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

// MemoryStore is an in-memory implementation of all three repositories,
// used by tests and by components wired against a fake gateway. Semantics
// mirror the Postgres implementations, including the conditional-update and
// insert-dedup behavior the services rely on.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*model.MessageRecord
	handles  map[string]model.AttachmentHandle
	log      []model.DeliveryLogEntry
	logKeys  map[logKey]struct{}
}

type logKey struct {
	messageID  int64
	recipient  string
	reportedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		messages: make(map[int64]*model.MessageRecord),
		handles:  make(map[string]model.AttachmentHandle),
		logKeys:  make(map[logKey]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec *model.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec.ID = s.nextID
	s.nextID++
	rec.CreatedAt = now
	rec.UpdatedAt = now

	cp := *rec
	s.messages[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id int64) (*model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return nil, model.ErrMessageNotFound
	}
	cp := *rec
	cp.Recipients = append([]string(nil), rec.Recipients...)
	cp.GroupIDs = append([]string(nil), rec.GroupIDs...)
	return &cp, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status, limit, offset int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}

	var out []model.MessageRecord
	for _, rec := range s.sorted() {
		if rec.Status == status {
			out = append(out, *rec)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageRecord
	for _, rec := range s.sorted() {
		if rec.Status == model.StatusScheduled && rec.ScheduledAt != nil && !rec.ScheduledAt.After(now) {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListReconcilable(_ context.Context, limit int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageRecord
	for _, rec := range s.sorted() {
		switch rec.Status {
		case model.StatusSending, model.StatusSent, model.StatusPartial, model.StatusFailed:
			if len(rec.GroupIDs) > 0 {
				out = append(out, *rec)
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) BeginSending(_ context.Context, id int64, from model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = model.StatusSending
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RecordDispatch(_ context.Context, id int64, groupIDs []string, attempted int, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return model.ErrMessageNotFound
	}
	rec.GroupIDs = append([]string(nil), groupIDs...)
	rec.AttemptedCount = attempted
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateCounts(_ context.Context, id int64, success, fail int, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return model.ErrMessageNotFound
	}
	rec.SuccessCount = success
	rec.FailCount = fail
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) OverrideCounts(_ context.Context, id int64, success, fail int, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return model.ErrMessageNotFound
	}
	rec.SuccessCount = success
	rec.FailCount = fail
	t := at.UTC()
	rec.CountsOverriddenAt = &t
	rec.OverrideNote = &note
	rec.UpdatedAt = t
	return nil
}

func (s *MemoryStore) CancelSchedule(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok || rec.Status != model.StatusScheduled {
		return false, nil
	}
	rec.Status = model.StatusDraft
	rec.ScheduledAt = nil
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) LookupHandle(_ context.Context, cacheKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[cacheKey]
	if !ok {
		return "", false, nil
	}
	return h.MediaID, true, nil
}

func (s *MemoryStore) SaveHandle(_ context.Context, cacheKeys []string, mediaID, contentHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, key := range cacheKeys {
		if _, exists := s.handles[key]; !exists {
			s.handles[key] = model.AttachmentHandle{
				CacheKey:    key,
				MediaID:     mediaID,
				ContentHash: contentHash,
				CreatedAt:   now,
			}
		}
	}
	return s.handles[cacheKeys[len(cacheKeys)-1]].MediaID, nil
}

func (s *MemoryStore) DeleteUnreferenced(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]struct{})
	for _, rec := range s.messages {
		switch rec.Attachment.Kind {
		case model.AttachmentURL:
			if h, ok := s.handles[model.URLCacheKey(rec.Attachment.Value)]; ok {
				referenced[h.MediaID] = struct{}{}
			}
		case model.AttachmentPermanent:
			referenced[rec.Attachment.Value] = struct{}{}
		}
	}

	var removed int64
	for key, h := range s.handles {
		if _, ok := referenced[h.MediaID]; !ok {
			delete(s.handles, key)
			removed++
		}
	}
	return removed, nil
}

// HandleCount reports the number of stored attachment-handle rows.
func (s *MemoryStore) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *MemoryStore) Append(_ context.Context, entries []model.DeliveryLogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range entries {
		key := logKey{e.MessageID, e.Recipient, e.ReportedAt.UTC()}
		if _, dup := s.logKeys[key]; dup {
			continue
		}
		s.logKeys[key] = struct{}{}
		e.ReportedAt = e.ReportedAt.UTC()
		s.log = append(s.log, e)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) CountOutcomes(_ context.Context, messageID int64) (success, fail, unknown int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]model.DeliveryLogEntry)
	for _, e := range s.log {
		if e.MessageID != messageID {
			continue
		}
		if prev, ok := latest[e.Recipient]; !ok || e.ReportedAt.After(prev.ReportedAt) {
			latest[e.Recipient] = e
		}
	}
	for _, e := range latest {
		switch e.Outcome {
		case model.OutcomeSuccess:
			success++
		case model.OutcomeFail:
			fail++
		default:
			unknown++
		}
	}
	return success, fail, unknown, nil
}

func (s *MemoryStore) Recipients(_ context.Context, messageID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range s.log {
		if e.MessageID == messageID {
			seen[e.Recipient] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) LastReportedAt(_ context.Context, messageID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max time.Time
	found := false
	for _, e := range s.log {
		if e.MessageID == messageID && e.ReportedAt.After(max) {
			max = e.ReportedAt
			found = true
		}
	}
	return max, found, nil
}

// LogRowCount reports total delivery-log rows, including superseded retries.
func (s *MemoryStore) LogRowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *MemoryStore) sorted() []*model.MessageRecord {
	ids := make([]int64, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*model.MessageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	return out
}
