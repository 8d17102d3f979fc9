package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gr33njj/lis-mini/internal/domain/lifecycle"
	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
	"github.com/gr33njj/lis-mini/internal/storage/journal"
)

// --- In-memory хранилище записей ---

// memRecords — RecordRepository в памяти. Переходы проверяются
// тем же автоматом lifecycle, что и в условных UPDATE PostgreSQL.
type memRecords struct {
	mu    sync.Mutex
	byID  map[string]*model.ProcessingRecord
	seq   int
	clock func() time.Time

	// updateLocationErr — если задан, UpdateLocation возвращает эту ошибку
	updateLocationErr error
}

func newMemRecords() *memRecords {
	return &memRecords{
		byID:  map[string]*model.ProcessingRecord{},
		clock: time.Now,
	}
}

func cloneRecord(r *model.ProcessingRecord) *model.ProcessingRecord {
	c := *r
	return &c
}

func (m *memRecords) Create(_ context.Context, rec *model.ProcessingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.Fingerprint == rec.Fingerprint {
			return fmt.Errorf("%w: дубликат", repository.ErrConflict)
		}
	}
	m.seq++
	now := m.clock().Add(time.Duration(m.seq) * time.Microsecond)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.byID[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *memRecords) GetByID(_ context.Context, id string) (*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memRecords) GetByFingerprint(_ context.Context, fp string) (*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.Fingerprint == fp {
			return cloneRecord(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRecords) GetActiveByPath(_ context.Context, filePath string) (*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sorted()
	for i := len(list) - 1; i >= 0; i-- {
		r := list[i]
		if r.FilePath == filePath && (r.State == model.StatePending || r.State == model.StateProcessing) {
			return cloneRecord(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

// sorted возвращает записи в порядке создания.
func (m *memRecords) sorted() []*model.ProcessingRecord {
	list := make([]*model.ProcessingRecord, 0, len(m.byID))
	for _, r := range m.byID {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (m *memRecords) ListPending(_ context.Context, limit int) ([]*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProcessingRecord
	for _, r := range m.sorted() {
		if r.State == model.StatePending && !r.SentToDownstream && len(out) < limit {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

// transition применяет fn к записи, если переход в to допустим.
func (m *memRecords) transition(id string, to model.RecordState, reset bool, fn func(r *model.ProcessingRecord)) (*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := lifecycle.Validate(r.State, to, reset); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrStateConflict, err)
	}
	r.State = to
	r.UpdatedAt = m.clock()
	if fn != nil {
		fn(r)
	}
	return cloneRecord(r), nil
}

func (m *memRecords) MarkProcessing(_ context.Context, id string) (*model.ProcessingRecord, error) {
	return m.transition(id, model.StateProcessing, false, nil)
}

func (m *memRecords) RecordAttempt(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.State != model.StateProcessing {
		return repository.ErrStateConflict
	}
	r.RetryAttempts = attempts
	r.LastError = &lastError
	return nil
}

func (m *memRecords) MarkCompleted(_ context.Context, id string, c repository.Completion) (*model.ProcessingRecord, error) {
	return m.transition(id, model.StateCompleted, false, func(r *model.ProcessingRecord) {
		sentAt := c.SentAt
		ref := c.DownstreamRef
		r.SentToDownstream = true
		r.SentAt = &sentAt
		r.DownstreamRef = &ref
		r.RetryAttempts = c.Attempts
		r.LastError = nil
		if c.Recipient != "" {
			recipient := c.Recipient
			r.RecipientAddress = &recipient
		}
	})
}

func (m *memRecords) MarkFailed(_ context.Context, id string, lastError string, attempts int) (*model.ProcessingRecord, error) {
	return m.transition(id, model.StateFailed, false, func(r *model.ProcessingRecord) {
		r.LastError = &lastError
		r.RetryAttempts = attempts
	})
}

func (m *memRecords) UpdateLocation(_ context.Context, id, filePath string, archivedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateLocationErr != nil {
		return m.updateLocationErr
	}
	r, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.FilePath = filePath
	if archivedAt != nil {
		at := *archivedAt
		r.ArchivedAt = &at
	}
	return nil
}

func (m *memRecords) ResetToPending(_ context.Context, id string) (*model.ProcessingRecord, error) {
	return m.transition(id, model.StatePending, true, func(r *model.ProcessingRecord) {
		r.RetryAttempts = 0
		r.LastError = nil
	})
}

func (m *memRecords) MarkNotified(_ context.Context, id, recipient string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	r.NotificationSent = true
	r.NotificationAt = &at
	r.RecipientAddress = &recipient
	return nil
}

func (m *memRecords) filter(f repository.RecordListFilters) []*model.ProcessingRecord {
	var out []*model.ProcessingRecord
	for _, r := range m.sorted() {
		if f.State == nil || r.State == *f.State {
			out = append(out, r)
		}
	}
	return out
}

func (m *memRecords) List(_ context.Context, f repository.RecordListFilters, limit, offset int) ([]*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filter(f)
	var out []*model.ProcessingRecord
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRecord(all[i]))
	}
	return out, nil
}

func (m *memRecords) Count(_ context.Context, f repository.RecordListFilters) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filter(f)), nil
}

func (m *memRecords) CountByState(_ context.Context) (model.StateCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c model.StateCounts
	for _, r := range m.byID {
		c.Add(r.State, 1)
	}
	return c, nil
}

func (m *memRecords) ListStale(_ context.Context, before time.Time) ([]*model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProcessingRecord
	for _, r := range m.sorted() {
		if r.State == model.StateProcessing && r.UpdatedAt.Before(before) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

// put добавляет запись в обход Create (для подготовки состояния).
func (m *memRecords) put(rec *model.ProcessingRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		m.seq++
		rec.CreatedAt = m.clock().Add(time.Duration(m.seq) * time.Microsecond)
		rec.UpdatedAt = rec.CreatedAt
	}
	m.byID[rec.ID] = cloneRecord(rec)
}

func (m *memRecords) all() []*model.ProcessingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProcessingRecord
	for _, r := range m.sorted() {
		out = append(out, cloneRecord(r))
	}
	return out
}

// --- In-memory журнал аудита ---

type memAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (m *memAudit) Append(_ context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	e.Timestamp = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) List(_ context.Context, recordID *string, limit, offset int) ([]*model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if recordID == nil || (e.RecordID != nil && *e.RecordID == *recordID) {
			all = append(all, e)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// find возвращает события записи с указанным действием в порядке записи.
// recordID == "" — события без привязки к записи.
func (m *memAudit) find(recordID string, action model.AuditAction) []*model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AuditEntry
	for _, e := range m.entries {
		if e.Action != action {
			continue
		}
		switch {
		case recordID == "" && e.RecordID == nil:
			out = append(out, e)
		case e.RecordID != nil && *e.RecordID == recordID:
			out = append(out, e)
		}
	}
	return out
}

// memResetter — Resetter поверх memRecords и memAudit.
type memResetter struct {
	records *memRecords
	audit   *memAudit
}

func (r *memResetter) Reset(ctx context.Context, id string, entry *model.AuditEntry) (*model.ProcessingRecord, error) {
	rec, err := r.records.ResetToPending(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.RecordID = &rec.ID
	if err := r.audit.Append(ctx, entry); err != nil {
		return nil, err
	}
	return rec, nil
}

// --- Окружение ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	dir     string
	store   *filestore.FileStore
	journal *journal.Journal
	records *memRecords
	audit   *memAudit
	ledger  *ledger.Ledger
	logger  *slog.Logger
}

// setupTestEnv создаёт каталоги наблюдения, архива, карантина и журнала
// во временном каталоге и хранилища в памяти.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger()

	store, err := filestore.New(
		filepath.Join(dir, "watch"),
		filepath.Join(dir, "archive"),
		filepath.Join(dir, "quarantine"),
	)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	jrnl, err := journal.New(filepath.Join(dir, "journal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания журнала перемещений: %v", err)
	}

	audit := &memAudit{}
	return &testEnv{
		dir:     dir,
		store:   store,
		journal: jrnl,
		records: newMemRecords(),
		audit:   audit,
		ledger:  ledger.New(audit, logger),
		logger:  logger,
	}
}

// writeWatchFile создаёт файл в каталоге наблюдения.
func (e *testEnv) writeWatchFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.store.WatchDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла %s: %v", name, err)
	}
	return path
}

func (e *testEnv) newMover(now time.Time) *Mover {
	m := NewMover(e.records, e.store, e.journal, e.ledger, e.logger)
	m.now = func() time.Time { return now }
	return m
}
