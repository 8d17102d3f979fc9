package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// mockStore — мок хранилища событий.
type mockStore struct {
	appendFn func(ctx context.Context, e *model.AuditEntry) error
	entries  []*model.AuditEntry
}

func (m *mockStore) Append(ctx context.Context, e *model.AuditEntry) error {
	if m.appendFn != nil {
		return m.appendFn(ctx, e)
	}
	m.entries = append(m.entries, e)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecord_WithRecordID(t *testing.T) {
	store := &mockStore{}
	l := New(store, testLogger())

	l.Record(context.Background(), "rec-1", model.ActionArchive, model.OutcomeSuccess,
		"файл архивирован", map[string]any{"to": "/archive/x.pdf"})

	if len(store.entries) != 1 {
		t.Fatalf("ожидали 1 событие, получили %d", len(store.entries))
	}
	e := store.entries[0]
	if e.RecordID == nil || *e.RecordID != "rec-1" {
		t.Errorf("RecordID = %v, хотели rec-1", e.RecordID)
	}
	if e.Action != model.ActionArchive || e.Outcome != model.OutcomeSuccess {
		t.Errorf("Action/Outcome = %s/%s", e.Action, e.Outcome)
	}
	if e.Details["to"] != "/archive/x.pdf" {
		t.Errorf("Details = %v", e.Details)
	}
}

func TestRecord_WithoutRecordID(t *testing.T) {
	store := &mockStore{}
	l := New(store, testLogger())

	l.Record(context.Background(), "", model.ActionFileDetected, model.OutcomeError, "ошибка чтения", nil)

	if len(store.entries) != 1 || store.entries[0].RecordID != nil {
		t.Fatal("событие без записи должно сохраняться с RecordID = nil")
	}
}

// TestRecord_StoreError проверяет, что ошибка хранилища не приводит к панике
// и не пробрасывается вызывающему.
func TestRecord_StoreError(t *testing.T) {
	called := false
	store := &mockStore{appendFn: func(_ context.Context, _ *model.AuditEntry) error {
		called = true
		return errors.New("db down")
	}}
	l := New(store, testLogger())

	l.Record(context.Background(), "rec-1", model.ActionQuarantine, model.OutcomeError, "x", nil)

	if !called {
		t.Error("Append не вызван")
	}
}

// TestRecord_CancelledContext проверяет сохранение события при отменённом контексте.
func TestRecord_CancelledContext(t *testing.T) {
	var gotErr error
	store := &mockStore{appendFn: func(ctx context.Context, _ *model.AuditEntry) error {
		gotErr = ctx.Err()
		return nil
	}}
	l := New(store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, "rec-1", model.ActionArchive, model.OutcomeSuccess, "x", nil)

	if gotErr != nil {
		t.Errorf("хранилище получило отменённый контекст: %v", gotErr)
	}
}
