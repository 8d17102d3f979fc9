package journal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(filepath.Join(t.TempDir(), "journal"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}
	return j
}

func TestNew_CreatesDirectory(t *testing.T) {
	j := newTestJournal(t)
	info, err := os.Stat(j.Dir())
	if err != nil || !info.IsDir() {
		t.Fatalf("каталог журнала не создан: %v", err)
	}
	if _, err := os.Stat(filepath.Join(j.Dir(), ".journal_write_test")); !os.IsNotExist(err) {
		t.Error("пробный файл должен быть удалён")
	}
}

// TestBegin_PersistsEntry проверяет формат записи на диске.
func TestBegin_PersistsEntry(t *testing.T) {
	j := newTestJournal(t)

	e, err := j.Begin(OpArchive, "rec-1", "/watch/A.pdf", "/archive/2026-03-07/A.pdf")
	if err != nil {
		t.Fatalf("Begin() ошибка: %v", err)
	}
	if e.Status != StatusPending || e.TransactionID == "" {
		t.Errorf("Begin() = %+v", e)
	}

	data, err := os.ReadFile(filepath.Join(j.Dir(), e.TransactionID+".journal.json"))
	if err != nil {
		t.Fatalf("файл записи не найден: %v", err)
	}
	var onDisk Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("невалидный JSON: %v", err)
	}
	if onDisk.Operation != OpArchive || onDisk.Source != "/watch/A.pdf" || onDisk.RecordID != "rec-1" {
		t.Errorf("запись на диске = %+v", onDisk)
	}
}

func TestCommitAndRollback(t *testing.T) {
	j := newTestJournal(t)

	a, _ := j.Begin(OpArchive, "rec-1", "/w/A.pdf", "/a/A.pdf")
	b, _ := j.Begin(OpQuarantine, "rec-2", "/w/B.pdf", "/q/B.pdf")

	if err := j.Commit(a.TransactionID); err != nil {
		t.Fatalf("Commit() ошибка: %v", err)
	}
	if err := j.Rollback(b.TransactionID); err != nil {
		t.Fatalf("Rollback() ошибка: %v", err)
	}

	got, err := j.Get(a.TransactionID)
	if err != nil || got.Status != StatusCommitted || got.CompletedAt == nil {
		t.Errorf("после Commit: %+v, %v", got, err)
	}
	got, _ = j.Get(b.TransactionID)
	if got.Status != StatusRolledBack {
		t.Errorf("после Rollback: %s", got.Status)
	}

	// Повторное завершение запрещено
	if err := j.Commit(a.TransactionID); err == nil {
		t.Error("ожидалась ошибка повторного Commit")
	}
	if err := j.Rollback("missing"); err == nil {
		t.Error("ожидалась ошибка для несуществующей записи")
	}
}

// TestPendingAndClean проверяет восстановление незавершённых записей и очистку.
func TestPendingAndClean(t *testing.T) {
	j := newTestJournal(t)

	first, _ := j.Begin(OpArchive, "rec-1", "/w/1.pdf", "/a/1.pdf")
	done, _ := j.Begin(OpArchive, "rec-2", "/w/2.pdf", "/a/2.pdf")
	second, _ := j.Begin(OpQuarantine, "rec-3", "/w/3.pdf", "/q/3.pdf")
	_ = j.Commit(done.TransactionID)

	// Повреждённая запись пропускается
	if err := os.WriteFile(filepath.Join(j.Dir(), "broken.journal.json"), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("Pending() ошибка: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending() вернул %d, хотели 2", len(pending))
	}
	if pending[0].TransactionID != first.TransactionID || pending[1].TransactionID != second.TransactionID {
		t.Error("записи должны идти в порядке начала")
	}

	cleaned, err := j.CleanFinished()
	if err != nil {
		t.Fatalf("CleanFinished() ошибка: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("CleanFinished() = %d, хотели 1", cleaned)
	}
	if _, err := j.Get(done.TransactionID); err == nil {
		t.Error("завершённая запись должна быть удалена")
	}
	if _, err := j.Get(first.TransactionID); err != nil {
		t.Error("pending-запись не должна удаляться")
	}
}
