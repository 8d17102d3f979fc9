package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirChecker_OK(t *testing.T) {
	fs := newTestStore(t)
	journalDir := t.TempDir()

	status, msg := NewDirChecker(fs, map[string]string{"journal": journalDir}).CheckReady()
	if status != "ok" {
		t.Fatalf("статус: хотели ok, получили %s (%s)", status, msg)
	}
	if msg != "каталогов: 4" {
		t.Errorf("сообщение: %q", msg)
	}

	// Пробный файл не остаётся в каталоге наблюдения
	entries, err := os.ReadDir(fs.WatchDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("в каталоге наблюдения остались файлы: %d", len(entries))
	}
}

func TestDirChecker_MissingDir(t *testing.T) {
	fs := newTestStore(t)
	if err := os.RemoveAll(fs.QuarantineDir()); err != nil {
		t.Fatal(err)
	}
	missingJournal := filepath.Join(t.TempDir(), "нет")

	status, msg := NewDirChecker(fs, map[string]string{"journal": missingJournal}).CheckReady()
	if status != "fail" {
		t.Fatalf("статус: хотели fail, получили %s", status)
	}
	if !strings.Contains(msg, "journal:") || !strings.Contains(msg, "quarantine:") {
		t.Errorf("сообщение должно называть оба каталога: %q", msg)
	}
	if strings.Contains(msg, "archive:") {
		t.Errorf("исправный каталог попал в сообщение: %q", msg)
	}
}

func TestDirChecker_NotADirectory(t *testing.T) {
	fs := newTestStore(t)
	file := filepath.Join(t.TempDir(), "journal")
	if err := os.WriteFile(file, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	status, msg := NewDirChecker(fs, map[string]string{"journal": file}).CheckReady()
	if status != "fail" || !strings.Contains(msg, "не является каталогом") {
		t.Errorf("хотели fail для файла вместо каталога, получили %s (%s)", status, msg)
	}
}
