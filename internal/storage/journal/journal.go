package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Journal — файловый журнал перемещений.
type Journal struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал в каталоге dir. Каталог создаётся при необходимости
// и проверяется на доступность записи.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог журнала %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("каталог журнала %s недоступен для записи: %w", dir, err)
	}
	os.Remove(probe)

	return &Journal{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// Begin создаёт запись pending для перемещения source → destination.
func (j *Journal) Begin(op Operation, recordID, source, destination string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		RecordID:      recordID,
		Source:        source,
		Destination:   destination,
		StartedAt:     time.Now().UTC(),
	}

	if err := j.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	j.logger.Debug("Перемещение начато",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(op)),
		slog.String("record_id", recordID),
	)
	return entry, nil
}

// Commit завершает перемещение.
func (j *Journal) Commit(txID string) error {
	return j.finish(txID, StatusCommitted)
}

// Rollback отменяет перемещение.
func (j *Journal) Rollback(txID string) error {
	return j.finish(txID, StatusRolledBack)
}

// finish переводит pending-запись в конечный статус.
func (j *Journal) finish(txID string, status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.readEntry(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать запись журнала %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("запись журнала %s имеет статус %s, ожидается %s", txID, entry.Status, StatusPending)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now

	if err := j.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %s: %w", txID, err)
	}

	j.logger.Debug("Перемещение завершено",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)
	return nil
}

// Pending возвращает все незавершённые записи в порядке начала.
func (j *Journal) Pending() ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	all, err := j.scan()
	if err != nil {
		return nil, err
	}

	var pending []*Entry
	for _, e := range all {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Get читает запись по идентификатору транзакции.
func (j *Journal) Get(txID string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.readEntry(txID)
}

// CleanFinished удаляет завершённые записи. Возвращает количество удалённых.
func (j *Journal) CleanFinished() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	all, err := j.scan()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, e := range all {
		if e.Status == StatusPending {
			continue
		}
		path := filepath.Join(j.dir, entryFileName(e.TransactionID))
		if err := os.Remove(path); err != nil {
			j.logger.Warn("Не удалось удалить запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info("Очистка журнала перемещений завершена", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

// scan читает все записи каталога. Нечитаемые записи пропускаются с предупреждением.
func (j *Journal) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(j.dir, "*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать каталог журнала: %w", err)
	}

	var entries []*Entry
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), fileSuffix)
		e, err := j.readEntry(txID)
		if err != nil {
			j.logger.Warn("Не удалось прочитать запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, e)
	}

	// Glob сортирует по имени (UUID), восстановление идёт по времени начала
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].StartedAt.Before(entries[b].StartedAt)
	})
	return entries, nil
}

// writeEntry атомарно записывает запись: temp → fsync → rename.
func (j *Journal) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	target := filepath.Join(j.dir, entryFileName(entry.TransactionID))
	tmpPath := target + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

func (j *Journal) readEntry(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, entryFileName(txID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}

// Dir возвращает каталог журнала.
func (j *Journal) Dir() string {
	return j.dir
}
