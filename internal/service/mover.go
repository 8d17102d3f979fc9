// mover.go — перемещение файлов в архив и карантин.
//
// Каждое перемещение оформляется записью журнала перемещений: pending до
// rename, commit после сохранения нового пути в записи обработки. Ошибки
// перемещения не откатывают логическое состояние записи, итог сообщается
// через MoveResult.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
	"github.com/gr33njj/lis-mini/internal/storage/journal"
)

var movesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lis_moves_total",
	Help: "Количество перемещений файлов по виду и итогу.",
}, []string{"operation", "outcome"})

// MoveOutcome — итог перемещения.
type MoveOutcome string

const (
	// MoveDone — файл перемещён, путь в записи обновлён
	MoveDone MoveOutcome = "moved"
	// MoveInPlace — файл уже в карантине, обновлён только диагностический файл
	MoveInPlace MoveOutcome = "in_place"
	// MoveSourceMissing — исходного файла нет, ничего не изменено
	MoveSourceMissing MoveOutcome = "source_missing"
	// MoveFailed — rename не выполнен, файл и запись не изменены
	MoveFailed MoveOutcome = "move_failed"
	// MovePersistFailed — файл перемещён, но новый путь не сохранён;
	// запись журнала остаётся pending и будет разобрана при старте
	MovePersistFailed MoveOutcome = "persist_failed"
)

// MoveResult — результат перемещения.
type MoveResult struct {
	Outcome     MoveOutcome
	Destination string
	// SidecarPath — путь диагностического файла (только карантин)
	SidecarPath string
	// Err — причина неуспеха; для MoveDone может содержать ошибку записи диагностического файла
	Err error
}

// RecoveryResult — результат разбора журнала при старте.
type RecoveryResult struct {
	Repaired   int
	RolledBack int
	Failed     int
}

// Mover перемещает файлы записей в архив и карантин.
type Mover struct {
	records repository.RecordRepository
	store   *filestore.FileStore
	journal *journal.Journal
	ledger  *ledger.Ledger
	now     func() time.Time
	logger  *slog.Logger
}

// NewMover создаёт Mover.
func NewMover(
	records repository.RecordRepository,
	store *filestore.FileStore,
	jrnl *journal.Journal,
	ldg *ledger.Ledger,
	logger *slog.Logger,
) *Mover {
	return &Mover{
		records: records,
		store:   store,
		journal: jrnl,
		ledger:  ldg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "mover")),
	}
}

// shortID — короткий суффикс для разрешения коллизий имён.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Archive перемещает файл записи в архив текущего дня и сохраняет
// путь и время архивации.
func (m *Mover) Archive(ctx context.Context, rec *model.ProcessingRecord) *MoveResult {
	now := m.now()
	src := rec.FilePath

	if !filestore.Exists(src) {
		m.ledger.Record(ctx, rec.ID, model.ActionArchive, model.OutcomeError,
			"исходный файл отсутствует, архивация пропущена",
			map[string]any{"source": src})
		return m.finish(journal.OpArchive, &MoveResult{Outcome: MoveSourceMissing})
	}

	dst := filestore.AvailablePath(m.store.ArchivePath(rec.FileName, now), shortID(rec.ID))
	res := m.relocate(ctx, journal.OpArchive, rec, src, dst, &now)
	if res.Outcome == MovePersistFailed {
		m.dropStaleSidecar(rec, src)
	}
	if res.Outcome != MoveDone {
		m.ledger.Record(ctx, rec.ID, model.ActionArchive, model.OutcomeError,
			fmt.Sprintf("ошибка архивации: %v", res.Err),
			map[string]any{"source": src, "destination": dst, "outcome": string(res.Outcome)})
		return m.finish(journal.OpArchive, res)
	}

	m.dropStaleSidecar(rec, src)

	archivedAt := now
	rec.FilePath = dst
	rec.ArchivedAt = &archivedAt
	m.ledger.Record(ctx, rec.ID, model.ActionArchive, model.OutcomeSuccess,
		"файл архивирован: "+dst,
		map[string]any{"source": src, "destination": dst})
	return m.finish(journal.OpArchive, res)
}

// Quarantine перемещает файл записи в карантин и записывает рядом
// диагностический файл (Order, Error, Attempts, Date). Если файл уже
// находится в карантине, перезаписывается только диагностический файл.
func (m *Mover) Quarantine(ctx context.Context, rec *model.ProcessingRecord) *MoveResult {
	now := m.now()
	src := rec.FilePath

	if !filestore.Exists(src) {
		m.ledger.Record(ctx, rec.ID, model.ActionQuarantine, model.OutcomeError,
			"исходный файл отсутствует, перемещение в карантин пропущено",
			map[string]any{"source": src})
		return m.finish(journal.OpQuarantine, &MoveResult{Outcome: MoveSourceMissing})
	}

	var res *MoveResult
	if filepath.Clean(filepath.Dir(src)) == filepath.Clean(m.store.QuarantineDir()) {
		res = &MoveResult{Outcome: MoveInPlace, Destination: src}
	} else {
		dst := filestore.AvailablePath(m.store.QuarantinePath(rec.FileName), shortID(rec.ID))
		res = m.relocate(ctx, journal.OpQuarantine, rec, src, dst, nil)
		switch res.Outcome {
		case MoveDone:
			rec.FilePath = dst
		case MovePersistFailed:
			// Файл уже в карантине: диагностика нужна рядом с ним,
			// путь записи восстановит Recover
			if sidecar, err := m.writeSidecar(rec, dst, now); err == nil {
				res.SidecarPath = sidecar
			}
			fallthrough
		default:
			m.ledger.Record(ctx, rec.ID, model.ActionQuarantine, model.OutcomeError,
				fmt.Sprintf("ошибка перемещения в карантин: %v", res.Err),
				map[string]any{"source": src, "destination": dst, "outcome": string(res.Outcome)})
			return m.finish(journal.OpQuarantine, res)
		}
	}

	sidecar, err := m.writeSidecar(rec, res.Destination, now)
	if err != nil {
		res.Err = fmt.Errorf("запись диагностического файла: %w", err)
	} else {
		res.SidecarPath = sidecar
	}

	m.ledger.Record(ctx, rec.ID, model.ActionQuarantine, model.OutcomeSuccess,
		"файл в карантине: "+res.Destination,
		map[string]any{"source": src, "destination": res.Destination, "sidecar": res.SidecarPath})
	return m.finish(journal.OpQuarantine, res)
}

// writeSidecar записывает диагностический файл рядом с dataPath по данным записи.
func (m *Mover) writeSidecar(rec *model.ProcessingRecord, dataPath string, at time.Time) (string, error) {
	sidecar, err := filestore.WriteSidecar(dataPath, filestore.Sidecar{
		OrderRef: rec.OrderRef,
		Error:    rec.ErrorText(),
		Attempts: rec.RetryAttempts,
		Date:     at,
	})
	if err != nil {
		m.logger.Error("Ошибка записи диагностического файла",
			slog.String("record_id", rec.ID),
			slog.String("path", dataPath),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return sidecar, nil
}

// dropStaleSidecar удаляет диагностический файл, оставшийся в карантине
// после того, как файл записи оттуда ушёл.
func (m *Mover) dropStaleSidecar(rec *model.ProcessingRecord, src string) {
	if filepath.Clean(filepath.Dir(src)) != filepath.Clean(m.store.QuarantineDir()) {
		return
	}
	if err := filestore.RemoveSidecar(src); err != nil {
		m.logger.Warn("Не удалось удалить диагностический файл карантина",
			slog.String("record_id", rec.ID),
			slog.String("path", filestore.SidecarPath(src)),
			slog.String("error", err.Error()),
		)
	}
}

// relocate выполняет перемещение под записью журнала и сохраняет новый путь.
func (m *Mover) relocate(
	ctx context.Context,
	op journal.Operation,
	rec *model.ProcessingRecord,
	src, dst string,
	archivedAt *time.Time,
) *MoveResult {
	entry, err := m.journal.Begin(op, rec.ID, src, dst)
	if err != nil {
		// Без журнала перемещение всё равно выполняется
		m.logger.Warn("Журнал перемещений недоступен",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := filestore.MoveFile(src, dst); err != nil {
		if entry != nil {
			m.journalFinish(m.journal.Rollback, entry.TransactionID)
		}
		return &MoveResult{Outcome: MoveFailed, Destination: dst, Err: err}
	}

	if err := m.records.UpdateLocation(ctx, rec.ID, dst, archivedAt); err != nil {
		m.logger.Error("Файл перемещён, но путь не сохранён",
			slog.String("record_id", rec.ID),
			slog.String("destination", dst),
			slog.String("error", err.Error()),
		)
		return &MoveResult{Outcome: MovePersistFailed, Destination: dst, Err: err}
	}

	if entry != nil {
		m.journalFinish(m.journal.Commit, entry.TransactionID)
	}
	return &MoveResult{Outcome: MoveDone, Destination: dst}
}

func (m *Mover) journalFinish(fn func(string) error, txID string) {
	if err := fn(txID); err != nil {
		m.logger.Warn("Ошибка завершения записи журнала",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Mover) finish(op journal.Operation, res *MoveResult) *MoveResult {
	movesTotal.WithLabelValues(string(op), string(res.Outcome)).Inc()
	return res
}

// Recover разбирает незавершённые записи журнала после аварийной остановки.
//
// Файл в месте назначения и нет в источнике — перемещение состоялось:
// путь записи восстанавливается, запись журнала коммитится. Файл в
// источнике — перемещения не было, запись откатывается. Нет ни там,
// ни там — откат с предупреждением. Завершённые записи удаляются.
func (m *Mover) Recover(ctx context.Context) (*RecoveryResult, error) {
	pending, err := m.journal.Pending()
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{}
	for _, e := range pending {
		srcExists := filestore.Exists(e.Source)
		dstExists := filestore.Exists(e.Destination)

		switch {
		case dstExists && !srcExists:
			var archivedAt *time.Time
			if e.Operation == journal.OpArchive {
				at := e.StartedAt
				archivedAt = &at
			}
			if err := m.records.UpdateLocation(ctx, e.RecordID, e.Destination, archivedAt); err != nil {
				result.Failed++
				m.logger.Error("Не удалось восстановить путь записи",
					slog.String("tx_id", e.TransactionID),
					slog.String("record_id", e.RecordID),
					slog.String("error", err.Error()),
				)
				continue
			}
			m.repairSidecar(ctx, e)
			m.journalFinish(m.journal.Commit, e.TransactionID)
			result.Repaired++
			m.ledger.Record(ctx, e.RecordID, model.ActionJournalRecovery, model.OutcomeInfo,
				"путь файла восстановлен по журналу перемещений",
				map[string]any{"operation": string(e.Operation), "destination": e.Destination})

		default:
			if !srcExists {
				m.logger.Warn("Файл не найден ни в источнике, ни в месте назначения",
					slog.String("tx_id", e.TransactionID),
					slog.String("record_id", e.RecordID),
				)
			}
			m.journalFinish(m.journal.Rollback, e.TransactionID)
			result.RolledBack++
		}
	}

	if _, err := m.journal.CleanFinished(); err != nil {
		m.logger.Warn("Ошибка очистки журнала перемещений", slog.String("error", err.Error()))
	}

	m.logger.Info("Журнал перемещений разобран",
		slog.Int("repaired", result.Repaired),
		slog.Int("rolled_back", result.RolledBack),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// repairSidecar приводит диагностические файлы в соответствие с
// восстановленным перемещением: после карантина рядом с файлом должен
// лежать .error.txt, после архивации из карантина его там быть не должно.
func (m *Mover) repairSidecar(ctx context.Context, e *journal.Entry) {
	switch e.Operation {
	case journal.OpQuarantine:
		if filestore.Exists(filestore.SidecarPath(e.Destination)) {
			return
		}
		rec, err := m.records.GetByID(ctx, e.RecordID)
		if err != nil {
			m.logger.Warn("Запись для диагностического файла не найдена",
				slog.String("record_id", e.RecordID),
				slog.String("error", err.Error()),
			)
			return
		}
		_, _ = m.writeSidecar(rec, e.Destination, e.StartedAt)
	case journal.OpArchive:
		m.dropStaleSidecar(&model.ProcessingRecord{ID: e.RecordID}, e.Source)
	}
}
