package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gr33njj/lis-mini/internal/domain/lifecycle"
	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
)

// Размеры страниц списков.
const (
	DefaultRecordLimit = 50
	DefaultAuditLimit  = 100
	MaxPageLimit       = 500
)

// Stats — сводка по записям.
type Stats struct {
	model.StateCounts
	// StaleProcessing — записи, зависшие в processing (по последней проверке монитора)
	StaleProcessing int `json:"stale_processing"`
}

// RecordPage — страница списка записей.
type RecordPage struct {
	Items  []*model.ProcessingRecord `json:"items"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// QueryService — операции чтения и ручного управления записями.
type QueryService struct {
	records  repository.RecordRepository
	audit    repository.AuditRepository
	resetter repository.Resetter
	notify   *NotificationService
	store    *filestore.FileStore
	stale    *StaleMonitor
	ledger   *ledger.Ledger
	now      func() time.Time
	logger   *slog.Logger
}

// NewQueryService создаёт сервис запросов. stale может быть nil.
func NewQueryService(
	records repository.RecordRepository,
	audit repository.AuditRepository,
	resetter repository.Resetter,
	notify *NotificationService,
	store *filestore.FileStore,
	stale *StaleMonitor,
	ldg *ledger.Ledger,
	logger *slog.Logger,
) *QueryService {
	return &QueryService{
		records:  records,
		audit:    audit,
		resetter: resetter,
		notify:   notify,
		store:    store,
		stale:    stale,
		ledger:   ldg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "query")),
	}
}

// ClampLimit приводит limit к диапазону 1..MaxPageLimit, 0 — значение по умолчанию.
func ClampLimit(limit, def int) int {
	switch {
	case limit <= 0:
		return def
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// Stats возвращает количество записей по состояниям.
func (q *QueryService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := q.records.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{StateCounts: counts}
	if q.stale != nil {
		if last := q.stale.Last(); last != nil {
			stats.StaleProcessing = len(last.RecordIDs)
		}
	}
	return stats, nil
}

// ListRecords возвращает записи, новые первыми.
func (q *QueryService) ListRecords(ctx context.Context, state *model.RecordState, limit, offset int) (*RecordPage, error) {
	limit = ClampLimit(limit, DefaultRecordLimit)
	if offset < 0 {
		offset = 0
	}
	filters := repository.RecordListFilters{State: state}

	items, err := q.records.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := q.records.Count(ctx, filters)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.ProcessingRecord{}
	}
	return &RecordPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRecord возвращает запись по идентификатору.
func (q *QueryService) GetRecord(ctx context.Context, id string) (*model.ProcessingRecord, error) {
	return q.records.GetByID(ctx, id)
}

// ListAudit возвращает журнал, новые события первыми.
func (q *QueryService) ListAudit(ctx context.Context, recordID *string, limit, offset int) ([]*model.AuditEntry, error) {
	limit = ClampLimit(limit, DefaultAuditLimit)
	if offset < 0 {
		offset = 0
	}
	entries, err := q.audit.List(ctx, recordID, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*model.AuditEntry{}
	}
	return entries, nil
}

// Reset выполняет ручной сброс failed → pending: обнуляет попытки и ошибку.
// Запись вернётся в очередь диспетчера на следующем цикле.
func (q *QueryService) Reset(ctx context.Context, id string) (*model.ProcessingRecord, error) {
	rec, err := q.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Validate(rec.State, model.StatePending, true); err != nil {
		return nil, err
	}

	entry := &model.AuditEntry{
		Action:  model.ActionReset,
		Outcome: model.OutcomeInfo,
		Message: "ручной сброс: failed → pending",
		Details: map[string]any{
			"previous_error":    rec.ErrorText(),
			"previous_attempts": rec.RetryAttempts,
		},
	}
	reset, err := q.resetter.Reset(ctx, id, entry)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, &lifecycle.TransitionError{
				Code:    "INVALID_TRANSITION",
				Message: fmt.Sprintf("запись %s изменила состояние во время сброса", id),
			}
		}
		return nil, err
	}

	q.ledger.Observe(entry)
	return reset, nil
}

// Notify отправляет уведомление по записи на указанный адрес.
func (q *QueryService) Notify(ctx context.Context, id, recipient string) (*model.ProcessingRecord, error) {
	if !q.notify.Enabled() {
		return nil, ErrNotifierUnavailable
	}
	rec, err := q.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.notify.Send(ctx, rec, recipient); err != nil {
		return nil, err
	}
	return rec, nil
}

// OpenFile открывает файл записи с поиском по известным местам.
// Вызывающий код обязан закрыть файл.
func (q *QueryService) OpenFile(ctx context.Context, id string) (*os.File, *model.ProcessingRecord, error) {
	rec, err := q.records.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	path, err := q.store.Resolve(rec.FilePath, rec.FileName, rec.ArchivedAt, q.now())
	if err != nil {
		return nil, rec, err
	}
	f, err := filestore.Open(path)
	if err != nil {
		return nil, rec, err
	}
	return f, rec, nil
}
