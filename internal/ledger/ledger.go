// Пакет ledger — журнал аудита конвейера.
//
// Ledger дописывает события в хранилище аудита и дублирует их в slog.
// Ошибка записи в журнал никогда не прерывает операцию, которая
// это событие породила: она логируется и учитывается в метрике.
package ledger

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// Prometheus-метрики журнала.
var (
	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_audit_entries_total",
		Help: "Количество событий журнала аудита по действию и итогу.",
	}, []string{"action", "outcome"})

	writeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_audit_write_errors_total",
		Help: "Количество событий, которые не удалось сохранить в журнал.",
	})
)

// Store — хранилище событий (реализуется repository.AuditRepository).
type Store interface {
	Append(ctx context.Context, e *model.AuditEntry) error
}

// Ledger — журнал аудита.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New создаёт журнал поверх хранилища store.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Record сохраняет событие. recordID == "" — событие без привязки к записи.
func (l *Ledger) Record(
	ctx context.Context,
	recordID string,
	action model.AuditAction,
	outcome model.AuditOutcome,
	message string,
	details map[string]any,
) {
	e := &model.AuditEntry{
		Action:  action,
		Outcome: outcome,
		Message: message,
		Details: details,
	}
	if recordID != "" {
		e.RecordID = &recordID
	}

	// Событие сохраняется даже если вызывающий контекст уже отменён
	if err := l.store.Append(context.WithoutCancel(ctx), e); err != nil {
		writeErrorsTotal.Inc()
		l.logger.Error("Ошибка записи в журнал аудита",
			slog.String("record_id", recordID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}

	l.Observe(e)
}

// Observe учитывает уже сохранённое событие в метриках и логе.
// Используется, когда событие записано в журнал в составе транзакции.
func (l *Ledger) Observe(e *model.AuditEntry) {
	entriesTotal.WithLabelValues(string(e.Action), string(e.Outcome)).Inc()

	level := slog.LevelInfo
	if e.Outcome == model.OutcomeError {
		level = slog.LevelWarn
	}
	attrs := []any{
		slog.String("action", string(e.Action)),
		slog.String("outcome", string(e.Outcome)),
	}
	if e.RecordID != nil {
		attrs = append(attrs, slog.String("record_id", *e.RecordID))
	}
	l.logger.Log(context.Background(), level, e.Message, attrs...)
}
