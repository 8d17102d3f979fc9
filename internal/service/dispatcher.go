// dispatcher.go — диспетчер очереди отправки.
//
// С периодом LIS_DISPATCH_INTERVAL выбирает записи pending в порядке
// создания и строго последовательно проводит каждую через
// processing → completed | failed. Цепочка попыток одной записи
// не прерывается остановкой сервиса: остановка лишь прекращает выбор
// следующих записей.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/transmit"
)

// Prometheus-метрики диспетчера.
var (
	dispatchRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_dispatch_runs_total",
		Help: "Количество циклов диспетчера.",
	})
	dispatchRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_dispatch_records_total",
		Help: "Количество записей, обработанных диспетчером, по итогу.",
	}, []string{"outcome"})
	dispatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lis_dispatch_duration_seconds",
		Help:    "Длительность цикла диспетчера в секундах.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// defaultBatchSize — сколько записей выбирается за цикл.
const defaultBatchSize = 100

// Transmitter — передача записи с повторами (реализуется transmit.Client).
type Transmitter interface {
	SendWithRetry(ctx context.Context, rec *model.ProcessingRecord, onAttempt func(attempt int, err error)) (*transmit.Result, error)
}

// DispatchOutcome — итог обработки одной записи.
type DispatchOutcome string

const (
	DispatchCompleted DispatchOutcome = "completed"
	DispatchFailed    DispatchOutcome = "failed"
	// DispatchSkipped — запись не удалось захватить (уже не pending)
	DispatchSkipped DispatchOutcome = "skipped"
	// DispatchError — ошибка хранилища; запись может остаться в processing
	DispatchError DispatchOutcome = "error"
)

// DispatchResult — результат одного цикла.
type DispatchResult struct {
	Selected  int
	Completed int
	Failed    int
	Skipped   int
	Errors    int
	Duration  time.Duration
}

// Dispatcher — сервис отправки записей во внешнюю систему.
type Dispatcher struct {
	records   repository.RecordRepository
	client    Transmitter
	mover     *Mover
	notify    *NotificationService
	ledger    *ledger.Ledger
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher создаёт диспетчер. notify может быть nil.
func NewDispatcher(
	records repository.RecordRepository,
	client Transmitter,
	mover *Mover,
	notify *NotificationService,
	ldg *ledger.Ledger,
	interval time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		records:   records,
		client:    client,
		mover:     mover,
		notify:    notify,
		ledger:    ldg,
		interval:  interval,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Start запускает фоновый цикл.
func (d *Dispatcher) Start(ctx context.Context) {
	dCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(dCtx)

	d.logger.Info("Диспетчер запущен", slog.String("interval", d.interval.String()))
}

// Stop прекращает выбор новых записей и дожидается текущей.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.logger.Info("Диспетчер остановлен")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл: выбирает очередь и обрабатывает записи по порядку.
// Отмена ctx проверяется между записями.
func (d *Dispatcher) RunOnce(ctx context.Context) *DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	result := &DispatchResult{}

	queue, err := d.records.ListPending(ctx, d.batchSize)
	if err != nil {
		result.Errors++
		d.logger.Error("Ошибка чтения очереди", slog.String("error", err.Error()))
		return d.finishRun(result, start)
	}
	result.Selected = len(queue)

	for _, rec := range queue {
		if ctx.Err() != nil {
			break
		}
		// Цепочка попыток доводится до конца даже при остановке
		switch d.Dispatch(context.WithoutCancel(ctx), rec) {
		case DispatchCompleted:
			result.Completed++
		case DispatchFailed:
			result.Failed++
		case DispatchSkipped:
			result.Skipped++
		case DispatchError:
			result.Errors++
		}
	}

	return d.finishRun(result, start)
}

func (d *Dispatcher) finishRun(result *DispatchResult, start time.Time) *DispatchResult {
	result.Duration = time.Since(start)
	dispatchRunsTotal.Inc()
	dispatchDurationSeconds.Observe(result.Duration.Seconds())

	if result.Selected > 0 || result.Errors > 0 {
		d.logger.Info("Цикл диспетчера завершён",
			slog.Int("selected", result.Selected),
			slog.Int("completed", result.Completed),
			slog.Int("failed", result.Failed),
			slog.Int("skipped", result.Skipped),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}

// Dispatch проводит одну запись через отправку и перемещение файла.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *model.ProcessingRecord) DispatchOutcome {
	outcome := d.dispatch(ctx, rec)
	dispatchRecordsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *model.ProcessingRecord) DispatchOutcome {
	claimed, err := d.records.MarkProcessing(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) || errors.Is(err, repository.ErrNotFound) {
			d.logger.Debug("Запись уже не в очереди", slog.String("record_id", rec.ID))
			return DispatchSkipped
		}
		d.logger.Error("Ошибка захвата записи",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return DispatchError
	}

	base := claimed.RetryAttempts
	result, sendErr := d.client.SendWithRetry(ctx, claimed, func(attempt int, err error) {
		total := base + attempt
		if recErr := d.records.RecordAttempt(ctx, claimed.ID, total, err.Error()); recErr != nil {
			d.logger.Warn("Не удалось сохранить попытку",
				slog.String("record_id", claimed.ID),
				slog.String("error", recErr.Error()),
			)
		}
		d.ledger.Record(ctx, claimed.ID, model.ActionSendToDownstream, model.OutcomeError,
			fmt.Sprintf("попытка %d не удалась: %v", total, err),
			map[string]any{"attempt": total})
	})
	attempts := base + result.Attempts

	if sendErr != nil {
		return d.fail(ctx, claimed, sendErr, attempts)
	}
	return d.complete(ctx, claimed, result.Response, attempts)
}

func (d *Dispatcher) complete(ctx context.Context, rec *model.ProcessingRecord, resp *transmit.Response, attempts int) DispatchOutcome {
	done, err := d.records.MarkCompleted(ctx, rec.ID, repository.Completion{
		SentAt:        d.now().UTC(),
		DownstreamRef: resp.DocRef,
		Recipient:     resp.Email,
		Attempts:      attempts,
	})
	if err != nil {
		d.logger.Error("Файл доставлен, но запись не обновлена",
			slog.String("record_id", rec.ID),
			slog.String("downstream_ref", resp.DocRef),
			slog.String("error", err.Error()),
		)
		d.ledger.Record(ctx, rec.ID, model.ActionSendToDownstream, model.OutcomeError,
			fmt.Sprintf("доставлено (docRef %s), но состояние не сохранено: %v", resp.DocRef, err), nil)
		return DispatchError
	}

	d.ledger.Record(ctx, done.ID, model.ActionSendToDownstream, model.OutcomeSuccess,
		"доставлено, docRef: "+resp.DocRef,
		map[string]any{"downstream_ref": resp.DocRef, "attempts": attempts})

	d.mover.Archive(ctx, done)

	if d.notify.Enabled() && done.RecipientAddress != nil {
		if err := d.notify.Send(ctx, done, *done.RecipientAddress); err != nil {
			d.logger.Warn("Уведомление не отправлено",
				slog.String("record_id", done.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return DispatchCompleted
}

func (d *Dispatcher) fail(ctx context.Context, rec *model.ProcessingRecord, sendErr error, attempts int) DispatchOutcome {
	failed, err := d.records.MarkFailed(ctx, rec.ID, sendErr.Error(), attempts)
	if err != nil {
		d.logger.Error("Ошибка перевода записи в failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return DispatchError
	}

	d.ledger.Record(ctx, failed.ID, model.ActionSendToDownstream, model.OutcomeError,
		fmt.Sprintf("отправка не удалась после %d попыток: %v", attempts, sendErr),
		map[string]any{"attempts": attempts})

	d.mover.Quarantine(ctx, failed)
	return DispatchFailed
}
