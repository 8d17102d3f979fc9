// retention.go — очистка устаревших каталогов архива.
//
// Раз в LIS_RETENTION_INTERVAL просматривает непосредственные подкаталоги
// архива и рекурсивно удаляет те, чьё имя — дата YYYY-MM-DD строго раньше
// (сегодня − LIS_ARCHIVE_RETENTION_DAYS). Каталоги с другими именами не
// трогаются. Ошибка удаления одного каталога не останавливает проход.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/storage/filestore"
)

// Prometheus-метрики очистки архива.
var (
	retentionRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_retention_runs_total",
		Help: "Количество проходов очистки архива.",
	})
	retentionDirsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_retention_dirs_deleted_total",
		Help: "Количество удалённых каталогов архива.",
	})
	retentionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lis_retention_duration_seconds",
		Help:    "Длительность прохода очистки архива в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного прохода очистки.
type SweepResult struct {
	// Cutoff — каталоги с датой строго раньше удаляются
	Cutoff  time.Time
	Deleted []string
	// Ignored — имена, не являющиеся датой
	Ignored  int
	Errors   int
	Duration time.Duration
}

// RetentionSweeper — сервис очистки архива.
type RetentionSweeper struct {
	store         *filestore.FileStore
	retentionDays int
	interval      time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRetentionSweeper создаёт сервис очистки архива.
func NewRetentionSweeper(
	store *filestore.FileStore,
	retentionDays int,
	interval time.Duration,
	logger *slog.Logger,
) *RetentionSweeper {
	return &RetentionSweeper{
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "retention")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (r *RetentionSweeper) Start(ctx context.Context) {
	rCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(rCtx)

	r.logger.Info("Очистка архива запущена",
		slog.String("interval", r.interval.String()),
		slog.Int("retention_days", r.retentionDays),
	)
}

// Stop останавливает фоновый процесс.
func (r *RetentionSweeper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Очистка архива остановлена")
}

func (r *RetentionSweeper) run(ctx context.Context) {
	// Первый проход — сразу после старта
	r.RunOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// Cutoff возвращает полночь дня (now − retentionDays) в часовом поясе now.
func (r *RetentionSweeper) Cutoff(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, -r.retentionDays)
}

// RunOnce выполняет один проход очистки.
func (r *RetentionSweeper) RunOnce() *SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	now := r.now()
	result := &SweepResult{Cutoff: r.Cutoff(now)}

	days, err := r.store.ListArchiveDays(now.Location())
	if err != nil {
		result.Errors++
		r.logger.Error("Ошибка чтения архива", slog.String("error", err.Error()))
		return r.finishRun(result, start)
	}

	for _, day := range days {
		if !day.Dated {
			result.Ignored++
			continue
		}
		if !day.Date.Before(result.Cutoff) {
			continue
		}
		if err := filestore.RemoveAll(day.Path); err != nil {
			result.Errors++
			r.logger.Error("Ошибка удаления каталога архива",
				slog.String("dir", day.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Deleted = append(result.Deleted, day.Name)
	}

	return r.finishRun(result, start)
}

func (r *RetentionSweeper) finishRun(result *SweepResult, start time.Time) *SweepResult {
	result.Duration = time.Since(start)

	retentionRunsTotal.Inc()
	retentionDirsDeletedTotal.Add(float64(len(result.Deleted)))
	retentionDurationSeconds.Observe(result.Duration.Seconds())

	r.logger.Info("Очистка архива завершена",
		slog.String("cutoff", result.Cutoff.Format(filestore.DayLayout)),
		slog.Int("deleted", len(result.Deleted)),
		slog.Int("ignored", result.Ignored),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
