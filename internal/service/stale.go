// stale.go — наблюдение за записями, зависшими в processing.
//
// Запись остаётся в processing, если процесс остановился посреди отправки.
// Монитор только сообщает о таких записях (gauge и предупреждение в лог)
// и никогда не меняет их состояние: разбор выполняет оператор.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/repository"
)

var staleProcessingRecords = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lis_stale_processing_records",
	Help: "Количество записей в processing дольше допустимого.",
})

// StaleResult — результат проверки.
type StaleResult struct {
	Threshold time.Time
	RecordIDs []string
}

// StaleMonitor — периодическая проверка зависших записей.
type StaleMonitor struct {
	records  repository.RecordRepository
	after    time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	last   *StaleResult
	cancel context.CancelFunc
}

// NewStaleMonitor создаёт монитор. after — сколько запись может быть в processing.
func NewStaleMonitor(
	records repository.RecordRepository,
	after, interval time.Duration,
	logger *slog.Logger,
) *StaleMonitor {
	return &StaleMonitor{
		records:  records,
		after:    after,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "stale_monitor")),
	}
}

// Start запускает фоновую проверку.
func (s *StaleMonitor) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sCtx)

	s.logger.Info("Монитор зависших записей запущен",
		slog.String("after", s.after.String()),
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает проверку.
func (s *StaleMonitor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Монитор зависших записей остановлен")
}

func (s *StaleMonitor) run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Last возвращает результат последней успешной проверки (nil до первой).
func (s *StaleMonitor) Last() *StaleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunOnce выполняет одну проверку.
func (s *StaleMonitor) RunOnce(ctx context.Context) (*StaleResult, error) {
	threshold := s.now().Add(-s.after)

	stale, err := s.records.ListStale(ctx, threshold)
	if err != nil {
		s.logger.Error("Ошибка поиска зависших записей", slog.String("error", err.Error()))
		return nil, err
	}

	result := &StaleResult{Threshold: threshold}
	for _, rec := range stale {
		result.RecordIDs = append(result.RecordIDs, rec.ID)
	}

	staleProcessingRecords.Set(float64(len(result.RecordIDs)))
	if len(result.RecordIDs) > 0 {
		s.logger.Warn("Обнаружены записи, зависшие в processing",
			slog.Int("count", len(result.RecordIDs)),
			slog.Any("record_ids", result.RecordIDs),
			slog.Time("updated_before", threshold),
		)
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	return result, nil
}
