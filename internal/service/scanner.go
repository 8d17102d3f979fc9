// scanner.go — сканер каталога наблюдения.
//
// С периодом LIS_WATCH_INTERVAL перечисляет файлы по шаблону, считает
// SHA-256 и создаёт запись pending для каждого нового отпечатка.
// Единственный арбитр дедупликации — поиск отпечатка в хранилище записей;
// кэш просмотренных файлов лишь избавляет от повторного хеширования.
// При LIS_WATCH_NOTIFY=true события fsnotify запускают внеочередной проход.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
)

// Prometheus-метрики сканера.
var (
	scanRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_scanner_runs_total",
		Help: "Количество проходов сканера.",
	})
	scanFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_scanner_files_total",
		Help: "Количество обработанных сканером файлов по результату.",
	}, []string{"result"})
	seenCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_seen_cache_hits_total",
		Help: "Попадания в кэш просмотренных файлов.",
	})
	seenCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lis_seen_cache_misses_total",
		Help: "Промахи кэша просмотренных файлов.",
	})
	scanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lis_scanner_duration_seconds",
		Help:    "Длительность прохода сканера в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

const (
	// notifyDebounce — сколько файл должен не меняться после события, чтобы запустить проход
	notifyDebounce = 500 * time.Millisecond
	notifyTick     = 250 * time.Millisecond
)

// ScanResult — результат одного прохода сканера.
type ScanResult struct {
	Candidates int
	Created    int
	Duplicates int
	// Cached — файлы, пропущенные по кэшу просмотренных
	Cached   int
	Errors   int
	Duration time.Duration
}

// ScannerOptions — параметры сканера.
type ScannerOptions struct {
	Pattern   string
	Interval  time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// Notify — включить внеочередные проходы по событиям fsnotify
	Notify bool
}

// Scanner — сервис обнаружения файлов.
type Scanner struct {
	store   *filestore.FileStore
	records repository.RecordRepository
	ledger  *ledger.Ledger
	opts    ScannerOptions
	// seen: идентичность файла (путь, размер, mtime) → отпечаток
	seen   *expirable.LRU[string, string]
	newID  func() string
	logger *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScanner создаёт сканер.
func NewScanner(
	store *filestore.FileStore,
	records repository.RecordRepository,
	ldg *ledger.Ledger,
	opts ScannerOptions,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		store:   store,
		records: records,
		ledger:  ldg,
		opts:    opts,
		seen:    expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		newID:   func() string { return uuid.New().String() },
		logger:  logger.With(slog.String("component", "scanner")),
		wake:    make(chan struct{}, 1),
	}
}

// Start запускает фоновый цикл сканирования.
func (s *Scanner) Start(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(scanCtx)

	if s.opts.Notify {
		if err := s.startWatcher(scanCtx); err != nil {
			s.logger.Warn("fsnotify недоступен, работает только периодическое сканирование",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Сканер запущен",
		slog.String("dir", s.store.WatchDir()),
		slog.String("pattern", s.opts.Pattern),
		slog.String("interval", s.opts.Interval.String()),
		slog.Bool("notify", s.opts.Notify),
	)
}

// Stop останавливает цикл и дожидается завершения текущего прохода.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Сканер остановлен")
}

// Trigger запрашивает внеочередной проход. Не блокирует.
func (s *Scanner) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.wake:
			s.RunOnce(ctx)
		}
	}
}

// startWatcher подписывается на события каталога наблюдения.
// Событие по подходящему файлу запускает проход после паузы notifyDebounce.
func (s *Scanner) startWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.store.WatchDir()); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		pending := map[string]time.Time{}
		ticker := time.NewTicker(notifyTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if ok, _ := filepath.Match(s.opts.Pattern, filepath.Base(ev.Name)); ok {
					pending[ev.Name] = time.Now()
				}
			case <-ticker.C:
				fire := false
				for name, at := range pending {
					if time.Since(at) > notifyDebounce {
						delete(pending, name)
						fire = true
					}
				}
				if fire {
					s.Trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Ошибка fsnotify", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// fileIdentity — ключ кэша просмотренных файлов.
func fileIdentity(c filestore.Candidate) string {
	return fmt.Sprintf("%s|%d|%d", c.Path, c.Size, c.ModTime.UnixNano())
}

// RunOnce выполняет один проход сканирования.
// Ошибки по отдельным файлам не прерывают проход.
func (s *Scanner) RunOnce(ctx context.Context) *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &ScanResult{}

	candidates, err := s.store.ListCandidates(s.opts.Pattern)
	if err != nil {
		result.Errors++
		s.logger.Error("Ошибка чтения каталога наблюдения", slog.String("error", err.Error()))
		return s.finishRun(result, start)
	}
	result.Candidates = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		key := fileIdentity(c)
		if _, ok := s.seen.Get(key); ok {
			seenCacheHitsTotal.Inc()
			result.Cached++
			continue
		}
		seenCacheMissesTotal.Inc()

		switch s.ingest(ctx, c, key) {
		case ingestCreated:
			result.Created++
		case ingestDuplicate:
			result.Duplicates++
		case ingestKnown:
		case ingestError:
			result.Errors++
		}
	}

	return s.finishRun(result, start)
}

func (s *Scanner) finishRun(result *ScanResult, start time.Time) *ScanResult {
	result.Duration = time.Since(start)
	scanRunsTotal.Inc()
	scanDurationSeconds.Observe(result.Duration.Seconds())

	if result.Created > 0 || result.Duplicates > 0 || result.Errors > 0 {
		s.logger.Info("Проход сканера завершён",
			slog.Int("candidates", result.Candidates),
			slog.Int("created", result.Created),
			slog.Int("duplicates", result.Duplicates),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}

type ingestOutcome int

const (
	ingestCreated ingestOutcome = iota
	ingestDuplicate
	// ingestKnown — файл уже учтён под этим же путём (повторный проход после рестарта)
	ingestKnown
	ingestError
)

// ingest обрабатывает один файл-кандидат.
//
// Файл, путь которого занят активной записью (pending или processing),
// не хешируется повторно: дописанный или перезаписанный на месте файл
// остаётся за этой записью.
func (s *Scanner) ingest(ctx context.Context, c filestore.Candidate, key string) ingestOutcome {
	active, err := s.records.GetActiveByPath(ctx, c.Path)
	switch {
	case err == nil:
		s.seen.Add(key, active.Fingerprint)
		scanFilesTotal.WithLabelValues("known").Inc()
		return ingestKnown
	case !errors.Is(err, repository.ErrNotFound):
		scanFilesTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка поиска записи по пути",
			slog.String("path", c.Path),
			slog.String("error", err.Error()),
		)
		return ingestError
	}

	fp, err := filestore.Fingerprint(c.Path)
	if err != nil {
		scanFilesTotal.WithLabelValues("error").Inc()
		s.ledger.Record(ctx, "", model.ActionFileDetected, model.OutcomeError,
			fmt.Sprintf("ошибка чтения файла %s: %v", c.Name, err),
			map[string]any{"path": c.Path})
		return ingestError
	}

	existing, err := s.records.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		s.seen.Add(key, fp)
		return s.duplicate(ctx, c, existing)
	case !errors.Is(err, repository.ErrNotFound):
		scanFilesTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка поиска по отпечатку",
			slog.String("path", c.Path),
			slog.String("error", err.Error()),
		)
		return ingestError
	}

	rec := &model.ProcessingRecord{
		ID:          s.newID(),
		OrderRef:    model.OrderRefFromFileName(c.Name),
		FileName:    c.Name,
		FilePath:    c.Path,
		Fingerprint: fp,
		State:       model.StatePending,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Отпечаток успели зарегистрировать между поиском и вставкой
			existing, getErr := s.records.GetByFingerprint(ctx, fp)
			if getErr == nil {
				s.seen.Add(key, fp)
				return s.duplicate(ctx, c, existing)
			}
		}
		scanFilesTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка создания записи",
			slog.String("path", c.Path),
			slog.String("error", err.Error()),
		)
		return ingestError
	}

	s.seen.Add(key, fp)
	scanFilesTotal.WithLabelValues("created").Inc()
	s.ledger.Record(ctx, rec.ID, model.ActionFileDetected, model.OutcomeSuccess,
		"обнаружен новый файл "+c.Name,
		map[string]any{"fingerprint": fp, "size": c.Size, "order_ref": rec.OrderRef})
	return ingestCreated
}

// duplicate фиксирует повтор содержимого против существующей записи.
// Тот же файл по тому же пути дубликатом не считается.
func (s *Scanner) duplicate(ctx context.Context, c filestore.Candidate, existing *model.ProcessingRecord) ingestOutcome {
	if existing.FilePath == c.Path {
		scanFilesTotal.WithLabelValues("known").Inc()
		return ingestKnown
	}
	scanFilesTotal.WithLabelValues("duplicate").Inc()
	s.ledger.Record(ctx, existing.ID, model.ActionFileDetected, model.OutcomeInfo,
		"уже обработан (совпадает отпечаток): "+c.Name,
		map[string]any{"path": c.Path, "fingerprint": existing.Fingerprint})
	return ingestDuplicate
}
