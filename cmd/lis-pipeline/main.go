// Точка входа lis-pipeline — конвейера доставки файлов результатов
// лаборатории во внешнюю систему.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/gr33njj/lis-mini/internal/api/handlers"
	"github.com/gr33njj/lis-mini/internal/api/middleware"
	"github.com/gr33njj/lis-mini/internal/config"
	"github.com/gr33njj/lis-mini/internal/database"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/server"
	"github.com/gr33njj/lis-mini/internal/service"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
	"github.com/gr33njj/lis-mini/internal/storage/journal"
	"github.com/gr33njj/lis-mini/internal/transmit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lis-pipeline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("ошибка конфигурации: %w", err)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("lis-pipeline запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("watch_path", cfg.WatchPath),
		slog.String("downstream_url", cfg.DownstreamURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Инициализация компонентов ---

	// 1. Миграции и подключение к PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		return err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	// 2. Репозитории и журнал аудита
	recordRepo := repository.NewRecordRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	resetter := repository.NewResetter(repository.NewTxRunner(pool))
	ldg := ledger.New(auditRepo, logger)

	// 3. Каталоги и журнал перемещений
	store, err := filestore.New(cfg.WatchPath, cfg.ArchivePath, cfg.QuarantinePath)
	if err != nil {
		return fmt.Errorf("ошибка инициализации каталогов: %w", err)
	}
	jrnl, err := journal.New(cfg.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации журнала перемещений: %w", err)
	}

	// Разбор перемещений, прерванных предыдущей остановкой
	mover := service.NewMover(recordRepo, store, jrnl, ldg, logger)
	if _, err := mover.Recover(ctx); err != nil {
		logger.Error("Ошибка разбора журнала перемещений", slog.String("error", err.Error()))
	}

	// 4. Клиент внешней системы
	client, err := transmit.New(transmit.Options{
		URL:        cfg.DownstreamURL,
		Token:      cfg.DownstreamToken,
		CACertPath: cfg.DownstreamCACert,
		Timeout:    cfg.DownstreamTimeout,
		MaxRetries: cfg.DownstreamRetryCount,
		BaseDelay:  cfg.DownstreamRetryDelay,
	}, logger)
	if err != nil {
		return err
	}

	// 5. Сервисы. Отправитель уведомлений не подключён.
	notifySvc := service.NewNotificationService(recordRepo, nil, ldg, logger)

	scanner := service.NewScanner(store, recordRepo, ldg, service.ScannerOptions{
		Pattern:   cfg.WatchPattern,
		Interval:  cfg.WatchInterval,
		CacheSize: cfg.SeenCacheSize,
		CacheTTL:  cfg.SeenCacheTTL,
		Notify:    cfg.WatchNotify,
	}, logger)
	dispatcher := service.NewDispatcher(recordRepo, client, mover, notifySvc, ldg, cfg.DispatchInterval, logger)
	retention := service.NewRetentionSweeper(store, cfg.ArchiveRetentionDays, cfg.RetentionInterval, logger)
	stale := service.NewStaleMonitor(recordRepo, cfg.StaleProcessingAfter, cfg.StaleCheckInterval, logger)
	querySvc := service.NewQueryService(recordRepo, auditRepo, resetter, notifySvc, store, stale, ldg, logger)

	// 6. Фоновые процессы
	scanner.Start(ctx)
	dispatcher.Start(ctx)
	retention.Start(ctx)
	stale.Start(ctx)

	// 6.1 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthOptions{
		ServiceID:            config.ServiceName,
		Group:                cfg.DephealthGroup,
		DB:                   stdlib.OpenDBFromPool(pool),
		PostgresURL:          cfg.PostgresURL(),
		DownstreamURL:        cfg.DownstreamURL,
		DownstreamHealthPath: cfg.DownstreamHealthPath,
		CheckInterval:        cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	}

	// 7. HTTP API
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		filestore.NewDirChecker(store, map[string]string{"journal": jrnl.Dir()}),
	)
	apiHandler := handlers.NewAPIHandler(healthHandler, querySvc, logger)

	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	// Диспетчер доводит текущую запись до конца и не берёт новых
	logger.Info("Остановка фоновых процессов...")

	scanner.Stop()
	dispatcher.Stop()
	retention.Stop()
	stale.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("lis-pipeline остановлен")
	return runErr
}
