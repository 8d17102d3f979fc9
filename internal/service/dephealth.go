// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// Зависимости конвейера:
//   - PostgreSQL — SQL checker через существующий pgxpool (critical)
//   - внешняя система приёма результатов — HTTP checker (не critical:
//     при её недоступности записи копятся в очереди и уходят в карантин
//     только после исчерпания попыток)
//
// Метрики app_dependency_* публикуются на /metrics.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthOptions — параметры мониторинга зависимостей.
type DephealthOptions struct {
	ServiceID string
	Group     string
	// DB — *sql.DB из pgxpool (stdlib.OpenDBFromPool); nil — PostgreSQL не проверяется
	DB            *sql.DB
	PostgresURL   string
	DownstreamURL string
	// DownstreamHealthPath — путь проверки на хосте внешней системы
	DownstreamHealthPath string
	CheckInterval        time.Duration
}

// DephealthService — сервис мониторинга зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис. Метрики регистрируются в глобальном registry.
func NewDephealthService(opts DephealthOptions, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(opts, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	opts DephealthOptions,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(opts, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(opts DephealthOptions, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	downstreamOpts := []dephealth.DependencyOption{
		dephealth.FromURL(opts.DownstreamURL),
		dephealth.WithHTTPHealthPath(opts.DownstreamHealthPath),
		dephealth.CheckInterval(opts.CheckInterval),
		dephealth.Critical(false),
	}
	if parsed, err := url.Parse(opts.DownstreamURL); err == nil && parsed.Scheme == "https" {
		downstreamOpts = append(downstreamOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	dhOpts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.HTTP("downstream", downstreamOpts...),
	}
	if opts.DB != nil {
		dhOpts = append(dhOpts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(opts.DB)),
			dephealth.FromURL(opts.PostgresURL),
			dephealth.CheckInterval(opts.CheckInterval),
			dephealth.Critical(true),
		))
	}
	dhOpts = append(dhOpts, extraOpts...)

	dh, err := dephealth.New(opts.ServiceID, opts.Group, dhOpts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает состояние зависимостей: имя → true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
