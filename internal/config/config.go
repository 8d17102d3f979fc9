// Пакет config — загрузка и валидация конфигурации конвейера результатов
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// ServiceName — имя сервиса в логах, health endpoints и topologymetrics.
const ServiceName = "lis-pipeline"

// Config содержит все параметры конфигурации конвейера.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (query API, health, metrics)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Файловые каталоги (NAS) ---

	// Каталог, в который лаборатория выкладывает результаты
	WatchPath string
	// Корень архива: <ArchivePath>/<YYYY-MM-DD>/<file>
	ArchivePath string
	// Каталог карантина (плоский)
	QuarantinePath string
	// Каталог журнала перемещений
	JournalPath string
	// Маска файлов-кандидатов в WatchPath
	WatchPattern string

	// --- Сканер ---

	// Интервал опроса WatchPath
	WatchInterval time.Duration
	// Включает досрочное сканирование по событиям fsnotify
	WatchNotify bool
	// Размер и TTL кэша уже обработанных файлов
	SeenCacheSize int
	SeenCacheTTL  time.Duration

	// --- Диспетчер и внешняя система ---

	// Интервал опроса очереди pending-записей
	DispatchInterval time.Duration
	// URL метода приёма результатов во внешней системе
	DownstreamURL string
	// Bearer-токен внешней системы
	DownstreamToken string
	// Таймаут одной попытки отправки
	DownstreamTimeout time.Duration
	// Количество повторных попыток после первой неудачной
	DownstreamRetryCount int
	// Базовая задержка повтора: перед n-м повтором ждём RetryDelay × n
	DownstreamRetryDelay time.Duration
	// Путь к CA-сертификату внешней системы (опционально)
	DownstreamCACert string
	// Путь health-проверки внешней системы для topologymetrics
	DownstreamHealthPath string

	// --- Обслуживание ---

	// Срок хранения архивных каталогов в днях
	ArchiveRetentionDays int
	// Интервал очистки архива
	RetentionInterval time.Duration
	// Через сколько запись в processing считается зависшей
	StaleProcessingAfter time.Duration
	// Интервал проверки зависших записей
	StaleCheckInterval time.Duration

	// --- topologymetrics ---

	DephealthCheckInterval time.Duration
	DephealthGroup         string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// LIS_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("LIS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("LIS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("LIS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LIS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LIS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("LIS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LIS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("LIS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("LIS_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("LIS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("LIS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("LIS_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = getEnvInt("LIS_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("LIS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("LIS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("LIS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("LIS_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("LIS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("LIS_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}

	// --- Каталоги ---

	cfg.WatchPath = getEnvDefault("LIS_WATCH_PATH", "/mnt/nas/lab_results")
	cfg.ArchivePath = getEnvDefault("LIS_ARCHIVE_PATH", "/mnt/nas/archive")
	cfg.QuarantinePath = getEnvDefault("LIS_QUARANTINE_PATH", "/mnt/nas/quarantine")
	cfg.JournalPath = getEnvDefault("LIS_JOURNAL_PATH", "/data/journal")
	cfg.WatchPattern = getEnvDefault("LIS_WATCH_PATTERN", "*.pdf")
	if strings.ContainsRune(cfg.WatchPattern, os.PathSeparator) {
		return nil, fmt.Errorf("LIS_WATCH_PATTERN: маска %q не должна содержать разделитель пути", cfg.WatchPattern)
	}
	if cfg.WatchPath == cfg.ArchivePath || cfg.WatchPath == cfg.QuarantinePath {
		return nil, fmt.Errorf("LIS_WATCH_PATH: каталог наблюдения не должен совпадать с архивом или карантином")
	}

	// --- Сканер ---

	if cfg.WatchInterval, err = getEnvDuration("LIS_WATCH_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_WATCH_INTERVAL: %w", err)
	}
	if cfg.WatchNotify, err = getEnvBool("LIS_WATCH_NOTIFY", false); err != nil {
		return nil, fmt.Errorf("LIS_WATCH_NOTIFY: %w", err)
	}
	if cfg.SeenCacheSize, err = getEnvInt("LIS_SEEN_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("LIS_SEEN_CACHE_SIZE: %w", err)
	}
	if cfg.SeenCacheSize <= 0 {
		return nil, fmt.Errorf("LIS_SEEN_CACHE_SIZE: значение должно быть положительным")
	}
	if cfg.SeenCacheTTL, err = getEnvDuration("LIS_SEEN_CACHE_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("LIS_SEEN_CACHE_TTL: %w", err)
	}

	// --- Диспетчер и внешняя система ---

	if cfg.DispatchInterval, err = getEnvDuration("LIS_DISPATCH_INTERVAL", 5*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_DISPATCH_INTERVAL: %w", err)
	}
	if cfg.DownstreamURL, err = getEnvRequired("LIS_DOWNSTREAM_URL"); err != nil {
		return nil, err
	}
	cfg.DownstreamToken = getEnvDefault("LIS_DOWNSTREAM_TOKEN", "")
	if cfg.DownstreamTimeout, err = getEnvDuration("LIS_DOWNSTREAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_DOWNSTREAM_TIMEOUT: %w", err)
	}
	if cfg.DownstreamRetryCount, err = getEnvInt("LIS_DOWNSTREAM_RETRY_COUNT", 3); err != nil {
		return nil, fmt.Errorf("LIS_DOWNSTREAM_RETRY_COUNT: %w", err)
	}
	if cfg.DownstreamRetryCount < 0 {
		return nil, fmt.Errorf("LIS_DOWNSTREAM_RETRY_COUNT: значение не может быть отрицательным")
	}
	if cfg.DownstreamRetryDelay, err = getEnvDuration("LIS_DOWNSTREAM_RETRY_DELAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_DOWNSTREAM_RETRY_DELAY: %w", err)
	}
	cfg.DownstreamCACert = getEnvDefault("LIS_DOWNSTREAM_CA_CERT", "")
	cfg.DownstreamHealthPath = getEnvDefault("LIS_DOWNSTREAM_HEALTH_PATH", "/")

	// --- Обслуживание ---

	if cfg.ArchiveRetentionDays, err = getEnvInt("LIS_ARCHIVE_RETENTION_DAYS", 90); err != nil {
		return nil, fmt.Errorf("LIS_ARCHIVE_RETENTION_DAYS: %w", err)
	}
	if cfg.ArchiveRetentionDays < 0 {
		return nil, fmt.Errorf("LIS_ARCHIVE_RETENTION_DAYS: значение не может быть отрицательным")
	}
	if cfg.RetentionInterval, err = getEnvDuration("LIS_RETENTION_INTERVAL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("LIS_RETENTION_INTERVAL: %w", err)
	}
	if cfg.StaleProcessingAfter, err = getEnvDuration("LIS_STALE_PROCESSING_AFTER", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("LIS_STALE_PROCESSING_AFTER: %w", err)
	}
	if cfg.StaleCheckInterval, err = getEnvDuration("LIS_STALE_CHECK_INTERVAL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("LIS_STALE_CHECK_INTERVAL: %w", err)
	}

	// --- topologymetrics ---

	if cfg.DephealthCheckInterval, err = getEnvDuration("LIS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("LIS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("LIS_DEPHEALTH_GROUP", "lis")

	for name, d := range map[string]time.Duration{
		"LIS_WATCH_INTERVAL":       cfg.WatchInterval,
		"LIS_DISPATCH_INTERVAL":    cfg.DispatchInterval,
		"LIS_RETENTION_INTERVAL":   cfg.RetentionInterval,
		"LIS_DOWNSTREAM_TIMEOUT":   cfg.DownstreamTimeout,
		"LIS_STALE_CHECK_INTERVAL": cfg.StaleCheckInterval,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s: длительность должна быть положительной", name)
		}
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// PostgresURL возвращает URL PostgreSQL без пароля — для лейблов topologymetrics.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
