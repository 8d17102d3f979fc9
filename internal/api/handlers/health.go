// health.go — пробы живости и готовности конвейера, метрики Prometheus.
//
// Готовность складывается из проверок зависимостей: PostgreSQL (хранилище
// записей и журнал аудита) и каталогов файлового контура (наблюдение,
// архив, карантин, журнал перемещений). Без любой из них конвейер не
// может ни принять файл, ни переместить его, поэтому fail любой проверки
// снимает сервис с балансировки.
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gr33njj/lis-mini/internal/config"
)

// ReadinessChecker — проверка одной зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и пояснение.
	CheckReady() (status, message string)
}

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// namedCheck — проверка под именем, под которым она видна в ответе.
type namedCheck struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler обслуживает /health/live, /health/ready и /metrics.
type HealthHandler struct {
	checks  []namedCheck
	metrics http.Handler
	now     func() time.Time
}

// NewHealthHandler создаёт обработчик. db — проверка PostgreSQL,
// storage — проверка каталогов; nil-проверка считается fail.
func NewHealthHandler(db, storage ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		checks: []namedCheck{
			{name: "postgresql", checker: db},
			{name: "storage", checker: storage},
		},
		metrics: promhttp.Handler(),
		now:     time.Now,
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func (h *HealthHandler) response(status string) healthResponse {
	return healthResponse{
		Status:    status,
		Service:   config.ServiceName,
		Version:   config.Version,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
}

// HealthLive отвечает 200, пока процесс обслуживает запросы.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.response(statusOK))
}

// HealthReady выполняет все проверки. 503 — если хотя бы одна в fail.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]checkResult, len(h.checks))
	statuses := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		res := checkResult{Status: statusFail, Message: "не инициализирован"}
		if c.checker != nil {
			res.Status, res.Message = c.checker.CheckReady()
		}
		checks[c.name] = res
		statuses = append(statuses, res.Status)
	}

	resp := h.response(overallStatus(statuses...))
	resp.Checks = checks

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics отдаёт метрики Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// overallStatus — худший из статусов проверок.
func overallStatus(statuses ...string) string {
	worst := statusOK
	for _, s := range statuses {
		switch s {
		case statusFail:
			return statusFail
		case statusDegraded:
			worst = statusDegraded
		}
	}
	return worst
}
