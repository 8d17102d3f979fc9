// handler.go — обработчик query API конвейера результатов.
// Маршруты регистрируются в chi-роутере через Register.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/service"
)

// RecordQuerier — операции query-интерфейса (реализуется service.QueryService).
type RecordQuerier interface {
	Stats(ctx context.Context) (*service.Stats, error)
	ListRecords(ctx context.Context, state *model.RecordState, limit, offset int) (*service.RecordPage, error)
	GetRecord(ctx context.Context, id string) (*model.ProcessingRecord, error)
	ListAudit(ctx context.Context, recordID *string, limit, offset int) ([]*model.AuditEntry, error)
	Reset(ctx context.Context, id string) (*model.ProcessingRecord, error)
	Notify(ctx context.Context, id, recipient string) (*model.ProcessingRecord, error)
	OpenFile(ctx context.Context, id string) (*os.File, *model.ProcessingRecord, error)
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	query  RecordQuerier
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	query RecordQuerier,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health: health,
		query:  query,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Register регистрирует все маршруты API в роутере.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/records", h.ListRecords)
		r.Get("/records/{id}", h.GetRecord)
		r.Get("/records/{id}/file", h.DownloadFile)
		r.Post("/records/{id}/reset", h.ResetRecord)
		r.Post("/records/{id}/notify", h.NotifyRecord)
		r.Get("/audit", h.ListAudit)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// queryInt читает целочисленный query-параметр. Отсутствие — 0.
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// pagination читает limit и offset из запроса.
func pagination(r *http.Request) (limit, offset int, ok bool) {
	limit, ok = queryInt(r, "limit")
	if !ok {
		return 0, 0, false
	}
	offset, ok = queryInt(r, "offset")
	return limit, offset, ok
}
