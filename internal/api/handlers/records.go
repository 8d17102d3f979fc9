// records.go — обработчики записей обработки и журнала аудита.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/gr33njj/lis-mini/internal/api/errors"
	"github.com/gr33njj/lis-mini/internal/domain/lifecycle"
	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/repository"
	"github.com/gr33njj/lis-mini/internal/service"
	"github.com/gr33njj/lis-mini/internal/storage/filestore"
)

// maxNotifyBody — ограничение тела запроса уведомления.
const maxNotifyBody = 4096

// recordID извлекает и проверяет идентификатор записи из пути.
func recordID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор записи")
		return "", false
	}
	return id, true
}

// GetStats — GET /api/v1/stats.
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статистики", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении статистики")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListRecords — GET /api/v1/records?state=&limit=&offset=.
func (h *APIHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(r)
	if !ok {
		apierrors.ValidationError(w, "limit и offset должны быть неотрицательными целыми")
		return
	}

	var state *model.RecordState
	if raw := r.URL.Query().Get("state"); raw != "" {
		s := model.RecordState(raw)
		if !s.Valid() {
			apierrors.ValidationError(w, fmt.Sprintf("Неизвестное состояние: %q", raw))
			return
		}
		state = &s
	}

	page, err := h.query.ListRecords(r.Context(), state, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения списка записей", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении списка записей")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetRecord — GET /api/v1/records/{id}.
func (h *APIHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	rec, err := h.query.GetRecord(r.Context(), id)
	if err != nil {
		h.writeRecordError(w, id, err, "получения записи")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResetRecord — POST /api/v1/records/{id}/reset.
// Ручной сброс failed → pending. Для остальных состояний — 409.
func (h *APIHandler) ResetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	rec, err := h.query.Reset(r.Context(), id)
	if err != nil {
		h.writeRecordError(w, id, err, "сброса записи")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type notifyRequest struct {
	Email string `json:"email"`
}

// NotifyRecord — POST /api/v1/records/{id}/notify, тело {"email": "..."}.
func (h *APIHandler) NotifyRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotifyBody)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}
	if req.Email == "" {
		apierrors.ValidationError(w, "Поле email обязательно")
		return
	}

	rec, err := h.query.Notify(r.Context(), id, req.Email)
	if err != nil {
		h.writeRecordError(w, id, err, "отправки уведомления")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DownloadFile — GET /api/v1/records/{id}/file.
// Файл ищется по пути записи, затем в архиве, карантине и каталоге наблюдения.
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	f, rec, err := h.query.OpenFile(r.Context(), id)
	if err != nil {
		h.writeRecordError(w, id, err, "открытия файла")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		h.logger.Error("Ошибка stat файла", slog.String("record_id", id), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при чтении файла")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileName))
	// http.ServeContent обрабатывает Range, If-Modified-Since и Content-Type
	http.ServeContent(w, r, rec.FileName, stat.ModTime(), f)
}

// ListAudit — GET /api/v1/audit?record_id=&limit=&offset=.
func (h *APIHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(r)
	if !ok {
		apierrors.ValidationError(w, "limit и offset должны быть неотрицательными целыми")
		return
	}

	var filter *string
	if raw := r.URL.Query().Get("record_id"); raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			apierrors.ValidationError(w, "Некорректный record_id")
			return
		}
		filter = &raw
	}

	entries, err := h.query.ListAudit(r.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка чтения журнала аудита", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при чтении журнала аудита")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// writeRecordError переводит ошибки сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeRecordError(w http.ResponseWriter, id string, err error, op string) {
	var te *lifecycle.TransitionError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		apierrors.NotFound(w, "Запись не найдена")
	case errors.As(err, &te):
		apierrors.InvalidTransition(w, te.Message)
	case errors.Is(err, filestore.ErrFileNotFound):
		apierrors.FileNotFound(w, "Файл записи не найден")
	case errors.Is(err, service.ErrInvalidRecipient):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotDelivered):
		apierrors.NotDelivered(w, err.Error())
	case errors.Is(err, service.ErrNotifierUnavailable):
		apierrors.NotifierUnavailable(w, err.Error())
	default:
		h.logger.Error("Ошибка "+op,
			slog.String("record_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при "+op)
	}
}
