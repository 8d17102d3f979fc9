// Пакет errors — конструкторы ошибок HTTP API в едином формате:
// {"error": {"code": "...", "message": "..."}}.
package errors //nolint:revive // конфликт имени со stdlib

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeNotDelivered        = "NOT_DELIVERED"
	CodeNotifierUnavailable = "NOTIFIER_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 запись не найдена.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// FileNotFound — 404 файл записи не найден ни в одном из известных мест.
func FileNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeFileNotFound, message)
}

// InvalidTransition — 409 недопустимый переход состояния записи.
func InvalidTransition(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInvalidTransition, message)
}

// NotDelivered — 409 уведомление до доставки результата.
func NotDelivered(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeNotDelivered, message)
}

// NotifierUnavailable — 503 отправитель уведомлений не настроен.
func NotifierUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeNotifierUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
