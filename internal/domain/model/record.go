// Пакет model — доменные модели конвейера результатов.
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// RecordState — состояние обработки файла.
type RecordState string

const (
	// StatePending — файл обнаружен и ждёт отправки
	StatePending RecordState = "pending"
	// StateProcessing — диспетчер взял запись в работу
	StateProcessing RecordState = "processing"
	// StateCompleted — файл доставлен во внешнюю систему (терминальное)
	StateCompleted RecordState = "completed"
	// StateFailed — попытки исчерпаны, файл в карантине (до ручного сброса)
	StateFailed RecordState = "failed"
)

// AllStates — все состояния в порядке жизненного цикла.
var AllStates = []RecordState{StatePending, StateProcessing, StateCompleted, StateFailed}

// Valid проверяет, является ли значение допустимым состоянием.
func (s RecordState) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// ProcessingRecord — запись об обработке одного уникального (по содержимому) файла.
type ProcessingRecord struct {
	// ID — непрозрачный идентификатор (UUID), неизменяем
	ID string `json:"id"`
	// OrderRef — номер исследования, имя файла без расширения
	OrderRef string `json:"order_ref"`
	FileName string `json:"file_name"`
	// FilePath — текущее местоположение файла, меняется при архивации/карантине
	FilePath string `json:"file_path"`
	// Fingerprint — SHA-256 содержимого, ключ дедупликации (уникален)
	Fingerprint string      `json:"content_fingerprint"`
	State       RecordState `json:"state"`

	SentToDownstream bool       `json:"sent_to_downstream"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	DownstreamRef    *string    `json:"downstream_ref,omitempty"`

	// Поля уведомления принадлежат внешнему отправителю, ядро их только читает
	NotificationSent bool       `json:"notification_sent"`
	NotificationAt   *time.Time `json:"notification_at,omitempty"`
	RecipientAddress *string    `json:"recipient_address,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	LastError *string `json:"last_error,omitempty"`
	// RetryAttempts — количество попыток отправки с момента последнего сброса
	RetryAttempts int `json:"retry_attempts"`
}

// OrderRefFromFileName возвращает номер исследования по имени файла:
// базовое имя без последнего расширения ("A-100.pdf" → "A-100").
func OrderRefFromFileName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ErrorText возвращает текст последней ошибки или пустую строку.
func (r *ProcessingRecord) ErrorText() string {
	if r.LastError == nil {
		return ""
	}
	return *r.LastError
}

// StateCounts — агрегированное количество записей по состояниям.
type StateCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Add учитывает count записей в состоянии state.
func (c *StateCounts) Add(state RecordState, count int) {
	c.Total += count
	switch state {
	case StatePending:
		c.Pending += count
	case StateProcessing:
		c.Processing += count
	case StateCompleted:
		c.Completed += count
	case StateFailed:
		c.Failed += count
	}
}
