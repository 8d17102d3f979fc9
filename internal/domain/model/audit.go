package model

import "time"

// AuditAction — действие, зафиксированное в журнале аудита.
// Набор расширяемый: новые действия добавляются без миграции схемы.
type AuditAction string

const (
	ActionFileDetected     AuditAction = "file_detected"
	ActionSendToDownstream AuditAction = "send_to_downstream"
	ActionArchive          AuditAction = "archive"
	ActionQuarantine       AuditAction = "quarantine"
	ActionReset            AuditAction = "reset"
	ActionEmailSent        AuditAction = "email_sent"
	ActionJournalRecovery  AuditAction = "journal_recovery"
)

// AuditOutcome — итог действия.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeError   AuditOutcome = "error"
	OutcomeInfo    AuditOutcome = "info"
)

// AuditEntry — запись журнала аудита. Только добавляется, никогда не изменяется.
type AuditEntry struct {
	ID int64 `json:"id"`
	// RecordID — nil, если запись ещё не существует (например, ошибка чтения при обнаружении)
	RecordID  *string        `json:"record_id,omitempty"`
	Action    AuditAction    `json:"action"`
	Outcome   AuditOutcome   `json:"outcome"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
