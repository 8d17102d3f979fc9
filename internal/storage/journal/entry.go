// Пакет journal — журнал перемещений файлов.
//
// Перед перемещением файла в архив или карантин создаётся запись pending
// с исходным и целевым путём. После сохранения нового пути в записи
// обработки она коммитится, при ошибке перемещения откатывается.
// Записи pending, оставшиеся после аварийной остановки, разбираются при старте.
// Каждая запись — отдельный файл {tx_id}.journal.json.
package journal

import "time"

// Operation — вид перемещения.
type Operation string

const (
	// OpArchive — перемещение в датированный архив после успешной отправки
	OpArchive Operation = "archive"
	// OpQuarantine — перемещение в карантин после исчерпания попыток
	OpQuarantine Operation = "quarantine"
)

// Status — статус записи журнала.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Entry — запись журнала перемещений.
type Entry struct {
	TransactionID string    `json:"transaction_id"`
	Operation     Operation `json:"operation"`
	Status        Status    `json:"status"`
	RecordID      string    `json:"record_id"`
	Source        string    `json:"source"`
	Destination   string    `json:"destination"`
	StartedAt     time.Time `json:"started_at"`
	// CompletedAt — nil для pending
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const fileSuffix = ".journal.json"

func entryFileName(txID string) string {
	return txID + fileSuffix
}
