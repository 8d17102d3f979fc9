package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// AuditRepository — интерфейс таблицы audit_entries. Только добавление и чтение.
type AuditRepository interface {
	// Append добавляет запись журнала, заполняя ID и Timestamp.
	Append(ctx context.Context, e *model.AuditEntry) error
	// List возвращает записи журнала, новые первыми.
	// recordID == nil — по всем записям.
	List(ctx context.Context, recordID *string, limit, offset int) ([]*model.AuditEntry, error)
}

type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("ошибка сериализации details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_entries (record_id, action, outcome, message, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		e.RecordID, string(e.Action), string(e.Outcome), e.Message, details,
	).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал аудита: %w", err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, recordID *string, limit, offset int) ([]*model.AuditEntry, error) {
	query := `
		SELECT id, record_id, action, outcome, message, details, created_at
		FROM audit_entries
		WHERE ($1::uuid IS NULL OR record_id = $1::uuid)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, recordID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var action, outcome string
		var details []byte
		if err := rows.Scan(&e.ID, &e.RecordID, &action, &outcome, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи аудита: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.Outcome = model.AuditOutcome(outcome)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("ошибка разбора details: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
