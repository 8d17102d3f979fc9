package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// RecordRepository — интерфейс доступа к таблице processing_records.
//
// Переходы состояний выполняются условным UPDATE (compare-and-set по state):
// если запись уже не в ожидаемом состоянии, возвращается ErrStateConflict.
type RecordRepository interface {
	// Create создаёт запись. Дубликат отпечатка — ErrConflict.
	Create(ctx context.Context, rec *model.ProcessingRecord) error
	// GetByID возвращает запись по идентификатору.
	GetByID(ctx context.Context, id string) (*model.ProcessingRecord, error)
	// GetByFingerprint возвращает запись по отпечатку содержимого.
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.ProcessingRecord, error)
	// GetActiveByPath возвращает запись pending или processing, файл которой
	// лежит по пути filePath. Нет такой записи — ErrNotFound.
	GetActiveByPath(ctx context.Context, filePath string) (*model.ProcessingRecord, error)
	// ListPending возвращает очередь на отправку: pending и не отправленные,
	// в порядке создания (старые первыми).
	ListPending(ctx context.Context, limit int) ([]*model.ProcessingRecord, error)
	// MarkProcessing переводит pending → processing.
	MarkProcessing(ctx context.Context, id string) (*model.ProcessingRecord, error)
	// RecordAttempt фиксирует неудачную попытку отправки записи в processing.
	RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error
	// MarkCompleted переводит processing → completed с данными подтверждения.
	MarkCompleted(ctx context.Context, id string, c Completion) (*model.ProcessingRecord, error)
	// MarkFailed переводит processing → failed.
	MarkFailed(ctx context.Context, id string, lastError string, attempts int) (*model.ProcessingRecord, error)
	// UpdateLocation обновляет путь файла и, при архивации, время архивации.
	UpdateLocation(ctx context.Context, id, filePath string, archivedAt *time.Time) error
	// ResetToPending выполняет ручной сброс failed → pending.
	ResetToPending(ctx context.Context, id string) (*model.ProcessingRecord, error)
	// MarkNotified отмечает отправку уведомления получателю.
	MarkNotified(ctx context.Context, id, recipient string, at time.Time) error
	// List возвращает записи, новые первыми.
	List(ctx context.Context, filters RecordListFilters, limit, offset int) ([]*model.ProcessingRecord, error)
	// Count возвращает количество записей с фильтрацией.
	Count(ctx context.Context, filters RecordListFilters) (int, error)
	// CountByState возвращает количество записей по состояниям.
	CountByState(ctx context.Context) (model.StateCounts, error)
	// ListStale возвращает записи processing, не обновлявшиеся с момента before.
	ListStale(ctx context.Context, before time.Time) ([]*model.ProcessingRecord, error)
}

// Completion — данные успешной доставки.
type Completion struct {
	SentAt        time.Time
	DownstreamRef string
	// Recipient — адрес получателя из ответа, пустой если не передан
	Recipient string
	Attempts  int
}

// RecordListFilters — фильтры списка записей.
type RecordListFilters struct {
	State *model.RecordState
}

// recordColumns — порядок колонок совпадает с scanRecord.
const recordColumns = `id, order_ref, file_name, file_path, content_fingerprint, state,
	sent_to_downstream, sent_at, downstream_ref,
	notification_sent, notification_at, recipient_address,
	created_at, updated_at, archived_at, last_error, retry_attempts`

type recordRepo struct {
	db DBTX
}

// NewRecordRepository создаёт репозиторий записей обработки.
func NewRecordRepository(db DBTX) RecordRepository {
	return &recordRepo{db: db}
}

func scanRecord(row pgx.Row) (*model.ProcessingRecord, error) {
	rec := &model.ProcessingRecord{}
	var state string
	err := row.Scan(
		&rec.ID, &rec.OrderRef, &rec.FileName, &rec.FilePath, &rec.Fingerprint, &state,
		&rec.SentToDownstream, &rec.SentAt, &rec.DownstreamRef,
		&rec.NotificationSent, &rec.NotificationAt, &rec.RecipientAddress,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ArchivedAt, &rec.LastError, &rec.RetryAttempts,
	)
	if err != nil {
		return nil, err
	}
	rec.State = model.RecordState(state)
	return rec, nil
}

func (r *recordRepo) Create(ctx context.Context, rec *model.ProcessingRecord) error {
	query := `
		INSERT INTO processing_records (id, order_ref, file_name, file_path,
			content_fingerprint, state, retry_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.OrderRef, rec.FileName, rec.FilePath,
		rec.Fingerprint, string(rec.State), rec.RetryAttempts,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл с таким отпечатком уже учтён", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	return nil
}

func (r *recordRepo) GetByID(ctx context.Context, id string) (*model.ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*model.ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE content_fingerprint = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по отпечатку: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) GetActiveByPath(ctx context.Context, filePath string) (*model.ProcessingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM processing_records
		WHERE file_path = $1 AND state IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, filePath))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по пути: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) ListPending(ctx context.Context, limit int) ([]*model.ProcessingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM processing_records
		WHERE state = 'pending' AND NOT sent_to_downstream
		ORDER BY created_at, id
		LIMIT $1`

	return r.queryRecords(ctx, query, limit)
}

// transition выполняет условный UPDATE и возвращает обновлённую запись.
// Если ни одна строка не обновлена, различает отсутствие записи и конфликт состояния.
func (r *recordRepo) transition(ctx context.Context, id, query string, args ...any) (*model.ProcessingRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка изменения состояния записи: %w", err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: запись %s в состоянии %s", ErrStateConflict, id, current.State)
}

func (r *recordRepo) MarkProcessing(ctx context.Context, id string) (*model.ProcessingRecord, error) {
	query := `
		UPDATE processing_records
		SET state = 'processing', updated_at = now()
		WHERE id = $1 AND state = 'pending'
		RETURNING ` + recordColumns

	return r.transition(ctx, id, query, id)
}

func (r *recordRepo) RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	query := `
		UPDATE processing_records
		SET retry_attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND state = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, attempts, lastError)
	if err != nil {
		return fmt.Errorf("ошибка фиксации попытки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: запись %s не в processing", ErrStateConflict, id)
	}
	return nil
}

func (r *recordRepo) MarkCompleted(ctx context.Context, id string, c Completion) (*model.ProcessingRecord, error) {
	query := `
		UPDATE processing_records
		SET state = 'completed', sent_to_downstream = TRUE, sent_at = $2,
			downstream_ref = $3, recipient_address = COALESCE($4, recipient_address),
			retry_attempts = $5, last_error = NULL, updated_at = now()
		WHERE id = $1 AND state = 'processing'
		RETURNING ` + recordColumns

	var recipient *string
	if c.Recipient != "" {
		recipient = &c.Recipient
	}
	return r.transition(ctx, id, query, id, c.SentAt, c.DownstreamRef, recipient, c.Attempts)
}

func (r *recordRepo) MarkFailed(ctx context.Context, id string, lastError string, attempts int) (*model.ProcessingRecord, error) {
	query := `
		UPDATE processing_records
		SET state = 'failed', last_error = $2, retry_attempts = $3, updated_at = now()
		WHERE id = $1 AND state = 'processing'
		RETURNING ` + recordColumns

	return r.transition(ctx, id, query, id, lastError, attempts)
}

func (r *recordRepo) UpdateLocation(ctx context.Context, id, filePath string, archivedAt *time.Time) error {
	query := `
		UPDATE processing_records
		SET file_path = $2, archived_at = COALESCE($3, archived_at), updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, filePath, archivedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления пути файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepo) ResetToPending(ctx context.Context, id string) (*model.ProcessingRecord, error) {
	query := `
		UPDATE processing_records
		SET state = 'pending', retry_attempts = 0, last_error = NULL, updated_at = now()
		WHERE id = $1 AND state = 'failed'
		RETURNING ` + recordColumns

	return r.transition(ctx, id, query, id)
}

func (r *recordRepo) MarkNotified(ctx context.Context, id, recipient string, at time.Time) error {
	query := `
		UPDATE processing_records
		SET notification_sent = TRUE, notification_at = $3, recipient_address = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, recipient, at)
	if err != nil {
		return fmt.Errorf("ошибка отметки уведомления: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildRecordWhere строит WHERE-условие и аргументы для фильтрации записей.
func buildRecordWhere(filters RecordListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argNum))
		args = append(args, string(*filters.State))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *recordRepo) List(ctx context.Context, filters RecordListFilters, limit, offset int) ([]*model.ProcessingRecord, error) {
	where, args := buildRecordWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM processing_records
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, recordColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.queryRecords(ctx, query, args...)
}

func (r *recordRepo) Count(ctx context.Context, filters RecordListFilters) (int, error) {
	where, args := buildRecordWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM processing_records %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return count, nil
}

func (r *recordRepo) CountByState(ctx context.Context) (model.StateCounts, error) {
	var counts model.StateCounts

	rows, err := r.db.Query(ctx, `SELECT state, COUNT(*) FROM processing_records GROUP BY state`)
	if err != nil {
		return counts, fmt.Errorf("ошибка подсчёта по состояниям: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return counts, fmt.Errorf("ошибка сканирования счётчика: %w", err)
		}
		counts.Add(model.RecordState(state), n)
	}
	return counts, rows.Err()
}

func (r *recordRepo) ListStale(ctx context.Context, before time.Time) ([]*model.ProcessingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM processing_records
		WHERE state = 'processing' AND updated_at < $1
		ORDER BY updated_at`

	return r.queryRecords(ctx, query, before)
}

func (r *recordRepo) queryRecords(ctx context.Context, query string, args ...any) ([]*model.ProcessingRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
