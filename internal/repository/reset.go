package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// Resetter выполняет ручной сброс failed → pending вместе с записью
// аудита: либо фиксируются оба изменения, либо ни одно.
type Resetter interface {
	Reset(ctx context.Context, id string, entry *model.AuditEntry) (*model.ProcessingRecord, error)
}

type txResetter struct {
	runner *TxRunner
}

// NewResetter создаёт Resetter поверх транзакций PostgreSQL.
func NewResetter(runner *TxRunner) Resetter {
	return &txResetter{runner: runner}
}

func (r *txResetter) Reset(ctx context.Context, id string, entry *model.AuditEntry) (*model.ProcessingRecord, error) {
	var rec *model.ProcessingRecord
	err := r.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = NewRecordRepository(tx).ResetToPending(ctx, id)
		if err != nil {
			return err
		}
		entry.RecordID = &rec.ID
		return NewAuditRepository(tx).Append(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
