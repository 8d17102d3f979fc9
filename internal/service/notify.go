package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/gr33njj/lis-mini/internal/domain/model"
	"github.com/gr33njj/lis-mini/internal/ledger"
	"github.com/gr33njj/lis-mini/internal/repository"
)

var (
	// ErrNotifierUnavailable — отправитель уведомлений не настроен.
	ErrNotifierUnavailable = errors.New("отправка уведомлений не настроена")
	// ErrInvalidRecipient — адрес получателя некорректен.
	ErrInvalidRecipient = errors.New("некорректный адрес получателя")
	// ErrNotDelivered — уведомление нельзя отправить до успешной доставки результата.
	ErrNotDelivered = errors.New("результат ещё не доставлен")
)

// Notifier — внешний отправитель уведомлений получателю результата.
type Notifier interface {
	Notify(ctx context.Context, rec *model.ProcessingRecord, recipient string) error
}

// NotificationService вызывает Notifier и фиксирует итог в записи и журнале.
// Сбой уведомления не влияет на состояние записи.
type NotificationService struct {
	records  repository.RecordRepository
	notifier Notifier
	ledger   *ledger.Ledger
	now      func() time.Time
	logger   *slog.Logger
}

// NewNotificationService создаёт сервис уведомлений. notifier == nil — уведомления выключены.
func NewNotificationService(
	records repository.RecordRepository,
	notifier Notifier,
	ldg *ledger.Ledger,
	logger *slog.Logger,
) *NotificationService {
	return &NotificationService{
		records:  records,
		notifier: notifier,
		ledger:   ldg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notify")),
	}
}

// Enabled сообщает, настроен ли отправитель.
func (n *NotificationService) Enabled() bool {
	return n != nil && n.notifier != nil
}

// Send отправляет уведомление по записи completed.
func (n *NotificationService) Send(ctx context.Context, rec *model.ProcessingRecord, recipient string) error {
	if !n.Enabled() {
		return ErrNotifierUnavailable
	}
	if _, err := mail.ParseAddress(recipient); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRecipient, recipient)
	}
	if rec.State != model.StateCompleted {
		return fmt.Errorf("%w: запись в состоянии %s", ErrNotDelivered, rec.State)
	}

	if err := n.notifier.Notify(ctx, rec, recipient); err != nil {
		n.ledger.Record(ctx, rec.ID, model.ActionEmailSent, model.OutcomeError,
			fmt.Sprintf("ошибка отправки уведомления: %v", err),
			map[string]any{"recipient": recipient})
		return fmt.Errorf("отправка уведомления: %w", err)
	}

	at := n.now()
	if err := n.records.MarkNotified(ctx, rec.ID, recipient, at); err != nil {
		n.logger.Error("Уведомление отправлено, но отметка не сохранена",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else {
		rec.NotificationSent = true
		rec.NotificationAt = &at
		rec.RecipientAddress = &recipient
	}

	n.ledger.Record(ctx, rec.ID, model.ActionEmailSent, model.OutcomeSuccess,
		"уведомление отправлено: "+recipient, nil)
	return nil
}
