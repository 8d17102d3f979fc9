// Пакет lifecycle — конечный автомат состояний записи обработки.
//
// Прямой путь: pending → processing → completed | failed.
// Единственный обратный переход: failed → pending (ручной сброс оператором).
// completed — конечное состояние, переходы запрещены.
package lifecycle

import (
	"fmt"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущее состояние, значение — набор допустимых целевых состояний.
var validTransitions = map[model.RecordState]map[model.RecordState]bool{
	model.StatePending:    {model.StateProcessing: true},
	model.StateProcessing: {model.StateCompleted: true, model.StateFailed: true},
	model.StateCompleted:  {},
	model.StateFailed:     {model.StatePending: true}, // только через ручной сброс
}

// needsReset — переходы, допустимые только как явный внешний сброс.
var needsReset = map[model.RecordState]map[model.RecordState]bool{
	model.StateFailed: {model.StatePending: true},
}

// CanTransition проверяет, допустим ли переход from → to.
// Не учитывает, является ли переход сбросом.
func CanTransition(from, to model.RecordState) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// IsReset возвращает true для перехода, который выполняется только ручным сбросом.
func IsReset(from, to model.RecordState) bool {
	resets, ok := needsReset[from]
	if !ok {
		return false
	}
	return resets[to]
}

// Validate проверяет переход from → to.
//
// Ошибки:
//   - INVALID_STATE — неизвестное состояние
//   - INVALID_TRANSITION — переход не предусмотрен автоматом
//   - RESET_REQUIRED — обратный переход запрошен не как сброс
func Validate(from, to model.RecordState, reset bool) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимое состояние: %q → %q", from, to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	if IsReset(from, to) && !reset {
		return &TransitionError{
			Code:    "RESET_REQUIRED",
			Message: fmt.Sprintf("переход %s → %s выполняется только ручным сбросом", from, to),
		}
	}
	return nil
}

// Terminal возвращает true для состояний без автоматических переходов.
func Terminal(s model.RecordState) bool {
	return s == model.StateCompleted || s == model.StateFailed
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // Машиночитаемый код
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
