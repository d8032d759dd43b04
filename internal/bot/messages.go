package bot

import (
	"errors"
	"fmt"

	"rebook/internal/domain"
	"rebook/internal/lock"
)

const (
	textConfirmed     = "✅ Спасибо! Запись подтверждена."
	textAccepted      = "✅ Вы записаны на освободившееся время."
	textDeclined      = "Хорошо, предложим время другим клиентам."
	textUnknownButton = "Эта кнопка больше не работает."
	textBusy          = "⏳ Обрабатываем предыдущее нажатие, попробуйте через минуту."
	textFailed        = "❌ Не удалось обработать ответ. Попробуйте позже или свяжитесь с салоном."
)

func helpText(chatID int64) string {
	return fmt.Sprintf("Здравствуйте! Здесь будут приходить напоминания о записях и предложения свободного времени.\n\n"+
		"Ваш идентификатор чата: %d. Сообщите его администратору салона.", chatID)
}

func confirmErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return textUnknownButton
	case errors.Is(err, domain.ErrConfirmationExpired):
		return "⌛ Время на подтверждение истекло."
	case errors.Is(err, domain.ErrAlreadyResolved):
		return "Эта запись уже отменена."
	case isBusy(err):
		return textBusy
	default:
		return textFailed
	}
}

func offerErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return textUnknownButton
	case errors.Is(err, domain.ErrOfferExpired):
		return "⌛ Время на ответ истекло, предложение передано другому клиенту."
	case errors.Is(err, domain.ErrSlotTaken):
		return "😔 Это время уже занято."
	case errors.Is(err, domain.ErrConflict):
		return "Предложение больше не актуально."
	case isBusy(err):
		return textBusy
	default:
		return textFailed
	}
}

// isFinal reports whether pressing the button again cannot change the outcome.
func isFinal(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConfirmationExpired) ||
		errors.Is(err, domain.ErrAlreadyResolved) ||
		errors.Is(err, domain.ErrOfferExpired) ||
		errors.Is(err, domain.ErrSlotTaken) ||
		errors.Is(err, domain.ErrConflict)
}

func isBusy(err error) bool {
	return errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, lock.ErrLockNotAcquired)
}

func errorCode(err error) string {
	switch {
	case isBusy(err):
		return "busy"
	case isFinal(err):
		return "rejected"
	default:
		return "error"
	}
}
