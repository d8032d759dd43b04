package models

import "time"

const (
	// ConfirmationTTL срок, за который клиент должен подтвердить запись
	ConfirmationTTL = 48 * time.Hour

	// ConfirmationGrace минимальный запас между дедлайном и началом визита
	ConfirmationGrace = 2 * time.Hour

	// ConfirmationWindowStart / ConfirmationWindowEnd окно до начала визита, в котором запрашивается подтверждение
	ConfirmationWindowStart = 48 * time.Hour
	ConfirmationWindowEnd   = 72 * time.Hour

	// DefaultMaxReminders сколько раз отправляется ссылка подтверждения
	DefaultMaxReminders = 2

	// OfferResponseWindow сколько кандидат может думать над предложением
	OfferResponseWindow = 2 * time.Hour

	// DefaultCandidateLimit сколько кандидатов попадает в waterfall
	DefaultCandidateLimit = 5

	// DispatchMaxRetries повторные попытки отправки после первой
	DispatchMaxRetries = 3

	// DispatchRateWindow окно счетчика отправок на салон
	DispatchRateWindow = time.Minute

	// CancelReasonNoConfirmation причина автоматической отмены
	CancelReasonNoConfirmation = "auto_cancelled_no_confirmation"
)
