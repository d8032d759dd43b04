package bot

import (
	"context"
	"strconv"

	"rebook/internal/confirmation"
	"rebook/internal/metrics"
	"rebook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

func (b *Bot) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery, l *zerolog.Logger) {
	data, err := models.ParseCallback(callback.Data)
	if err != nil {
		l.Debug().Str("data", callback.Data).Msg("Unknown callback")
		metrics.IncBotCallback("unknown", "invalid")
		b.answer(callback, textUnknownButton)
		return
	}

	var (
		text     string
		finished bool
	)
	switch data.Kind {
	case models.CallbackConfirm:
		text, finished, err = b.confirm(ctx, callback, data)
	default:
		text, finished, err = b.respond(ctx, data)
	}

	outcome := "ok"
	if err != nil {
		outcome = errorCode(err)
		l.Info().Err(err).Str("kind", string(data.Kind)).Msg("Callback not applied")
	}
	metrics.IncBotCallback(string(data.Kind), outcome)

	b.answer(callback, text)
	if finished {
		b.removeButtons(callback)
	}
}

func (b *Bot) confirm(ctx context.Context, callback *tgbotapi.CallbackQuery, data models.Callback) (string, bool, error) {
	meta := confirmation.Meta{}
	if callback.From != nil {
		meta.UserAgent = "telegram:" + strconv.FormatInt(callback.From.ID, 10)
	}

	if _, err := b.confirmations.Confirm(ctx, data.Token, meta); err != nil {
		return confirmErrorText(err), isFinal(err), err
	}
	return textConfirmed, true, nil
}

func (b *Bot) respond(ctx context.Context, data models.Callback) (string, bool, error) {
	response := data.Response()
	if _, err := b.offers.Respond(ctx, data.OfferID, data.EntryID, response); err != nil {
		return offerErrorText(err), isFinal(err), err
	}
	if response == models.ResponseAccepted {
		return textAccepted, true, nil
	}
	return textDeclined, true, nil
}

// answer убирает "часики" на кнопке и показывает короткий ответ
func (b *Bot) answer(callback *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callback.ID, text)); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to answer callback")
	}
}

func (b *Bot) removeButtons(callback *tgbotapi.CallbackQuery) {
	msg := callback.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(msg.Chat.ID, msg.MessageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to remove buttons")
	}
}
