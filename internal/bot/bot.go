// Package bot answers the inline buttons attached to confirm and slot offer messages.
package bot

import (
	"context"
	"time"

	"rebook/internal/confirmation"
	"rebook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TelegramAPI is the part of *tgbotapi.BotAPI the bot uses.
type TelegramAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	StopReceivingUpdates()
}

type ConfirmationService interface {
	Confirm(ctx context.Context, token string, meta confirmation.Meta) (*models.Confirmation, error)
}

type OfferService interface {
	Respond(ctx context.Context, offerID string, entryID int64, response models.CandidateResponse) (*models.SlotOffer, error)
}

const updateTimeout = 30 * time.Second

type Bot struct {
	api           TelegramAPI
	confirmations ConfirmationService
	offers        OfferService
	logger        *zerolog.Logger
}

func New(api TelegramAPI, confirmations ConfirmationService, offers OfferService, logger *zerolog.Logger) *Bot {
	return &Bot{
		api:           api,
		confirmations: confirmations,
		offers:        offers,
		logger:        logger,
	}
}

func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Msg("Listening for button presses")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bot stopping...")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

// Stop stops receiving Telegram updates (best-effort).
func (b *Bot) Stop() {
	if b == nil || b.api == nil {
		return
	}
	b.api.StopReceivingUpdates()
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	// Создаем контекст для обработки каждого обновления
	updateCtx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	l := b.logger.With().Str("request_id", uuid.NewString()).Logger()

	b.withRecovery(&l, func() {
		switch {
		case update.CallbackQuery != nil:
			b.handleCallbackQuery(updateCtx, update.CallbackQuery, &l)
		case update.Message != nil:
			b.handleMessage(update.Message)
		}
	})
}

func (b *Bot) withRecovery(l *zerolog.Logger, handler func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Recovered from panic in update handler")
		}
	}()
	handler()
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	b.sendMessage(msg.Chat.ID, helpText(msg.Chat.ID))
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}
