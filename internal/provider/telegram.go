package provider

import (
	"context"
	"fmt"
	"strconv"

	"rebook/internal/config"
	"rebook/internal/domain"
	"rebook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is the part of the bot API the provider needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider delivers messages to Telegram chats. Recipients are chat ids.
type TelegramProvider struct {
	bot  TelegramSender
	cost float64
}

func NewTelegramProvider(bot TelegramSender, costPerMessage float64) *TelegramProvider {
	return &TelegramProvider{bot: bot, cost: costPerMessage}
}

// NewTelegramBot connects to the bot API.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

func (p *TelegramProvider) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SendResult{}, err
	}

	chatID, err := strconv.ParseInt(req.To, 10, 64)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("invalid chat id %q: %w", req.To, err)
	}

	msg := tgbotapi.NewMessage(chatID, req.Body)
	msg.DisableWebPagePreview = true
	if keyboard, ok := inlineKeyboard(req.Actions); ok {
		msg.ReplyMarkup = keyboard
	}
	sent, err := p.bot.Send(msg)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}

	return domain.SendResult{
		ProviderMessageID: fmt.Sprintf("tg:%d:%d", chatID, sent.MessageID),
		Cost:              p.cost,
	}, nil
}

// inlineKeyboard puts all actions in one row. Callback buttons are answered by the bot,
// URL buttons open the public link.
func inlineKeyboard(actions []models.MessageAction) (tgbotapi.InlineKeyboardMarkup, bool) {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		switch {
		case a.Callback != "" && len(a.Callback) <= models.MaxCallbackLen:
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Callback))
		case a.URL != "":
			row = append(row, tgbotapi.NewInlineKeyboardButtonURL(a.Label, a.URL))
		}
	}
	if len(row) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), true
}
