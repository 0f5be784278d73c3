package channels

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	serviceUpdatingText = "The service is updating, please retry in a minute."
	retryShortlyText    = "This instance is standing by for a handover. Please retry shortly."
)

// TelegramNotifier sends notices through the Telegram Bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramNotifier authenticates against the Bot API. The returned
// notifier is ready for concurrent use; tgbotapi clients are stateless
// per request.
func NewTelegramNotifier(token string, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier ready", "user", bot.Self.UserName)
	return &TelegramNotifier{bot: bot, logger: logger}, nil
}

func (t *TelegramNotifier) NotifyServiceUpdating(ctx context.Context, chatID int64) error {
	return t.send(ctx, chatID, serviceUpdatingText)
}

func (t *TelegramNotifier) NotifyRetryShortly(ctx context.Context, chatID int64) error {
	return t.send(ctx, chatID, retryShortlyText)
}

func (t *TelegramNotifier) DeliverResult(ctx context.Context, chatID int64, result, jobErr string) error {
	return t.send(ctx, chatID, formatResult(result, jobErr))
}

func (t *TelegramNotifier) SendText(ctx context.Context, chatID int64, text string) error {
	return t.send(ctx, chatID, text)
}

func (t *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}
