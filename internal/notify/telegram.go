package notify

import (
	"context"
	"fmt"

	"server-health/internal/config"
	"server-health/internal/messages"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/gravitational/trace"
)

type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Telegram mirrors every message into one chat, whoever the mail recipients are.
type Telegram struct {
	bot    telegramSender
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, trace.Wrap(err, "create telegram bot")
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, _ config.MailConfig, msg messages.Message, _ []string) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   formatTelegram(msg),
	})
	if err != nil {
		return trace.ConnectionProblem(err, "telegram send failed")
	}
	return nil
}

func formatTelegram(msg messages.Message) string {
	return fmt.Sprintf("%s\n\n%s", msg.Subject, msg.Body)
}
