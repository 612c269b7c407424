package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/metrics"
)

// TelegramSink pushes notifications to a Telegram chat. Used for operator
// alerts when nobody is watching the dashboard.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramSink creates a Telegram notification sink.
func NewTelegramSink(token string, chatID int64, log zerolog.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is not set")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramSink{
		bot:    bot,
		chatID: chatID,
		log:    log.With().Str("component", "telegram_sink").Logger(),
	}, nil
}

// Notify sends the notification as a single Telegram message.
func (s *TelegramSink) Notify(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("%s %s\n%s", badge(n.Kind), n.Title, n.Message)

	msg := tgbotapi.NewMessage(s.chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	metrics.IncNotification("telegram", string(n.Kind))
	s.log.Debug().Str("notification_id", n.ID).Msg("Notification sent to Telegram")
	return nil
}

func badge(kind Kind) string {
	switch kind {
	case KindError:
		return "[ERROR]"
	case KindWarning:
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
