package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessenger delivers messages over the Telegram Bot API. Contacts
// are numeric chat IDs.
type TelegramMessenger struct {
	token  string
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramMessenger(token string, logger *slog.Logger) *TelegramMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramMessenger{token: token, logger: logger}
}

func (m *TelegramMessenger) Name() string { return "telegram" }

// ensureBot connects lazily so construction never needs network access.
func (m *TelegramMessenger) ensureBot() (*tgbotapi.BotAPI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bot != nil {
		return m.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(m.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	m.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	m.bot = bot
	return bot, nil
}

func (m *TelegramMessenger) Send(ctx context.Context, contact, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(contact, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram contact must be a chat id: %q", contact)
	}
	bot, err := m.ensureBot()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
