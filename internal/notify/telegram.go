// Package notify уведомления оператора о критических событиях через Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

const maxMessageLength = 4096

// ErrThrottled сообщение отброшено лимитом отправки
var ErrThrottled = errors.New("telegram alert throttled")

// CriticalActions события, о которых уведомляется оператор
var CriticalActions = []string{
	domain.AuditEmergencyPause,
	domain.AuditResume,
	domain.AuditSlippageExceeded,
	domain.AuditAutoRevoke,
	domain.AuditResolve,
	domain.AuditEscalated,
}

// Sender отправка сообщений (*tgbotapi.BotAPI)
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewBotAPI авторизует бота по токену
func NewBotAPI(token string, logger *utils.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	if logger != nil {
		logger.Info("Telegram bot authorized: @%s", bot.Self.UserName)
	}
	return bot, nil
}

// TelegramSink audit.Sink, пересылающий критические события в чат оператора
type TelegramSink struct {
	sender    Sender
	chatID    int64
	formatter *Formatter
	actions   map[string]bool
	limiter   *rate.Limiter
}

// NewTelegramSink создает sink. Без actions используются CriticalActions.
func NewTelegramSink(sender Sender, chatID int64, lang Lang, actions ...string) *TelegramSink {
	if len(actions) == 0 {
		actions = CriticalActions
	}
	allowed := make(map[string]bool, len(actions))
	for _, a := range actions {
		allowed[a] = true
	}
	return &TelegramSink{
		sender:    sender,
		chatID:    chatID,
		formatter: NewFormatter(lang),
		actions:   allowed,
		// лимит Telegram на чат: около 20 сообщений в минуту
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 20),
	}
}

// Write отправляет событие, если оно критическое
func (s *TelegramSink) Write(_ context.Context, e domain.AuditEvent) error {
	if !s.actions[e.Action] {
		return nil
	}
	if !s.limiter.Allow() {
		return fmt.Errorf("%w: %s %s", ErrThrottled, e.Action, e.EntityID)
	}

	for _, part := range splitMessage(s.formatter.FormatEvent(e), maxMessageLength) {
		msg := tgbotapi.NewMessage(s.chatID, part)
		if _, err := s.sender.Send(msg); err != nil {
			return fmt.Errorf("failed to send telegram message: %w", err)
		}
	}
	return nil
}
