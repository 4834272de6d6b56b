package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// BotAPI методы tgbotapi.BotAPI, которые использует консоль
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot принимает команды оператора из одного чата
type Bot struct {
	api         BotAPI
	router      *Router
	allowedChat int64
	logger      *utils.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBot создает бота. allowedChat = 0 принимает команды из любого чата.
func NewBot(api BotAPI, router *Router, allowedChat int64, logger *utils.Logger) *Bot {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Bot{
		api:         api,
		router:      router,
		allowedChat: allowedChat,
		logger:      logger.Named("telegram"),
	}
}

// Start запускает обработку сообщений
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("telegram bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.running = true
	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.loop(ctx, updates, b.stopChan)

	b.logger.Info("Telegram console started")
	return nil
}

// Stop останавливает бота и ждет завершения обработки
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	b.wg.Wait()
	b.logger.Info("Telegram console stopped")
}

func (b *Bot) loop(ctx context.Context, updates tgbotapi.UpdatesChannel, stop <-chan struct{}) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// handleMessage обрабатывает входящее сообщение
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || !strings.HasPrefix(strings.TrimSpace(message.Text), "/") {
		return
	}

	// Проверяем, что сообщение из разрешенного чата
	if b.allowedChat != 0 && message.Chat != nil && message.Chat.ID != b.allowedChat {
		b.logger.Warn("Unauthorized access attempt from chat ID: %d", message.Chat.ID)
		return
	}

	b.logger.Info("Command from %d: %s", message.From.ID, message.Text)
	reply := b.router.HandleCommand(ctx, message.From.ID, message.Text)
	if reply == "" {
		return
	}

	var chatID int64
	if message.Chat != nil {
		chatID = message.Chat.ID
	}
	msg := tgbotapi.NewMessage(chatID, reply)
	msg.ReplyToMessageID = message.MessageID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send reply: %v", err)
	}
}
