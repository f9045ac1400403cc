// Package notify pushes operator alerts for events that need a human:
// storage faults that block the single-flight gate, and tasks that
// exhausted their attempts.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/fixwell/internal/bus"
	"github.com/basket/fixwell/internal/config"
)

// sender abstracts the Telegram client for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards alert-worthy bus events to a Telegram chat.
type TelegramNotifier struct {
	bot    sender
	chatID int64
	logger *slog.Logger
}

func NewTelegramNotifier(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

// Start subscribes to alert topics and forwards them until ctx is done.
func (n *TelegramNotifier) Start(ctx context.Context, eventBus *bus.Bus) {
	storageSub := eventBus.Subscribe(bus.TopicStorageFault)
	failedSub := eventBus.Subscribe(bus.TopicTaskFailed)

	go func() {
		defer eventBus.Unsubscribe(storageSub)
		defer eventBus.Unsubscribe(failedSub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-storageSub.Ch():
				if !ok {
					return
				}
				if fault, ok := ev.Payload.(bus.StorageFaultEvent); ok {
					n.send(fmt.Sprintf("⚠️ fixwell storage fault\ntask: %s\nop: %s\nreason: %s",
						fault.Key, fault.Op, fault.Reason))
				}
			case ev, ok := <-failedSub.Ch():
				if !ok {
					return
				}
				if state, ok := ev.Payload.(bus.TaskStateEvent); ok {
					n.send(fmt.Sprintf("❌ fixwell task failed terminally\ntask: %s\nerror: %s",
						state.Key, state.Error))
				}
			}
		}
	}()
	n.logger.Info("telegram notifier started", "chat_id", n.chatID)
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("telegram send failed", "error", err)
	}
}
