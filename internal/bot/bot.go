// Package bot is the Telegram admin surface: monitor control for allowed
// users and notifications about new candidates and acquisition outcomes.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carminepf/internal/acquire"
	"carminepf/internal/config"
	"carminepf/internal/model"
	"carminepf/internal/scheduler"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Monitor controls the discovery loop.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() scheduler.Status
	RunOnce(ctx context.Context) bool
}

// Store is the read-only persistence the bot reports on.
type Store interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	CountUnprocessed(ctx context.Context) (int64, error)
}

// Attempts exposes recent acquisition outcomes.
type Attempts interface {
	Completed() []acquire.Outcome
	Failed() []acquire.Outcome
	Rejected() int
}

// Bot is the Telegram bot that handles admin commands and sends notifications.
type Bot struct {
	api      telegramAPI
	monitor  Monitor
	store    Store
	attempts Attempts
	cfg      *config.Config
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token. attempts may be nil.
func New(token string, monitor Monitor, store Store, attempts Attempts, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:      api,
		monitor:  monitor,
		store:    store,
		attempts: attempts,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.SendMessage(chatID, text); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

// NotifyCandidates announces new profitable items to the notify chat.
func (b *Bot) NotifyCandidates(_ context.Context, items []model.Item) error {
	if b.cfg.TelegramNotifyChat == 0 || len(items) == 0 {
		return nil
	}
	return b.SendMessage(b.cfg.TelegramNotifyChat, FormatCandidates(items))
}

// Report announces completed and failed acquisition attempts to the notify
// chat. Rejections are only counted, not announced.
func (b *Bot) Report(_ context.Context, out acquire.Outcome) error {
	if b.cfg.TelegramNotifyChat == 0 || out.State == acquire.StateRejected {
		return nil
	}
	return b.SendMessage(b.cfg.TelegramNotifyChat, FormatOutcome(out))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(ctx, chatID)
	case cmdRun:
		b.handleRun(ctx, chatID)
	case cmdHalt:
		b.handleHalt(ctx, chatID)
	case cmdCheck:
		b.handleCheck(ctx, chatID)
	case "config":
		b.handleConfig(ctx, chatID)
	case cmdAttempts:
		b.handleAttempts(chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
