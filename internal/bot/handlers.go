package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carminepf/internal/apperror"
	"carminepf/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to the carminepf watcher!

The watcher polls the configured product feed every minute, queues new
profitable products and hands them to the acquisition agent.

Quick start:
1. PUT /api/config with the feed URL
2. /run — start monitoring
3. /status — see what it is doing

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Monitoring:
/status — loop state, queue size and configuration
/run — start monitoring
/halt — stop monitoring
/check — run one discovery pass now

Information:
/config — show the active configuration
/attempts [n] — last n acquisition outcomes (default 5)`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	st := b.monitor.Status()

	pending, err := b.store.CountUnprocessed(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	action := tgbotapi.NewInlineKeyboardButtonData("Start", cbMonitor+":"+cmdRun)
	if st.IsRunning {
		action = tgbotapi.NewInlineKeyboardButtonData("Stop", cbMonitor+":"+cmdHalt)
	}
	msg := tgbotapi.NewMessage(chatID, FormatStatus(st, pending))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			action,
			tgbotapi.NewInlineKeyboardButtonData("Check now", cbMonitor+":"+cmdCheck),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send status", "error", err)
	}
}

func (b *Bot) handleRun(ctx context.Context, chatID int64) {
	err := b.monitor.Start(ctx)
	switch {
	case err == nil:
		b.reply(chatID, "Monitoring started.")
	case apperror.HasCode(err, apperror.CodeAlreadyRunning):
		b.reply(chatID, "Monitoring is already running.")
	case apperror.HasCode(err, apperror.CodeNoConfig):
		b.reply(chatID, "No configuration yet. Submit one through PUT /api/config first.")
	default:
		b.reply(chatID, fmt.Sprintf("Failed to start monitoring: %v", err))
	}
}

func (b *Bot) handleHalt(ctx context.Context, chatID int64) {
	if err := b.monitor.Stop(ctx); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to stop monitoring: %v", err))
		return
	}
	b.reply(chatID, "Monitoring stopped.")
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64) {
	if !b.monitor.RunOnce(ctx) {
		b.reply(chatID, "A discovery pass is already in progress.")
		return
	}
	b.reply(chatID, "Discovery pass finished.")
}

func (b *Bot) handleConfig(ctx context.Context, chatID int64) {
	cfg, err := b.store.GetConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "No configuration yet.")
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatConfig(cfg))
}

func (b *Bot) handleAttempts(chatID int64, args string) {
	n, err := ParseCountArg(args, defaultAttempts, maxAttempts)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if b.attempts == nil {
		b.reply(chatID, "Acquisition is not enabled.")
		return
	}
	b.reply(chatID, FormatAttempts(b.attempts.Completed(), b.attempts.Failed(), b.attempts.Rejected(), n))
}
