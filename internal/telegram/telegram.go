// Package telegram connects the dispatcher to the Telegram Bot API using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/treykane/ssh-bot/internal/bot"
	"github.com/treykane/ssh-bot/internal/model"
)

const (
	// maxMessageLength is Telegram's limit for one text message.
	maxMessageLength = 4096
	// maxDownloadBytes is the largest file the Bot API lets bots fetch.
	maxDownloadBytes = 20 << 20
)

var menu = []tgbotapi.BotCommand{
	{Command: "connect", Description: "Connect to a server"},
	{Command: "disconnect", Description: "Disconnect from the server"},
	{Command: "execute", Description: "Run a command"},
	{Command: "upload", Description: "Upload a file"},
	{Command: "download", Description: "Download a file"},
	{Command: "submit_job", Description: "Submit a batch job"},
	{Command: "show_queue", Description: "Show the job queue"},
	{Command: "cancel_job", Description: "Cancel a job"},
	{Command: "add_monitoring", Description: "Chart metrics from a remote file"},
	{Command: "stop_monitoring", Description: "Stop monitoring tasks"},
	{Command: "cancel", Description: "Abort the current step"},
	{Command: "help", Description: "List commands"},
}

// Bot is the Telegram transport.
type Bot struct {
	api         *tgbotapi.BotAPI
	pollTimeout int
	logger      *slog.Logger
}

// New authorizes token against the Bot API.
func New(token string, pollTimeout int, logger *slog.Logger) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, pollTimeout: pollTimeout, logger: logger}, nil
}

// Run polls for updates and hands each event to dispatch until ctx is done.
func (b *Bot) Run(ctx context.Context, dispatch func(bot.Event)) error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(menu...)); err != nil {
		b.logger.Warn("failed to register command menu", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			if cq := upd.CallbackQuery; cq != nil {
				b.ackCallback(cq)
			}
			ev, ok := toEvent(upd)
			if !ok {
				continue
			}
			dispatch(ev)
		}
	}
}

// ackCallback stops the client spinner and removes the pressed keyboard so
// a button is used at most once.
func (b *Bot) ackCallback(cq *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Debug("callback ack failed", "error", err)
	}
	if cq.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(cq.Message.Chat.ID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Debug("removing keyboard failed", "error", err)
	}
}

// toEvent converts an update from a private chat into a dispatcher event.
func toEvent(upd tgbotapi.Update) (bot.Event, bool) {
	if cq := upd.CallbackQuery; cq != nil {
		if cq.From == nil || cq.Message == nil || !cq.Message.Chat.IsPrivate() {
			return bot.Event{}, false
		}
		return bot.Event{User: model.UserID(cq.From.ID), Callback: cq.Data}, true
	}
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return bot.Event{}, false
	}
	ev := bot.Event{User: model.UserID(msg.From.ID), Text: msg.Text}
	if d := msg.Document; d != nil {
		ev.Text = msg.Caption
		ev.Document = &bot.Document{Name: d.FileName, Size: int64(d.FileSize), Ref: d.FileID}
	}
	if ev.Text == "" && ev.Document == nil {
		return bot.Event{}, false
	}
	return ev, true
}

// Send delivers r to the user's private chat.
func (b *Bot) Send(ctx context.Context, user model.UserID, r bot.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID := int64(user)
	if r.FilePath != "" {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(r.FilePath))
		doc.Caption = r.Text
		if _, err := b.api.Send(doc); err != nil {
			return fmt.Errorf("send document: %w", err)
		}
		return nil
	}
	for i, part := range splitText(r.Text, maxMessageLength-len("<pre></pre>")) {
		msg := tgbotapi.NewMessage(chatID, part)
		if r.Mono {
			msg.Text = "<pre>" + html.EscapeString(part) + "</pre>"
			msg.ParseMode = tgbotapi.ModeHTML
			if len(msg.Text) > maxMessageLength {
				msg.Text, msg.ParseMode = part, ""
			}
		}
		if i == 0 && len(r.Choices) > 0 {
			msg.ReplyMarkup = keyboard(r.Choices)
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func keyboard(rows [][]bot.Choice) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, c := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

// splitText cuts s into pieces of at most max bytes, preferring line breaks.
func splitText(s string, max int) []string {
	if s == "" {
		return []string{" "}
	}
	var parts []string
	for len(s) > max {
		cut := strings.LastIndexByte(s[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && (s[cut]&0xC0) == 0x80 {
				cut--
			}
		}
		parts = append(parts, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// Fetch downloads an inbound attachment to dst.
func (b *Bot) Fetch(ctx context.Context, doc bot.Document, dst string) error {
	if doc.Size > maxDownloadBytes {
		return fmt.Errorf("file is larger than %d MB", maxDownloadBytes>>20)
	}
	url, err := b.api.GetFileDirectURL(doc.Ref)
	if err != nil {
		return fmt.Errorf("resolve file: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.api.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download file: status %s", resp.Status)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes+1)); err != nil {
		_ = f.Close()
		return fmt.Errorf("download file: %w", err)
	}
	return f.Close()
}
