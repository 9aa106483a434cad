// Package telegram is the chat front end: messages from the single
// authorized user are fed through the pipeline and the reply is sent back.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/pipeline"
)

// MaxMessageChars is the Telegram limit for one outgoing message.
const MaxMessageChars = 4096

// pollTimeout is the long-polling timeout in seconds.
const pollTimeout = 30

// Sender delivers outgoing messages. *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot serves one knowledge base to one Telegram user.
type Bot struct {
	api   *tgbotapi.BotAPI
	send  Sender
	p     *pipeline.Pipeline
	kb    string
	owner int64
	log   *zap.Logger
}

// New creates a Bot. api may be nil when send is given, which is only
// useful in tests since Run needs api for polling.
func New(api *tgbotapi.BotAPI, send Sender, p *pipeline.Pipeline, cfg config.TelegramConfig, log *zap.Logger) (*Bot, error) {
	if cfg.AuthorizedUserID == 0 {
		return nil, fmt.Errorf("telegram: authorized_user_id is required")
	}
	kb, err := pipeline.NormalizeKB(cfg.KB)
	if err != nil {
		return nil, fmt.Errorf("telegram: kb: %w", err)
	}
	if send == nil {
		if api == nil {
			return nil, fmt.Errorf("telegram: no bot API")
		}
		send = api
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{api: api, send: send, p: p, kb: kb, owner: cfg.AuthorizedUserID, log: log.Named("telegram")}, nil
}

// Run long-polls for updates until ctx is done. Messages are processed one
// at a time, each to completion before the next.
func (b *Bot) Run(ctx context.Context) error {
	if b.api == nil {
		return fmt.Errorf("telegram: no bot API")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.log.Info("telegram bot polling",
		zap.String("bot", b.api.Self.UserName),
		zap.String("kb", b.kb),
		zap.Int64("authorized_user_id", b.owner))

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Message != nil {
				b.handle(ctx, upd.Message)
			}
		}
	}
}

// handle answers one incoming message. Messages from anyone but the
// authorized user are dropped without a reply.
func (b *Bot) handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.ID != b.owner {
		var from int64
		if msg.From != nil {
			from = msg.From.ID
		}
		b.log.Warn("ignoring message from unauthorized user", zap.Int64("user_id", from))
		return
	}
	if msg.Chat == nil || (msg.Text == "" && !msg.IsCommand()) {
		return
	}

	text := b.dispatch(ctx, msg)
	for _, chunk := range splitMessage(text, MaxMessageChars) {
		out := tgbotapi.NewMessage(msg.Chat.ID, chunk)
		out.ReplyToMessageID = msg.MessageID
		if _, err := b.send.Send(out); err != nil {
			b.log.Warn("failed to send reply", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
			return
		}
	}
}

// dispatch routes a message to a command or to the pipeline and returns
// the reply text.
func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) string {
	if msg.IsCommand() {
		return b.command(ctx, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
	}

	reply, err := b.p.Handle(ctx, b.kb, msg.Text)
	if err != nil {
		b.log.Warn("message failed", zap.String("kb", b.kb), zap.Error(err))
		return pipeline.UserMessage(err)
	}
	b.log.Info("message processed",
		zap.String("kb", b.kb),
		zap.Bool("is_query", reply.IsQuery),
		zap.String("item_id", reply.ItemID),
		zap.Int("extracted", reply.ExtractedCount))
	return reply.Text
}

// splitMessage cuts text into chunks of at most max runes, preferring to
// break after a newline.
func splitMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for utf8.RuneCountInString(text) > max {
		cut := byteOffset(text, max)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// byteOffset returns the byte index of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
