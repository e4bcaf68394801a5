package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (self-hosted server or tests).
	APIURL string
}

// Telegram sends through the Bot API. The bot never polls.
type Telegram struct {
	name   string
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegram(name string, cfg TelegramConfig, hc *http.Client) (*Telegram, error) {
	if IsPlaceholder(cfg.Token) {
		return nil, fmt.Errorf("%w: telegram token", ErrNotConfigured)
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: telegram chat_id", ErrNotConfigured)
	}
	settings := tele.Settings{Token: cfg.Token, Offline: true, URL: cfg.APIURL}
	if hc != nil {
		settings.Client = hc
	}
	bot, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if name == "" {
		name = "telegram"
	}
	return &Telegram{name: name, bot: bot, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *Telegram) Name() string { return t.name }

func (t *Telegram) Send(ctx context.Context, text string) error {
	opts := &tele.SendOptions{ThreadID: t.thread, DisableWebPagePreview: true}
	for _, part := range Split(text, telegramLimit) {
		part := part
		err := callCtx(ctx, func() error {
			_, err := t.bot.Send(t.chat, part, opts)
			return err
		})
		if err != nil {
			return t.classify(err)
		}
	}
	return nil
}

var (
	reTeleCode  = regexp.MustCompile(`\((\d{3})\)\s*$`)
	reTeleRetry = regexp.MustCompile(`retry after (\d+)`)
)

// classify maps telebot errors. Known API errors are *tele.Error; the rest
// (including flood control) only carry the code as "(NNN)" in the message.
func (t *Telegram) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transportError(t.name, err)
	}
	msg := err.Error()
	code := 0
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		code = te.Code
	} else if m := reTeleCode.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code == 0 {
		return transportError(t.name, err)
	}
	ce := statusError(t.name, code, err)
	if r := reTeleRetry.FindStringSubmatch(msg); r != nil {
		secs, _ := strconv.Atoi(r[1])
		ce.RetryAfter = time.Duration(secs) * time.Second
	}
	return ce
}
