package main

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

// errMarkupRejected marks a send that Telegram refused because it could
// not parse the message's formatting entities. This is the only
// rejection class worth retrying as plain text; a blocked bot or rate
// rejection would just fail identically a second time.
var errMarkupRejected = errors.New("telegram rejected message markup")

// telegramSender delivers messages through the Telegram Bot API, rate
// limited below Telegram's global ~30 messages/second ceiling so a chatty
// agent can't get the bot muted.
type telegramSender struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

func newTelegramSender(bot *tgbotapi.BotAPI) *telegramSender {
	return &telegramSender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

func (s *telegramSender) Send(ctx context.Context, chatID types.ChatID, text string, markdown bool) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return utils.MakeError("rate limiter interrupted: %s", err)
	}

	msg := tgbotapi.NewMessage(int64(chatID), text)
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := s.bot.Send(msg); err != nil {
		if markdown && strings.Contains(err.Error(), "can't parse entities") {
			return utils.MakeError("%w: chat %d: %s", errMarkupRejected, chatID, err)
		}
		return utils.MakeError("couldn't send Telegram message to chat %d: %s", chatID, err)
	}
	return nil
}
