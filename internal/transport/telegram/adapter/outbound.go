package adapter

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
)

// messageLimit stays under Telegram's 4096 to leave room for entities.
const messageLimit = 4000

const (
	maxMenuCommands   = 100
	maxMenuDescLength = 256
)

func toTele(opt *kit.SendOptions, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opt == nil {
		return so
	}
	so.ParseMode = tele.ParseMode(opt.ParseMode)
	so.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.Markup.(*tele.ReplyMarkup); ok && withMarkup {
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split into several messages when it is too long. The
// reference of the first message is returned; only it carries the markup.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	first := kit.MessageRef{ChatID: to.ChatID}
	for i, part := range chunkText(text, messageLimit, isHTML(opt)) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, part, toTele(opt, i == 0))
		if err != nil {
			return first, errors.Wrapf(err, "telegram send to %d", to.ChatID)
		}
		if i == 0 {
			first.MessageID = msg.ID
		}
	}
	return first, nil
}

// EditText replaces a message. Overflow goes out as follow-up messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	parts := chunkText(text, messageLimit, isHTML(opt))
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(msg, parts[0], toTele(opt, true)); err != nil {
		return errors.Wrap(err, "telegram edit")
	}
	if len(parts) == 1 {
		return nil
	}
	var plain *kit.SendOptions
	if opt != nil {
		plain = &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}
	}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID}, strings.Join(parts[1:], "\n"), plain)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// UpdateMenuCommands publishes the command menu unless it equals the one
// published last.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, menu) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return errors.Wrap(err, "telegram setMyCommands")
	}
	a.menu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	menu := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := cmp.Or(c.Description, c.Command)
		if len(desc) > maxMenuDescLength {
			desc = desc[:maxMenuDescLength]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: desc})
		if len(menu) == maxMenuCommands {
			break
		}
	}
	return menu
}

func isHTML(opt *kit.SendOptions) bool {
	return opt != nil && strings.EqualFold(opt.ParseMode, "HTML")
}

// chunkText cuts s into pieces of at most limit runes. A cut prefers the last
// newline in the window unless that would leave the piece shorter than a
// third of the limit. With html set a cut never lands inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var parts []string
	rest := []rune(s)
	for len(rest) > limit {
		cut := cutPoint(rest[:limit], html)
		parts = append(parts, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

func cutPoint(window []rune, html bool) int {
	cut := len(window)
	if nl := lastRune(window, '\n'); nl >= 0 && nl >= len(window)/3 {
		cut = nl + 1
	}
	if html {
		open, closing := lastRune(window[:cut], '<'), lastRune(window[:cut], '>')
		if open > closing && open > 0 {
			cut = open
		}
	}
	return cut
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
