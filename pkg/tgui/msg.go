package tgui

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "smmbot/internal/transport"
)

// Message is rendered HTML plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	opt := m.Opt
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return s.SendText(ctx, to, m.Text, opt)
}

// Builder assembles an HTML message one line at a time. Plain strings are
// escaped, H values are trusted.
type Builder struct {
	lines  []H
	markup *tele.ReplyMarkup
}

func New() *Builder { return &Builder{} }

func (b *Builder) add(lines ...H) *Builder {
	b.lines = append(b.lines, lines...)
	return b
}

// Inline attaches kb. An empty keyboard clears the markup.
func (b *Builder) Inline(kb *Inline) *Builder {
	b.markup = nil
	if kb != nil && kb.Len() > 0 {
		b.markup = kb.Markup()
	}
	return b
}

// Markup attaches any reply markup, e.g. a ReplyKeyboard.
func (b *Builder) Markup(rm *tele.ReplyMarkup) *Builder {
	b.markup = rm
	return b
}

// Title adds a bold heading followed by an empty line.
func (b *Builder) Title(emoji, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	head := B(title)
	if emoji = strings.TrimSpace(emoji); emoji != "" {
		head = H(emoji+" ") + head
	}
	return b.add(head, "")
}

func (b *Builder) Line(s string) *Builder { return b.add(Esc(s)) }

func (b *Builder) HTML(h H) *Builder { return b.add(h) }

func (b *Builder) Blank() *Builder { return b.add("") }

// KV adds a "key: value" row with a bold key. Rows without a key are skipped.
func (b *Builder) KV(key, value string) *Builder {
	if key = strings.TrimSpace(key); key == "" {
		return b
	}
	return b.add(B(key) + ": " + Esc(strings.TrimSpace(value)))
}

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.add(Esc("• " + it))
		}
	}
	return b
}

func (b *Builder) Build() Message {
	var sb strings.Builder
	for i, l := range b.lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(string(l))
	}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.markup != nil {
		opt.Markup = b.markup
	}
	return Message{Text: strings.Trim(sb.String(), "\n"), Opt: opt}
}
