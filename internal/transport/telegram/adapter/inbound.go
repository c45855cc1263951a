package adapter

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "smmbot/internal/transport"
)

func (a *Adapter) onText(c tele.Context) error {
	if up, ok := messageUpdate(c.Message()); ok {
		a.offer(up)
	}
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	if up, ok := callbackUpdate(c.Callback(), c.Message()); ok {
		a.offer(up)
	}
	return nil
}

func (a *Adapter) offer(up kit.Update) {
	a.mu.Lock()
	inbox := a.inbox
	a.mu.Unlock()
	if inbox == nil {
		return
	}
	select {
	case inbox <- up:
	default:
		a.dropped.Add(1)
	}
}

func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	}}, true
}

// callbackUpdate strips the \f marker telebot puts in front of unique
// button data.
func callbackUpdate(cb *tele.Callback, m *tele.Message) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        cb.ID,
		ChatID:    m.Chat.ID,
		FromID:    cb.Sender.ID,
		MessageID: m.ID,
		Data:      strings.TrimPrefix(cb.Data, "\f"),
	}}, true
}
