package tgui

import tele "gopkg.in/telebot.v4"

// Inline builds inline keyboards row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Len() int { return len(i.rows) }

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Button is a keyboard button.
type Button = tele.Btn

// Btn creates a callback button. data is sent as-is.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// ReplyKeyboard builds a persistent reply keyboard, two buttons per row.
func ReplyKeyboard(labels ...string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{ResizeKeyboard: true}
	btns := make([]tele.Btn, 0, len(labels))
	for _, l := range labels {
		btns = append(btns, rm.Text(l))
	}
	rm.Reply(rm.Split(2, btns)...)
	return rm
}
