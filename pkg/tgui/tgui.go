package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
// It stores rows as tele.Row ([]tele.Btn) and applies them via ReplyMarkup.Inline().
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns underlying reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data (we do NOT encode it).
// Use Data to build "scope:action:payload" safely.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Keyboard builds a persistent reply keyboard. Pressing a button sends its
// label as a plain text message.
type Keyboard struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewKeyboard() *Keyboard {
	return &Keyboard{rm: &tele.ReplyMarkup{ResizeKeyboard: true}}
}

// Row appends a row of text buttons. Empty labels are skipped.
func (k *Keyboard) Row(labels ...string) *Keyboard {
	btns := make([]tele.Btn, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		btns = append(btns, k.rm.Text(l))
	}
	if len(btns) == 0 {
		return k
	}
	k.rows = append(k.rows, k.rm.Row(btns...))
	k.rm.Reply(k.rows...)
	return k
}

// Grid lays labels out in rows of n.
func (k *Keyboard) Grid(n int, labels ...string) *Keyboard {
	if n <= 0 {
		n = 1
	}
	for len(labels) > 0 {
		end := min(n, len(labels))
		k.Row(labels[:end]...)
		labels = labels[end:]
	}
	return k
}

// OneTime hides the keyboard after a button is pressed.
func (k *Keyboard) OneTime() *Keyboard {
	k.rm.OneTimeKeyboard = true
	return k
}

// Placeholder sets the input field hint shown while the keyboard is active.
func (k *Keyboard) Placeholder(s string) *Keyboard {
	k.rm.Placeholder = TruncRunes(s, 64)
	return k
}

func (k *Keyboard) Markup() *tele.ReplyMarkup { return k.rm }

// Len is the number of rows.
func (k *Keyboard) Len() int { return len(k.rows) }

// Remove returns a markup that hides any reply keyboard.
func Remove() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}
