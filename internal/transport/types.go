// Package transport is the chat surface the bot and notifier depend on.
// telegram/adapter is the only implementation.
package transport

import "context"

// Adapter is a running chat connection.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// CommandMenuUpdater publishes the command list to the client's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is an inbound event. Exactly one of Message and Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Callback is an inline button press on message MessageID.
type Callback struct {
	ID        string
	ChatID    int64
	FromID    int64
	MessageID int
	Data      string
}

type ChatTarget struct{ ChatID int64 }

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Markup is platform specific; the Telegram adapter expects
	// *telebot.ReplyMarkup.
	Markup any
}

// Notification is one queued outgoing message.
type Notification struct {
	Target  ChatTarget
	Text    string
	Options *SendOptions
	// Key overrides the dedup key derived from target and text.
	Key string
}

type BotCommand struct {
	Command     string
	Description string
}
