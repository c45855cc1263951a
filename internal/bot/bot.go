// Package bot is the Telegram front-end: commands, inline-button callbacks
// and the free-text conversations layered on top of the engine.
package bot

import (
	"context"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"smmbot/internal/account"
	"smmbot/internal/builder"
	"smmbot/internal/lifecycle"
	"smmbot/internal/panel"
	"smmbot/internal/repository"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// Reply-keyboard labels.
const (
	LabelConnect = "📱 Connect Account"
	LabelOrders  = "📊 My Orders"
	LabelJobs    = "🚀 My Jobs"
	LabelBulk    = "📦 Bulk Jobs"
	LabelAccount = "💼 Account"
	LabelNewJob  = "🆕 New Job"
	LabelHelp    = "❓ Help"
)

type Deps struct {
	Accounts  *account.Service
	Lifecycle *lifecycle.Service
	Builder   *builder.Builder
	Repo      *repository.Locked
	Panel     panel.Client
	// Checks resolves order:check tokens written by the dispatcher.
	Checks *tgui.TokenStore
	Sender kit.Sender
	Log    logx.Logger
}

type Bot struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	pmu     sync.Mutex
	pending map[int64]pendingInput
}

type inputKind int

const (
	inputTemplateLinks inputKind = iota + 1
	inputFrequency
	inputGrowth
)

// pendingInput is a one-shot question waiting for the next message of a
// chat.
type pendingInput struct {
	kind   inputKind
	target string
	until  time.Time
}

const pendingTTL = 10 * time.Minute

func New(d Deps) *Bot {
	if d.Checks == nil {
		d.Checks = tgui.NewTokenStore()
	}
	return &Bot{
		d:       d,
		log:     d.Log.With(logx.Component("bot")),
		now:     time.Now,
		pending: map[int64]pendingInput{},
	}
}

// Register installs the bot's commands, callbacks and text handler.
func (b *Bot) Register(ctx context.Context, r *Router) {
	r.SetRegistry(ctx, b.Commands(), b.Callbacks(), b.OnText)
}

// IsAdminChat reports whether chatID acts for the operator.
func (b *Bot) IsAdminChat(chatID int64) bool {
	return b.d.Accounts.IsAdmin(b.d.Accounts.Requester(chatID))
}

func (b *Bot) expect(chatID int64, kind inputKind, target string) {
	b.pmu.Lock()
	b.pending[chatID] = pendingInput{kind: kind, target: target, until: b.now().Add(pendingTTL)}
	b.pmu.Unlock()
}

func (b *Bot) takePending(chatID int64) (pendingInput, bool) {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	p, ok := b.pending[chatID]
	delete(b.pending, chatID)
	if !ok || b.now().After(p.until) {
		return pendingInput{}, false
	}
	return p, true
}

func (b *Bot) clearPending(chatID int64) bool {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	_, ok := b.pending[chatID]
	delete(b.pending, chatID)
	return ok
}

func (b *Bot) send(ctx context.Context, chat kit.ChatTarget, m tgui.Message) error {
	if _, err := m.Send(ctx, b.d.Sender, chat); err != nil {
		b.log.Warn("send failed", logx.ChatID(chat.ChatID), logx.Err(err))
		return err
	}
	return nil
}

func (b *Bot) sendHTML(ctx context.Context, chat kit.ChatTarget, html string) error {
	return b.send(ctx, chat, tgui.Message{Text: html, Opt: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}})
}

// mainMenu is the persistent reply keyboard.
func mainMenu() *tele.ReplyMarkup {
	return tgui.ReplyKeyboard(LabelConnect, LabelOrders, LabelJobs, LabelBulk, LabelAccount, LabelNewJob, LabelHelp)
}

// requester resolves the chat to an engine identity, telling unlinked chats
// how to connect.
func (b *Bot) requester(ctx context.Context, req *Request) (string, bool) {
	if id := b.d.Accounts.Requester(req.Chat.ChatID); id != "" {
		return id, true
	}
	_ = b.send(ctx, req.Chat, notConnected())
	return "", false
}

func notConnected() tgui.Message {
	return tgui.New().
		Title("🔗", "Account not connected").
		Line("Your Telegram account is not linked to an SMM account yet.").
		Line("Use /connect to get a verification code.").
		Markup(mainMenu()).
		Build()
}
