package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/pkg/tgui"
)

const (
	recentOrders  = 5
	jobsWithBtns  = 3
	jobsListLimit = 10
)

// Commands lists every command in menu order.
func (b *Bot) Commands() []Command {
	return []Command{
		{Name: "start", Description: "Welcome message and main menu", Handle: b.cmdStart},
		{Name: "help", Description: "Show available commands", Labels: []string{LabelHelp}, Handle: b.cmdHelp},
		{Name: "connect", Description: "Link your SMM account", Labels: []string{LabelConnect}, Handle: b.cmdConnect},
		{Name: "orders", Description: "Your recent orders", Labels: []string{LabelOrders}, Handle: b.cmdOrders},
		{Name: "jobs", Description: "Your automation jobs", Labels: []string{LabelJobs}, Handle: b.cmdJobs},
		{Name: "account", Description: "Account overview", Labels: []string{LabelAccount}, Handle: b.cmdAccount},
		{Name: "bulk", Description: "Create jobs in bulk", Labels: []string{LabelBulk}, Handle: b.cmdBulk},
		{Name: "newjob", Description: "Create a new automation job", Labels: []string{LabelNewJob}, Handle: b.cmdNewJob},
		{Name: "cancel", Description: "Cancel the current dialog", Handle: b.cmdCancel},
		{Name: "support", Description: "Contact support", Handle: b.cmdSupport},
		{Name: "link", Description: "Link a chat to a user: /link <user> <chat_id> <code>", AdminOnly: true, Handle: b.cmdLink},
		{Name: "stats", Description: "Engine statistics", AdminOnly: true, Handle: b.cmdStats},
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	m := tgui.New().
		Title("🤖", "SMM Automation Bot").
		Line("Automate your SMM panel orders with growing quantities on a schedule.").
		Blank()
	if u, ok := b.d.Accounts.FindByTelegram(req.Chat.ChatID); ok {
		m.KV("Connected as", u.ID)
	} else {
		m.Line("Connect your account with /connect to get started.")
	}
	return b.send(ctx, req.Chat, m.Markup(mainMenu()).Build())
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	text := helpText(b.Commands(), b.IsAdminChat(req.Chat.ChatID))
	return b.send(ctx, req.Chat, tgui.New().HTML(tgui.H(text)).Markup(mainMenu()).Build())
}

func (b *Bot) cmdConnect(ctx context.Context, req *Request) error {
	if u, ok := b.d.Accounts.FindByTelegram(req.Chat.ChatID); ok {
		return b.send(ctx, req.Chat, tgui.New().
			Title("✅", "Already connected").
			KV("User", u.ID).
			Build())
	}
	code := b.d.Accounts.IssueCode(req.Chat.ChatID)
	return b.send(ctx, req.Chat, tgui.New().
		Title("📱", "Connect Account").
		HTML(tgui.H("Your verification code: "+tgui.Code(code).String())).
		HTML(tgui.H("Your chat id: "+tgui.Code(strconv.FormatInt(req.Chat.ChatID, 10)).String())).
		Blank().
		Line("Send both to support to link your account. The code is valid for one hour.").
		Build())
}

func (b *Bot) cmdOrders(ctx context.Context, req *Request) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	orders := b.d.Accounts.RecentOrders(userID, recentOrders)
	m := tgui.New().Title("📊", "Recent Orders")
	if len(orders) == 0 {
		m.Line("No orders yet.")
		return b.send(ctx, req.Chat, m.Build())
	}
	for i, o := range orders {
		status := "❌ failed"
		if id, ok := o.Result.OrderID(); ok {
			status = "✅ #" + id
		} else if msg, ok := o.Result.Error(); ok {
			status = "❌ " + msg
		}
		m.HTML(tgui.B(fmt.Sprintf("%d. %s", i+1, status))).
			KV("Service", o.ServiceID).
			KV("Link", tgui.TruncRunes(o.Link, 48)).
			KV("Quantity", strconv.Itoa(o.Quantity)).
			KV("Time", o.Timestamp.Format(time.DateTime)).
			Blank()
	}
	return b.send(ctx, req.Chat, m.Build())
}

func (b *Bot) cmdJobs(ctx context.Context, req *Request) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	if b.d.Accounts.IsAdmin(userID) {
		userID = ""
	}
	jobs := b.d.Accounts.ListJobs(userID, false)
	m := tgui.New().Title("🚀", "Active Jobs")
	kb := tgui.NewInline()
	if len(jobs) == 0 {
		m.Line("You have no active jobs.")
		kb.Row(tgui.Btn("🆕 New Job", tgui.Data("menu", "newjob", "")))
		return b.send(ctx, req.Chat, m.Inline(kb).Build())
	}
	for i, j := range jobs {
		if i == jobsListLimit {
			m.Line(fmt.Sprintf("…and %d more", len(jobs)-jobsListLimit))
			break
		}
		m.HTML(tgui.B(fmt.Sprintf("%d. %s %s", i+1, jobState(j), shortID(j.ID)))).
			KV("Service", j.ServiceID).
			KV("Link", tgui.TruncRunes(j.Link, 48)).
			KV("Next quantity", strconv.Itoa(j.Quantity)).
			KV("Every", fmt.Sprintf("%d min", j.Frequency)).
			Blank()
		if i < jobsWithBtns {
			kb.Row(jobButtons(j)...)
		}
	}
	return b.send(ctx, req.Chat, m.Inline(kb).Build())
}

func (b *Bot) cmdAccount(ctx context.Context, req *Request) error {
	u, ok := b.d.Accounts.FindByTelegram(req.Chat.ChatID)
	if !ok {
		return b.send(ctx, req.Chat, notConnected())
	}
	active := len(b.d.Accounts.ListJobs(u.ID, false))
	return b.send(ctx, req.Chat, tgui.New().
		Title("💼", "Account").
		KV("User", u.ID).
		KV("Orders", strconv.Itoa(len(u.Orders))).
		KV("API profiles", strconv.Itoa(len(u.APIProfiles))).
		KV("Templates", strconv.Itoa(len(u.Templates))).
		KV("Active jobs", strconv.Itoa(active)).
		KV("Member since", u.CreatedAt.Format(time.DateOnly)).
		Build())
}

func (b *Bot) cmdBulk(ctx context.Context, req *Request) error {
	if _, ok := b.requester(ctx, req); !ok {
		return nil
	}
	kb := tgui.NewInline().
		Row(tgui.Btn("📝 From Template", tgui.Data("tpl", "list", ""))).
		Row(tgui.Btn("🆕 Custom Bulk Job", tgui.Data("menu", "newjob", "")))
	return b.send(ctx, req.Chat, tgui.New().
		Title("📦", "Bulk Jobs").
		Line("Create many jobs at once from a saved template, or enter several URLs, keys and links in the job builder.").
		Inline(kb).
		Build())
}

func (b *Bot) cmdNewJob(ctx context.Context, req *Request) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	b.clearPending(req.Chat.ChatID)
	reply := b.d.Builder.Start(req.Chat.ChatID, userID)
	return b.sendHTML(ctx, req.Chat, reply.Text)
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	cancelled := b.d.Builder.Cancel(req.Chat.ChatID)
	if b.clearPending(req.Chat.ChatID) {
		cancelled = true
	}
	text := "Nothing to cancel."
	if cancelled {
		text = "❌ Cancelled."
	}
	return b.send(ctx, req.Chat, tgui.New().Line(text).Markup(mainMenu()).Build())
}

func (b *Bot) cmdSupport(ctx context.Context, req *Request) error {
	return b.send(ctx, req.Chat, tgui.New().
		Title("🆘", "Support").
		Line("Reply here describing your problem and include your job id if you have one.").
		Line("Use /connect if you need to link a new chat.").
		Build())
}

func (b *Bot) cmdLink(ctx context.Context, req *Request) error {
	if len(req.Args) != 3 {
		return b.send(ctx, req.Chat, tgui.New().
			Line("Usage: /link <user> <chat_id> <code>").
			Build())
	}
	chatID, err := strconv.ParseInt(req.Args[1], 10, 64)
	if err != nil {
		return b.send(ctx, req.Chat, tgui.New().Line("chat_id must be a number").Build())
	}
	if err := b.d.Accounts.Link(ctx, req.Args[0], chatID, req.Args[2]); err != nil {
		req.Logger.Warn("link rejected")
		return b.send(ctx, req.Chat, tgui.New().Line("❌ "+userMessage(err)).Build())
	}
	_ = b.send(ctx, req.Chat, tgui.New().
		Title("✅", "Account linked").
		KV("User", req.Args[0]).
		KV("Chat", req.Args[1]).
		Build())
	_ = b.send(ctx, chatTarget(chatID), tgui.New().
		Title("✅", "Account connected").
		KV("User", req.Args[0]).
		Markup(mainMenu()).
		Build())
	return nil
}

func (b *Bot) cmdStats(ctx context.Context, req *Request) error {
	c := b.d.Repo.Counters()
	var active, paused, stopped int
	for _, j := range b.d.Repo.List() {
		switch {
		case j.Stopped:
			stopped++
		case j.Paused:
			paused++
		default:
			active++
		}
	}
	return b.send(ctx, req.Chat, tgui.New().
		Title("📈", "Engine Statistics").
		KV("Total orders", strconv.FormatInt(c.TotalOrders, 10)).
		KV("Successful", strconv.FormatInt(c.SuccessfulOrders, 10)).
		KV("Failed", strconv.FormatInt(c.FailedOrders, 10)).
		KV("Last 24h", strconv.FormatInt(c.Last24hOrders, 10)).
		KV("Spent", fmt.Sprintf("%.2f", c.TotalSpent)).
		KV("Users", strconv.FormatInt(c.TotalUsers, 10)).
		KV("Active users", strconv.FormatInt(c.ActiveUsers, 10)).
		Blank().
		KV("Active jobs", strconv.Itoa(active)).
		KV("Paused jobs", strconv.Itoa(paused)).
		KV("Stopped jobs", strconv.Itoa(stopped)).
		Build())
}

func jobState(j *domain.Job) string {
	switch {
	case j.Stopped:
		return "⏹"
	case j.Paused:
		return "⏸"
	}
	return "▶️"
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "job_")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func jobButtons(j *domain.Job) []tgui.Button {
	btns := []tgui.Button{tgui.Btn("🛑 Stop", tgui.Data("job", "stop", j.ID))}
	if j.Paused {
		btns = append(btns, tgui.Btn("▶️ Resume", tgui.Data("job", "resume", j.ID)))
	} else {
		btns = append(btns, tgui.Btn("⏸ Pause", tgui.Data("job", "pause", j.ID)))
	}
	return append(btns, tgui.Btn("⚙️ View", tgui.Data("job", "view", j.ID)))
}

// userMessage maps engine errors to chat replies.
func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "Job not found or already stopped."
	case errors.Is(err, domain.ErrUserNotFound):
		return "User not found."
	case errors.Is(err, domain.ErrTemplateNotFound):
		return "Template not found."
	case errors.Is(err, domain.ErrProfileNotFound):
		return "API profile not found."
	case errors.Is(err, domain.ErrInvalidCode):
		return "Invalid or expired verification code."
	case errors.Is(err, domain.ErrInvalidSpec):
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			return strings.Join(hints, "; ")
		}
		return "Invalid input."
	}
	return "Something went wrong, please try again."
}
