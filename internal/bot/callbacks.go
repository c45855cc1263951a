package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smmbot/internal/builder"
	"smmbot/internal/dispatch"
	"smmbot/internal/domain"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

const maxTemplateButtons = 5

// Callbacks lists the inline-button routes.
func (b *Bot) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: "job", Action: "stop", Handle: b.cbJobStop},
		{Scope: "job", Action: "pause", Handle: b.cbJobPause},
		{Scope: "job", Action: "resume", Handle: b.cbJobResume},
		{Scope: "job", Action: "view", Handle: b.cbJobView},
		{Scope: "job", Action: "freq", Handle: b.cbJobFreq},
		{Scope: "job", Action: "growth", Handle: b.cbJobGrowth},
		{Scope: "group", Action: "pause", Handle: b.cbGroupPause},
		{Scope: "group", Action: "resume", Handle: b.cbGroupResume},
		{Scope: "group", Action: "stop", Handle: b.cbGroupStop},
		{Scope: "tpl", Action: "list", Handle: b.cbTemplateList},
		{Scope: "tpl", Action: "pick", Handle: b.cbTemplatePick},
		{Scope: "order", Action: "check", Timeout: 90 * time.Second, Handle: b.cbOrderCheck},
		{Scope: "order", Action: "retry", Handle: b.cbOrderRetry},
		{Scope: "menu", Action: "newjob", Handle: b.cbNewJob},
	}
}

func chatTarget(id int64) kit.ChatTarget { return kit.ChatTarget{ChatID: id} }

func (b *Bot) cbJobStop(ctx context.Context, req *Request, id string) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	// The lifecycle service notifies the owner.
	if _, err := b.d.Lifecycle.Stop(ctx, id, userID); err != nil {
		return b.fail(ctx, req, err)
	}
	return nil
}

func (b *Bot) cbJobPause(ctx context.Context, req *Request, id string) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	if _, err := b.d.Lifecycle.Pause(ctx, id, userID); err != nil {
		return b.fail(ctx, req, err)
	}
	return nil
}

func (b *Bot) cbJobResume(ctx context.Context, req *Request, id string) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	if _, err := b.d.Lifecycle.Resume(ctx, id, userID); err != nil {
		return b.fail(ctx, req, err)
	}
	return nil
}

func (b *Bot) cbJobView(ctx context.Context, req *Request, id string) error {
	j, ok := b.ownedJob(ctx, req, id)
	if !ok {
		return nil
	}
	m := tgui.New().
		Title("⚙️", "Job "+shortID(j.ID)).
		KV("Status", jobStatus(j)).
		KV("Service", j.ServiceID).
		KV("Link", j.Link).
		KV("Next quantity", strconv.Itoa(j.Quantity)).
		KV("Growth", fmt.Sprintf("%g%% - %g%%", j.Growth.Min, j.Growth.Max)).
		KV("Every", fmt.Sprintf("%d min", j.Frequency)).
		KV("Next run", j.NextRun.Format(time.DateTime)).
		KV("Orders", strconv.Itoa(len(j.History))).
		KV("Errors", strconv.Itoa(j.ErrorCount))
	if j.BulkGroupID != "" {
		m.KV("Group", j.BulkGroupID)
	}
	kb := tgui.NewInline()
	if !j.Stopped {
		kb.Row(jobButtons(j)[:2]...).
			Row(
				tgui.Btn("⏱ Frequency", tgui.Data("job", "freq", j.ID)),
				tgui.Btn("📈 Growth", tgui.Data("job", "growth", j.ID)),
			)
		if j.BulkGroupID != "" {
			kb.Row(
				tgui.Btn("⏸ Pause group", tgui.Data("group", "pause", j.BulkGroupID)),
				tgui.Btn("▶️ Resume group", tgui.Data("group", "resume", j.BulkGroupID)),
				tgui.Btn("🛑 Stop group", tgui.Data("group", "stop", j.BulkGroupID)),
			)
		}
	}
	return b.send(ctx, req.Chat, m.Inline(kb).Build())
}

func (b *Bot) cbJobFreq(ctx context.Context, req *Request, id string) error {
	if _, ok := b.ownedJob(ctx, req, id); !ok {
		return nil
	}
	b.d.Builder.Cancel(req.Chat.ChatID)
	b.expect(req.Chat.ChatID, inputFrequency, id)
	return b.send(ctx, req.Chat, tgui.New().
		Title("⏱", "Change frequency").
		Line("Send the new interval in minutes (minimum 5). /cancel to abort.").
		Build())
}

func (b *Bot) cbJobGrowth(ctx context.Context, req *Request, id string) error {
	if _, ok := b.ownedJob(ctx, req, id); !ok {
		return nil
	}
	b.d.Builder.Cancel(req.Chat.ChatID)
	b.expect(req.Chat.ChatID, inputGrowth, id)
	return b.send(ctx, req.Chat, tgui.New().
		Title("📈", "Change growth").
		Line("Send the growth range as min-max percent, e.g. 5-10. /cancel to abort.").
		Build())
}

func (b *Bot) cbGroupPause(ctx context.Context, req *Request, groupID string) error {
	return b.groupOp(ctx, req, groupID, b.d.Lifecycle.PauseGroup)
}

func (b *Bot) cbGroupResume(ctx context.Context, req *Request, groupID string) error {
	return b.groupOp(ctx, req, groupID, b.d.Lifecycle.ResumeGroup)
}

func (b *Bot) cbGroupStop(ctx context.Context, req *Request, groupID string) error {
	return b.groupOp(ctx, req, groupID, b.d.Lifecycle.StopGroup)
}

func (b *Bot) groupOp(ctx context.Context, req *Request, groupID string, op func(context.Context, string, string) (int, error)) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	n, err := op(ctx, groupID, userID)
	if err != nil {
		return b.fail(ctx, req, err)
	}
	if n == 0 {
		return b.send(ctx, req.Chat, tgui.New().Line("No jobs in this group needed changing.").Build())
	}
	return nil
}

func (b *Bot) cbTemplateList(ctx context.Context, req *Request, _ string) error {
	u, ok := b.d.Accounts.FindByTelegram(req.Chat.ChatID)
	if !ok {
		return b.send(ctx, req.Chat, notConnected())
	}
	if len(u.Templates) == 0 {
		return b.send(ctx, req.Chat, tgui.New().
			Title("📝", "Templates").
			Line("You have no templates yet. Ask support to create one for you.").
			Build())
	}
	m := tgui.New().Title("📝", "Choose a template")
	kb := tgui.NewInline()
	for i, t := range u.Templates {
		if i == maxTemplateButtons {
			break
		}
		m.HTML(tgui.B(t.Name)).
			KV("Service", t.ServiceID).
			KV("Quantity", strconv.Itoa(t.Quantity)).
			KV("Used", strconv.Itoa(t.UsageCount)).
			Blank()
		kb.Row(tgui.Btn(t.Name, tgui.Data("tpl", "pick", t.ID)))
	}
	return b.send(ctx, req.Chat, m.Inline(kb).Build())
}

func (b *Bot) cbTemplatePick(ctx context.Context, req *Request, templateID string) error {
	u, ok := b.d.Accounts.FindByTelegram(req.Chat.ChatID)
	if !ok {
		return b.send(ctx, req.Chat, notConnected())
	}
	t, err := b.d.Accounts.Template(u.ID, templateID)
	if err != nil {
		return b.fail(ctx, req, err)
	}
	b.d.Builder.Cancel(req.Chat.ChatID)
	b.expect(req.Chat.ChatID, inputTemplateLinks, t.ID)
	return b.send(ctx, req.Chat, tgui.New().
		Title("📝", t.Name).
		Line("Send the target links, one per line (maximum 10). /cancel to abort.").
		Build())
}

func (b *Bot) cbOrderCheck(ctx context.Context, req *Request, token string) error {
	var ref dispatch.CheckRef
	if err := b.d.Checks.GetJSON(token, &ref); err != nil {
		return b.send(ctx, req.Chat, tgui.New().Line("This order can no longer be checked.").Build())
	}
	j, ok := b.ownedJob(ctx, req, ref.JobID)
	if !ok {
		return nil
	}
	res := b.d.Panel.Call(ctx, j.APIURL, j.APIKey, "status", map[string]string{"order": ref.OrderID})
	m := tgui.New().Title("🔎", "Order #"+ref.OrderID)
	if msg, failed := res.Error(); failed {
		m.KV("Error", msg)
	} else {
		for _, f := range []struct{ key, label string }{
			{"status", "Status"},
			{"charge", "Charge"},
			{"start_count", "Start count"},
			{"remains", "Remains"},
			{"currency", "Currency"},
		} {
			if v, ok := res.Field(f.key); ok {
				m.KV(f.label, v)
			}
		}
	}
	kb := tgui.NewInline().Row(
		tgui.Btn("🔄 Refresh", tgui.Data("order", "check", token)),
		tgui.Btn("⚙️ Job", tgui.Data("job", "view", j.ID)),
	)
	return b.send(ctx, req.Chat, m.Inline(kb).Build())
}

func (b *Bot) cbOrderRetry(ctx context.Context, req *Request, id string) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	if _, err := b.d.Lifecycle.Resume(ctx, id, userID); err != nil {
		return b.fail(ctx, req, err)
	}
	return nil
}

func (b *Bot) cbNewJob(ctx context.Context, req *Request, _ string) error {
	return b.cmdNewJob(ctx, req)
}

// ownedJob loads a job the chat may act on. Stopped jobs are still visible.
func (b *Bot) ownedJob(ctx context.Context, req *Request, id string) (*domain.Job, bool) {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil, false
	}
	j, found := b.d.Repo.Get(id)
	if !found || (j.UserID != userID && !b.d.Accounts.IsAdmin(userID)) {
		_ = b.send(ctx, req.Chat, tgui.New().Line("Job not found.").Build())
		return nil, false
	}
	return j, true
}

func (b *Bot) fail(ctx context.Context, req *Request, err error) error {
	req.Logger.Info("request rejected", logx.Err(err))
	return b.send(ctx, req.Chat, tgui.New().Line("❌ "+userMessage(err)).Build())
}

func jobStatus(j *domain.Job) string {
	switch {
	case j.Stopped:
		if j.StoppedReason != "" {
			return "stopped (" + j.StoppedReason + ")"
		}
		return "stopped"
	case j.Paused:
		return "paused"
	}
	return "running"
}

// OnText handles plain messages: the job builder first, then a pending
// one-shot question, then the default menu reply.
func (b *Bot) OnText(ctx context.Context, req *Request) error {
	chat := req.Chat.ChatID
	if reply, ok := b.d.Builder.Handle(ctx, chat, req.Text); ok {
		m := tgui.Message{Text: reply.Text, Opt: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}}
		if reply.Done {
			m.Opt.Markup = mainMenu()
		}
		return b.send(ctx, req.Chat, m)
	}
	if p, ok := b.takePending(chat); ok {
		return b.answer(ctx, req, p)
	}
	if _, linked := b.d.Accounts.FindByTelegram(chat); !linked && !b.IsAdminChat(chat) {
		return b.send(ctx, req.Chat, notConnected())
	}
	return b.send(ctx, req.Chat, tgui.New().
		Line("Choose an option from the menu below, or send /help.").
		Markup(mainMenu()).
		Build())
}

func (b *Bot) answer(ctx context.Context, req *Request, p pendingInput) error {
	userID, ok := b.requester(ctx, req)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(req.Text)
	switch p.kind {
	case inputFrequency:
		minutes, err := strconv.Atoi(text)
		if err != nil || minutes < 1 {
			b.expect(req.Chat.ChatID, p.kind, p.target)
			return b.send(ctx, req.Chat, tgui.New().Line("Please send a whole number of minutes.").Build())
		}
		// The lifecycle service confirms the change to the owner.
		if _, err := b.d.Lifecycle.SetFrequency(ctx, p.target, userID, minutes); err != nil {
			return b.fail(ctx, req, err)
		}
		return nil

	case inputGrowth:
		g, err := builder.ParseGrowth(text)
		if err != nil {
			b.expect(req.Chat.ChatID, p.kind, p.target)
			return b.send(ctx, req.Chat, tgui.New().Line("Please send the range as min-max, e.g. 5-10.").Build())
		}
		if _, err := b.d.Lifecycle.SetGrowth(ctx, p.target, userID, g); err != nil {
			return b.fail(ctx, req, err)
		}
		return nil

	case inputTemplateLinks:
		links := splitLines(text)
		if len(links) == 0 {
			b.expect(req.Chat.ChatID, p.kind, p.target)
			return b.send(ctx, req.Chat, tgui.New().Line("Please send at least one link.").Build())
		}
		jobs, err := b.d.Lifecycle.CreateFromTemplate(ctx, userID, p.target, links)
		if err != nil {
			return b.fail(ctx, req, err)
		}
		// Creation is announced by the lifecycle service; this is the receipt.
		return b.send(ctx, req.Chat, tgui.New().
			Title("🎉", "Template applied").
			KV("Jobs created", strconv.Itoa(len(jobs))).
			Markup(mainMenu()).
			Build())
	}
	return nil
}

func splitLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
