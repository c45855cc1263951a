package bot

import (
	"context"
	"encoding/hex"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smmbot/internal/runtime/supervisor"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

type Command struct {
	Name        string
	Description string
	// Labels are reply-keyboard texts that trigger the command.
	Labels    []string
	AdminOnly bool
	// Hidden commands stay out of the Telegram menu and /help.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is the raw message text.
	Text    string
	Payload string
	ReqID   string
	Logger  logx.Logger
}

// Router turns updates into handler calls on a bounded worker pool.
type Router struct {
	mu       sync.RWMutex
	commands map[string]Command
	labels   map[string]Command
	order    []Command
	fallback HandlerFunc

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	isAdmin func(chatID int64) bool
	timeout time.Duration

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, isAdmin func(chatID int64) bool) *Router {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Router{
		commands:  map[string]Command{},
		labels:    map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		isAdmin:   isAdmin,
		timeout:   30 * time.Second,
		log:       log.With(logx.Component("bot.router")),
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
}

// SetRegistry replaces commands, callbacks and the handler for plain text.
func (r *Router) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute, fallback HandlerFunc) {
	byName := map[string]Command{}
	byLabel := map[string]Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		order = append(order, c)
		for _, l := range c.Labels {
			if l = strings.TrimSpace(l); l != "" {
				byLabel[l] = c
			}
		}
	}
	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		if rt.Scope == "" || rt.Action == "" || rt.Handle == nil {
			continue
		}
		if cb[rt.Scope] == nil {
			cb[rt.Scope] = map[string]CallbackRoute{}
		}
		cb[rt.Scope][rt.Action] = rt
	}

	r.mu.Lock()
	r.commands, r.labels, r.order, r.fallback = byName, byLabel, order, fallback
	r.mu.Unlock()
	r.cbMu.Lock()
	r.callbacks = cb
	r.cbMu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(order)
		go func() {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.order...)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a worker pool; when its queue is full the sender is told
// to retry instead of the loop blocking.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	pool := supervisor.New(ctx, supervisor.WithLogger(r.log))
	for i := range workers {
		pool.GoRestart("bot.worker."+strconv.Itoa(i), func(c context.Context) error {
			r.work(c, i)
			return nil
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = pool.Stop(wctx)
		r.log.Info("dispatcher stopped")
	}()

	for {
		var up kit.Update
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			up = u
		}
		job := r.prepare(ctx, up)
		if job == nil {
			continue
		}
		select {
		case r.jobs <- job:
		default:
			r.busy(ctx, up)
		}
	}
}

func (r *Router) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.runJob(worker, job)
		}
	}
}

// runJob keeps a panicking job from taking its worker down.
func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("bot job panicked", logx.Int("worker", worker), logx.Panic(rec, debug.Stack()))
		}
	}()
	job()
}

// HandleUpdate processes one update on the calling goroutine.
func (r *Router) HandleUpdate(ctx context.Context, up kit.Update) {
	if job := r.prepare(ctx, up); job != nil {
		job()
	}
}

func (r *Router) busy(ctx context.Context, up kit.Update) {
	switch {
	case up.Callback != nil:
		_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, "busy, try again")
	case up.Message != nil:
		_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID}, "busy, try again", nil)
	}
}

func (r *Router) prepare(ctx context.Context, up kit.Update) func() {
	switch up.Kind {
	case kit.UpdateMessage:
		return r.prepareMessage(ctx, up)
	case kit.UpdateCallback:
		return r.prepareCallback(ctx, up)
	}
	return nil
}

func (r *Router) prepareMessage(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	r.mu.RLock()
	commands, labels, fallback := r.commands, r.labels, r.fallback
	r.mu.RUnlock()

	var (
		cmd   Command
		found bool
		args  []string
	)
	if name, rest, ok := parseCommand(text); ok {
		if cmd, found = commands[name]; !found {
			chat := kit.ChatTarget{ChatID: msg.ChatID}
			return func() {
				_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help.", nil)
			}
		}
		args = rest
	} else {
		cmd, found = labels[text]
	}

	req := &Request{
		Update: up,
		Chat:   kit.ChatTarget{ChatID: msg.ChatID},
		FromID: msg.FromID,
		Text:   msg.Text,
		Args:   args,
		ReqID:  newReqID(),
	}
	var h HandlerFunc
	timeout := r.timeout
	switch {
	case found:
		if cmd.AdminOnly && !r.isAdmin(msg.ChatID) {
			return func() { _, _ = r.adapter.SendText(ctx, req.Chat, "unauthorized", nil) }
		}
		req.Command = cmd.Name
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	case fallback != nil:
		req.Command = "text"
		h = fallback
	default:
		return nil
	}
	req.Logger = r.log.With(logx.String("rid", req.ReqID), logx.ChatID(msg.ChatID), logx.String("cmd", req.Command))

	final := r.standardChain(h, timeout)
	return func() { _ = final(ctx, req) }
}

func (r *Router) prepareCallback(ctx context.Context, up kit.Update) func() {
	cb := up.Callback
	if cb == nil {
		return nil
	}
	scope, action, payload := tgui.Parse(strings.TrimSpace(cb.Data))

	r.cbMu.RLock()
	route, ok := r.callbacks[scope][action]
	r.cbMu.RUnlock()
	if !ok {
		return func() { _ = r.adapter.AnswerCallback(ctx, cb.ID, "unknown action") }
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: "cb:" + scope + ":" + action,
		Payload: payload,
		ReqID:   newReqID(),
	}
	req.Logger = r.log.With(logx.String("rid", req.ReqID), logx.ChatID(cb.ChatID), logx.String("cmd", req.Command))

	timeout := r.timeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := r.standardChain(h, timeout)
	return func() {
		_ = final(ctx, req)
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

// parseCommand splits "/name@bot arg..." into a lower-cased name and args.
func parseCommand(text string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name, _, _ = strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	return strings.ToLower(name), fields[1:], true
}

// newReqID is a short id that ties together the log lines of one request.
func newReqID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}
