// Package builder runs the per-chat conversation that assembles a job
// request one answer at a time.
package builder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"smmbot/internal/domain"
	"smmbot/internal/lifecycle"
	"smmbot/internal/panel"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

type Step string

const (
	StepAPIURLs   Step = "api_urls"
	StepAPIKeys   Step = "api_keys"
	StepLinks     Step = "target_links"
	StepServices  Step = "service_ids"
	StepQuantity  Step = "quantity"
	StepGrowth    Step = "growth_rate"
	StepFrequency Step = "frequency"
)

// Session is the partial request of one chat.
type Session struct {
	ChatID    int64
	UserID    string
	Step      Step
	URLs      []string
	Keys      []string
	Links     []string
	Services  []string
	Quantity  string
	Growth    domain.Growth
	Frequency string
	Touched   time.Time
}

// Creator is the slice of the lifecycle service the builder submits to.
// CreateBatch creates all jobs or none.
type Creator interface {
	CreateBatch(ctx context.Context, specs []lifecycle.Spec) ([]*domain.Job, error)
	NewGroupID() string
}

// Reply is what the bot should send back. Text is HTML.
type Reply struct {
	Text string
	// Done is set when the session ended, successfully or not.
	Done bool
	Jobs []*domain.Job
}

type Config struct {
	MaxItems     int
	MinFrequency int
	// IdleTimeout discards sessions left untouched for longer.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = 10
	}
	if c.MinFrequency <= 0 {
		c.MinFrequency = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	return c
}

type Builder struct {
	cfg     Config
	panel   panel.Client
	creator Creator
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
}

type Option func(*Builder)

func WithLogger(l logx.Logger) Option { return func(b *Builder) { b.log = l } }
func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

func New(cfg Config, p panel.Client, c Creator, opts ...Option) *Builder {
	b := &Builder{
		cfg:      cfg.withDefaults(),
		panel:    p,
		creator:  c,
		log:      logx.Nop(),
		now:      time.Now,
		sessions: map[int64]*Session{},
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With(logx.Component("builder"))
	return b
}

// Start opens a fresh session for chatID, replacing any previous one.
func (b *Builder) Start(chatID int64, userID string) Reply {
	b.mu.Lock()
	b.sessions[chatID] = &Session{ChatID: chatID, UserID: userID, Step: StepAPIURLs, Touched: b.now()}
	b.mu.Unlock()
	return Reply{Text: tgui.New().
		Title("🚀", "Create New Automation Job").
		Line("Let's set up your automation job step by step.").
		Blank().
		HTML(tgui.B("Step 1: API URLs")).
		Line("Enter your SMM panel API URL(s), one per line for bulk jobs.").
		Blank().
		HTML(tgui.I("Example:")).
		HTML(tgui.Code("https://panel1.com/api/v2")).
		Build().Text}
}

// Active reports whether chatID has a live session.
func (b *Builder) Active(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookupLocked(chatID) != nil
}

// Cancel discards the session of chatID.
func (b *Builder) Cancel(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[chatID]
	delete(b.sessions, chatID)
	return ok
}

// Session returns a copy of the session of chatID.
func (b *Builder) Session(chatID int64) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.lookupLocked(chatID)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

func (b *Builder) lookupLocked(chatID int64) *Session {
	s := b.sessions[chatID]
	if s != nil && b.now().Sub(s.Touched) > b.cfg.IdleTimeout {
		delete(b.sessions, chatID)
		return nil
	}
	return s
}

// Handle feeds one message into the session of chatID. ok is false when the
// chat has no session.
func (b *Builder) Handle(ctx context.Context, chatID int64, text string) (reply Reply, ok bool) {
	b.mu.Lock()
	s := b.lookupLocked(chatID)
	if s == nil {
		b.mu.Unlock()
		return Reply{}, false
	}
	s.Touched = b.now()
	if s.Step != StepFrequency {
		reply = b.advanceLocked(s, text)
		b.mu.Unlock()
		return reply, true
	}
	// Terminal step: the session is consumed whatever happens next.
	s.Frequency = strings.TrimSpace(text)
	final := *s
	delete(b.sessions, chatID)
	b.mu.Unlock()

	return b.submit(ctx, final), true
}

func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func prompt(title, body string) Reply {
	return Reply{Text: tgui.New().HTML(tgui.B(title)).Line(body).Build().Text}
}

func retry(msg string) Reply {
	return Reply{Text: "❌ " + tgui.Esc(msg).String()}
}

func (b *Builder) advanceLocked(s *Session, text string) Reply {
	switch s.Step {
	case StepAPIURLs:
		v := lines(text)
		if len(v) == 0 {
			return retry("Please enter at least one API URL.")
		}
		s.URLs, s.Step = v, StepAPIKeys
		return prompt("Step 2: API Keys", fmt.Sprintf("You entered %d API URL(s). Enter the matching API key(s) in the same order, one per line.", len(v)))
	case StepAPIKeys:
		v := lines(text)
		if len(v) == 0 {
			return retry("Please enter at least one API key.")
		}
		s.Keys, s.Step = v, StepLinks
		return prompt("Step 3: Target Links", "Enter the link(s) to automate, one per line.")
	case StepLinks:
		v := lines(text)
		if len(v) == 0 {
			return retry("Please enter at least one link.")
		}
		s.Links, s.Step = v, StepServices
		return prompt("Step 4: Service IDs", "Enter the service ID(s), one per line.")
	case StepServices:
		v := lines(text)
		if len(v) == 0 {
			return retry("Please enter at least one service ID.")
		}
		s.Services, s.Step = v, StepQuantity
		return prompt("Step 5: Quantity", "Enter the starting quantity (number).")
	case StepQuantity:
		s.Quantity, s.Step = strings.TrimSpace(text), StepGrowth
		return prompt("Step 6: Growth Rate", "Enter the growth rate as a min-max percentage (e.g. 10-20).")
	case StepGrowth:
		g, err := ParseGrowth(text)
		if err != nil {
			return retry("Invalid format. Please enter as min-max, e.g. 10-20.")
		}
		s.Growth, s.Step = g, StepFrequency
		return prompt("Step 7: Frequency", "How many minutes between each order? (e.g. 60)")
	}
	return retry("Unexpected input. Use /cancel and start again with /newjob.")
}

// ParseGrowth reads "min-max" or a single number. Percent signs and spaces
// are ignored. Range checks are left to the caller.
func ParseGrowth(text string) (domain.Growth, error) {
	t := strings.NewReplacer("%", "", " ", "").Replace(strings.TrimSpace(text))
	parts := strings.Split(t, "-")
	if len(parts) > 2 || parts[0] == "" {
		return domain.Growth{}, strconv.ErrSyntax
	}
	lo, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return domain.Growth{}, err
	}
	hi := lo
	if len(parts) == 2 {
		if hi, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return domain.Growth{}, err
		}
	}
	return domain.Growth{Min: lo, Max: hi}, nil
}

func (b *Builder) fail(s Session, msg string) Reply {
	b.log.Info("job request rejected", logx.ChatID(s.ChatID), logx.String("reason", msg))
	return Reply{Done: true, Text: "❌ " + tgui.Esc(msg).String()}
}

func (b *Builder) submit(ctx context.Context, s Session) Reply {
	qty, qerr := strconv.Atoi(s.Quantity)
	freq, ferr := strconv.Atoi(s.Frequency)
	if qerr != nil || ferr != nil || qty <= 0 || !s.Growth.Valid() || freq < b.cfg.MinFrequency || freq > domain.MaxFrequency {
		return b.fail(s, "Invalid job parameters. Please restart with /newjob.")
	}

	pairs := len(s.URLs)
	if len(s.Keys) < pairs {
		pairs = len(s.Keys)
	}
	for i := 0; i < pairs; i++ {
		res := b.panel.Call(ctx, s.URLs[i], s.Keys[i], "balance", nil)
		if _, bad := res.Error(); bad || res == nil {
			return b.fail(s, fmt.Sprintf("API connection failed for %s. Please check your API key.", s.URLs[i]))
		}
	}

	n := max(len(s.URLs), len(s.Keys), len(s.Links), len(s.Services))
	if n > b.cfg.MaxItems {
		n = b.cfg.MaxItems
	}
	group := ""
	if n > 1 {
		group = b.creator.NewGroupID()
	}
	specs := make([]lifecycle.Spec, n)
	for i := range specs {
		specs[i] = lifecycle.Spec{
			UserID:      s.UserID,
			APIURL:      pick(s.URLs, i),
			APIKey:      pick(s.Keys, i),
			Links:       []string{pick(s.Links, i)},
			Services:    []lifecycle.ServiceSpec{{ServiceID: pick(s.Services, i)}},
			Quantity:    qty,
			Growth:      s.Growth,
			Frequency:   freq,
			BulkGroupID: group,
		}
	}
	jobs, err := b.creator.CreateBatch(ctx, specs)
	if err != nil {
		b.log.Warn("job creation failed", logx.ChatID(s.ChatID), logx.Int("jobs", n), logx.Err(err))
		return b.fail(s, "Failed to create jobs. Please check your input and try again.")
	}

	return Reply{
		Done: true,
		Jobs: jobs,
		Text: tgui.New().
			Title("✅", fmt.Sprintf("%d job(s) created successfully!", len(jobs))).
			Line("Use /jobs to manage them.").
			Build().Text,
	}
}

func pick(v []string, i int) string {
	if i < len(v) {
		return v[i]
	}
	return v[0]
}
