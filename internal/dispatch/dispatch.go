// Package dispatch places one order for a job and classifies the panel reply.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"smmbot/internal/domain"
	"smmbot/internal/metrics"
	"smmbot/internal/notifier"
	"smmbot/internal/panel"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// Notifier is the slice of notifier.Service the dispatcher uses.
type Notifier interface {
	Send(userID, text string, controls []notifier.Control) bool
	Admin(text string) bool
}

// Outcome is the classified result of one order call.
type Outcome struct {
	Result    domain.Result
	Timestamp time.Time
	Quantity  int
	OrderID   string
	Success   bool
}

// Error returns the panel error message of a failed outcome.
func (o Outcome) Error() string {
	if msg, ok := o.Result.Error(); ok {
		return msg
	}
	if o.Success {
		return ""
	}
	return "unexpected panel response"
}

// CheckRef is stored in the token store behind an order:check button.
type CheckRef struct {
	JobID   string `json:"job_id"`
	OrderID string `json:"order_id"`
}

type Dispatcher struct {
	panel  panel.Client
	repo   repository.Repository
	notify Notifier
	sink   metrics.Sink
	tokens *tgui.TokenStore
	now    func() time.Time
	log    logx.Logger
}

type Option func(*Dispatcher)

func WithSink(s metrics.Sink) Option { return func(d *Dispatcher) { d.sink = s } }
func WithTokens(t *tgui.TokenStore) Option { return func(d *Dispatcher) { d.tokens = t } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func New(p panel.Client, repo repository.Repository, n Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		panel:  p,
		repo:   repo,
		notify: n,
		sink:   metrics.Noop{},
		now:    time.Now,
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.Component("dispatch"))
	return d
}

// Place calls the panel with the job's credentials and current quantity.
// Counter updates run under the repository lock; apply, when set, runs in
// the same critical section so callers can record history alongside them.
// Notifications go out after the lock is released.
func (d *Dispatcher) Place(ctx context.Context, job *domain.Job, apply func(st *repository.State, o Outcome)) Outcome {
	res := d.panel.Call(ctx, job.APIURL, job.APIKey, "add", map[string]string{
		"service":  job.ServiceID,
		"link":     job.Link,
		"quantity": strconv.Itoa(job.Quantity),
	})
	if res == nil {
		res = domain.Result{}
	}
	o := Outcome{Result: res, Timestamp: d.now(), Quantity: job.Quantity}
	o.OrderID, o.Success = res.OrderID()

	_ = d.repo.MutateUnderLock(func(st *repository.State) error {
		c := st.Counters
		c.TotalOrders++
		c.Last24hOrders++
		if o.Success {
			c.SuccessfulOrders++
			c.TotalSpent += float64(job.Quantity) * domain.CostPerUnit
		} else {
			c.FailedOrders++
		}
		if apply != nil {
			apply(st, o)
		}
		return nil
	})
	d.sink.OrderPlaced(o.Success, job.Quantity)

	if o.Success {
		d.log.Info("order placed", logx.JobID(job.ID), logx.String("order_id", o.OrderID), logx.Int("quantity", job.Quantity))
	} else {
		d.log.Warn("order failed", logx.JobID(job.ID), logx.String("reason", o.Error()))
	}
	d.notifyOutcome(job, o)
	return o
}

func (d *Dispatcher) notifyOutcome(job *domain.Job, o Outcome) {
	if d.notify == nil {
		return
	}
	if o.Success {
		msg := tgui.New().
			Title("✅", "Order placed").
			KV("Service", job.ServiceID).
			KV("Link", job.Link).
			KV("Quantity", strconv.Itoa(o.Quantity)).
			KV("Order ID", o.OrderID).
			Build()
		var controls []notifier.Control
		if d.tokens != nil {
			if tok, err := d.tokens.PutJSON(CheckRef{JobID: job.ID, OrderID: o.OrderID}); err == nil {
				controls = append(controls, notifier.Control{Label: "🔍 Check status", Data: tgui.Data("order", "check", tok)})
			}
		}
		controls = append(controls, notifier.Control{Label: "📋 View job", Data: tgui.Data("job", "view", job.ID)})
		d.notify.Send(job.UserID, msg.Text, controls)
		d.notify.Admin(fmt.Sprintf("📦 %s ordered %d on service %s (order %s)",
			tgui.Code(job.UserID), o.Quantity, tgui.Code(job.ServiceID), tgui.Code(o.OrderID)))
		return
	}

	msg := tgui.New().
		Title("❌", "Order failed").
		KV("Service", job.ServiceID).
		KV("Link", job.Link).
		KV("Quantity", strconv.Itoa(o.Quantity)).
		KV("Error", o.Error()).
		Build()
	d.notify.Send(job.UserID, msg.Text, []notifier.Control{
		{Label: "🔄 Retry now", Data: tgui.Data("order", "retry", job.ID)},
	})
	d.notify.Admin(fmt.Sprintf("⚠️ Order failed for %s on service %s: %s",
		tgui.Code(job.UserID), tgui.Code(job.ServiceID), tgui.Esc(o.Error())))
}
