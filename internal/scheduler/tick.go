package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/dispatch"
	"smmbot/internal/domain"
	"smmbot/internal/eventbus"
	"smmbot/internal/metrics"
	"smmbot/internal/notifier"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// Tick runs one scheduling pass at now.
func (s *Service) Tick(ctx context.Context, now time.Time) TickReport {
	start := time.Now()
	cfg := s.config()

	var due []*domain.Job
	_ = s.repo.MutateUnderLock(func(st *repository.State) error {
		s.fmu.Lock()
		defer s.fmu.Unlock()
		for _, j := range st.Jobs {
			if !j.Due(now) {
				continue
			}
			if _, busy := s.inflight[j.ID]; busy {
				continue
			}
			s.inflight[j.ID] = struct{}{}
			due = append(due, j.Clone())
		}
		return nil
	})

	rep := TickReport{Due: len(due)}
	for _, j := range due {
		if ctx.Err() != nil {
			s.release(j.ID)
			continue
		}
		res := s.fire(ctx, cfg, j, now)
		s.release(j.ID)
		if res.fired {
			rep.Fired++
		}
		if res.err != nil || (res.fired && !res.outcome.Success) {
			rep.Failed++
		}
		if res.stopped {
			rep.Stopped = append(rep.Stopped, j.ID)
		}
	}

	_ = s.repo.Save(ctx)
	s.reportStates()
	s.sink.TickCompleted(time.Since(start), rep.Fired)
	if rep.Due > 0 {
		s.log.Info("tick done", logx.Int("due", rep.Due), logx.Int("fired", rep.Fired), logx.Int("failed", rep.Failed), logx.Int("stopped", len(rep.Stopped)))
	}
	return rep
}

func (s *Service) release(id string) {
	s.fmu.Lock()
	delete(s.inflight, id)
	s.fmu.Unlock()
}

type fireResult struct {
	fired   bool
	outcome dispatch.Outcome
	err     error
	stopped bool
	// after is the job as left by the apply step; nil when it was skipped.
	after *domain.Job
}

func (s *Service) fire(ctx context.Context, cfg Config, job *domain.Job, now time.Time) (res fireResult) {
	defer func() {
		if r := recover(); r != nil {
			res.err = errors.Newf("panic: %v", r)
		}
		if res.err != nil {
			s.log.Error("job fire failed", logx.JobID(job.ID), logx.Err(res.err))
			res.stopped, res.after = s.recordError(cfg, job.ID, res.err.Error(), now)
		}
		if res.stopped && res.after != nil {
			s.announceStop(res.after)
		}
	}()

	o := s.placer.Place(ctx, job, func(st *repository.State, o dispatch.Outcome) {
		if u := st.Users[job.UserID]; u != nil {
			u.AppendOrder(domain.OrderRecord{
				Timestamp: o.Timestamp,
				Quantity:  o.Quantity,
				Result:    o.Result.Clone(),
				JobID:     job.ID,
				ServiceID: job.ServiceID,
				Link:      job.Link,
			}, cfg.HistoryCap)
		}

		j := st.Job(job.ID)
		if j == nil || j.Stopped {
			// Stopped while the call was in flight: stop is terminal.
			return
		}
		j.AppendHistory(domain.Order{Timestamp: o.Timestamp, Quantity: o.Quantity, Result: o.Result.Clone()}, cfg.HistoryCap)
		j.Quantity = s.nextQuantity(j.Quantity, j.Growth)
		if !resumedSince(j, job) {
			// A resume during the call already set the next run.
			j.NextRun = now.Add(j.Interval())
		}
		if !o.Success {
			res.stopped = s.countErrorLocked(cfg, j, o.Error(), now)
		}
		res.after = j.Clone()
	})
	res.fired = true
	res.outcome = o

	s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{
		JobID: job.ID, UserID: job.UserID, Quantity: o.Quantity, Success: o.Success,
	}})
	if res.after != nil && !res.stopped {
		s.announceUpdate(job, res.after, o)
	}
	return res
}

// resumedSince reports whether cur was resumed after the snapshot was taken.
func resumedSince(cur, snap *domain.Job) bool {
	switch {
	case cur.ResumedAt == nil:
		return false
	case snap.ResumedAt == nil:
		return true
	}
	return !cur.ResumedAt.Equal(*snap.ResumedAt)
}

// recordError counts a failure that happened outside the apply step and
// moves a still-due job to its next natural run.
func (s *Service) recordError(cfg Config, id, reason string, now time.Time) (stopped bool, after *domain.Job) {
	_ = s.repo.MutateUnderLock(func(st *repository.State) error {
		j := st.Job(id)
		if j == nil || j.Stopped {
			return nil
		}
		if !j.NextRun.After(now) {
			j.NextRun = now.Add(j.Interval())
		}
		stopped = s.countErrorLocked(cfg, j, reason, now)
		after = j.Clone()
		return nil
	})
	return stopped, after
}

// countErrorLocked bumps ErrorCount and stops the job once it exceeds the
// threshold. It reports whether the job was stopped.
func (s *Service) countErrorLocked(cfg Config, j *domain.Job, reason string, now time.Time) bool {
	j.ErrorCount++
	if j.ErrorCount <= cfg.ErrorThreshold {
		return false
	}
	at := now
	j.Stopped = true
	j.StoppedAt = &at
	j.StoppedBy = stoppedBySystem
	j.StoppedReason = "Too many errors: " + reason
	return true
}

func (s *Service) announceUpdate(before, after *domain.Job, o dispatch.Outcome) {
	if s.notify == nil {
		return
	}
	status := "✅ Order placed"
	if !o.Success {
		status = "❌ Order failed"
	}
	msg := tgui.New().
		Title("📊", "Automation job update").
		KV("Service", before.ServiceID).
		KV(status, fmt.Sprintf("%d units", o.Quantity)).
		KV("Next run at", after.NextRun.In(s.location()).Format("15:04:05")).
		KV("Next quantity", strconv.Itoa(after.Quantity)).
		Build()
	s.notify.Send(before.UserID, msg.Text, jobControls(before.ID))
}

func (s *Service) announceStop(j *domain.Job) {
	s.log.Warn("job stopped after repeated errors", logx.JobID(j.ID), logx.Int("errors", j.ErrorCount), logx.String("reason", j.StoppedReason))
	s.sink.JobStopped(metrics.StopByErrors)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStopped, Data: eventbus.JobEvent{
		JobID: j.ID, UserID: j.UserID, By: stoppedBySystem, Reason: j.StoppedReason,
	}})
	if s.notify == nil {
		return
	}
	msg := tgui.New().
		Title("⚠️", "Automation job stopped due to errors").
		KV("Service", j.ServiceID).
		KV("Link", j.Link).
		KV("Reason", "Too many consecutive errors").
		Line("Please set up a new automation job.").
		Build()
	s.notify.Send(j.UserID, msg.Text, []notifier.Control{
		{Label: "🔄 Set up new job", Data: tgui.Data("menu", "newjob", "")},
	})
	s.notify.Admin(fmt.Sprintf("🔴 Job %s of %s stopped: %s",
		tgui.Code(j.ID), tgui.Code(j.UserID), tgui.Esc(j.StoppedReason)))
}

func jobControls(id string) []notifier.Control {
	return []notifier.Control{
		{Label: "⏱ Change frequency", Data: tgui.Data("job", "freq", id)},
		{Label: "📊 Adjust growth", Data: tgui.Data("job", "growth", id)},
		{Label: "🛑 Stop job", Data: tgui.Data("job", "stop", id)},
	}
}

func (s *Service) reportStates() {
	var active, paused, stopped int
	s.repo.View(func(st *repository.State) {
		for _, j := range st.Jobs {
			switch {
			case j.Stopped:
				stopped++
			case j.Paused:
				paused++
			default:
				active++
			}
		}
	})
	s.sink.JobStates(active, paused, stopped)
}
