package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/internal/eventbus"
	"smmbot/internal/metrics"
	"smmbot/internal/notifier"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// mutate applies fn to the job under the repository lock. Unknown, stopped
// and foreign jobs report ErrNotFound; admins pass the ownership check only
// when allowAdmin is set.
func (s *Service) mutate(ctx context.Context, id, requester string, allowAdmin bool, fn func(j *domain.Job, now time.Time) error) (*domain.Job, error) {
	now := s.now()
	var out *domain.Job
	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		j := st.Job(id)
		if j == nil || j.Stopped {
			return domain.ErrNotFound
		}
		if j.UserID != requester && !(allowAdmin && s.isAdmin(requester)) {
			return domain.ErrNotFound
		}
		if err := fn(j, now); err != nil {
			return err
		}
		out = j.Clone()
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", id)
	}
	_ = s.repo.Save(ctx)
	return out, nil
}

// Pause stops scheduling the job until Resume. Owner only.
func (s *Service) Pause(ctx context.Context, id, requester string) (*domain.Job, error) {
	j, err := s.mutate(ctx, id, requester, false, func(j *domain.Job, now time.Time) error {
		j.Paused = true
		j.PausedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("job paused", logx.JobID(id))
	s.publish(eventbus.JobPaused, j, requester, "")
	msg := tgui.New().
		Title("⏸", "Automation job paused").
		KV("Service", j.ServiceID).
		KV("Link", j.Link).
		Build()
	s.send(j.UserID, msg.Text, []notifier.Control{
		{Label: "▶️ Resume", Data: tgui.Data("job", "resume", j.ID)},
		{Label: "🛑 Stop", Data: tgui.Data("job", "stop", j.ID)},
	})
	return j, nil
}

// Resume clears the pause and makes the job due immediately. Owner only.
// It also serves as "retry now" for jobs that were never paused.
func (s *Service) Resume(ctx context.Context, id, requester string) (*domain.Job, error) {
	j, err := s.mutate(ctx, id, requester, false, func(j *domain.Job, now time.Time) error {
		j.Paused = false
		j.ResumedAt = &now
		j.NextRun = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("job resumed", logx.JobID(id))
	s.publish(eventbus.JobResumed, j, requester, "")
	msg := tgui.New().
		Title("▶️", "Automation job resumed").
		KV("Service", j.ServiceID).
		KV("Link", j.Link).
		Line("The next order will be placed shortly.").
		Build()
	s.send(j.UserID, msg.Text, jobControls(j))
	return j, nil
}

// Stop terminates the job. The owner or an admin may stop it.
func (s *Service) Stop(ctx context.Context, id, requester string) (*domain.Job, error) {
	j, err := s.mutate(ctx, id, requester, true, func(j *domain.Job, now time.Time) error {
		j.Stopped = true
		j.StoppedAt = &now
		j.StoppedBy = requester
		return nil
	})
	if err != nil {
		return nil, err
	}
	byOwner := requester == j.UserID
	s.log.Info("job stopped", logx.JobID(id), logx.String("by", requester))
	if byOwner {
		s.sink.JobStopped(metrics.StopByOwner)
	} else {
		s.sink.JobStopped(metrics.StopByAdmin)
	}
	s.publish(eventbus.JobStopped, j, requester, "")

	b := tgui.New().
		Title("🛑", "Automation job stopped").
		KV("Service", j.ServiceID).
		KV("Link", j.Link).
		KV("Stopped at", j.StoppedAt.Format("2006-01-02 15:04:05"))
	if !byOwner {
		b.Line("Stopped by admin")
		s.admin(fmt.Sprintf("🛑 Job %s of %s stopped by admin", tgui.Code(j.ID), tgui.Code(j.UserID)))
	}
	s.send(j.UserID, b.Build().Text, []notifier.Control{
		{Label: "🔄 Set up new job", Data: tgui.Data("menu", "newjob", "")},
	})
	return j, nil
}

// SetFrequency changes the interval between orders, clamped to the minimum.
// Intervals longer than domain.MaxFrequency are rejected.
func (s *Service) SetFrequency(ctx context.Context, id, requester string, minutes int) (*domain.Job, error) {
	if minutes > domain.MaxFrequency {
		return nil, s.invalid(errors.Newf("frequency %d", minutes), fmt.Sprintf("frequency must be at most %d minutes", domain.MaxFrequency))
	}
	minutes = s.clampFrequency(minutes)
	j, err := s.mutate(ctx, id, requester, false, func(j *domain.Job, _ time.Time) error {
		j.Frequency = minutes
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.JobUpdated, j, requester, "frequency")
	s.send(j.UserID, tgui.New().
		Title("⏱", "Frequency updated").
		KV("Service", j.ServiceID).
		KV("Frequency", fmt.Sprintf("every %d minutes", j.Frequency)).
		Build().Text, nil)
	return j, nil
}

// SetGrowth changes the growth range of the job.
func (s *Service) SetGrowth(ctx context.Context, id, requester string, g domain.Growth) (*domain.Job, error) {
	if !g.Valid() {
		return nil, s.invalid(errors.Newf("growth %g-%g", g.Min, g.Max), "growth must satisfy 0 <= min <= max <= 100")
	}
	j, err := s.mutate(ctx, id, requester, false, func(j *domain.Job, _ time.Time) error {
		j.Growth = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.JobUpdated, j, requester, "growth")
	s.send(j.UserID, tgui.New().
		Title("📊", "Growth updated").
		KV("Service", j.ServiceID).
		KV("Growth", fmt.Sprintf("%g-%g%%", g.Min, g.Max)).
		Build().Text, nil)
	return j, nil
}

// group applies fn to every non-stopped job of the group owned by requester
// and returns how many were changed.
func (s *Service) group(ctx context.Context, groupID, requester string, fn func(j *domain.Job, now time.Time) bool) ([]*domain.Job, error) {
	if groupID == "" {
		return nil, errors.Wrap(domain.ErrNotFound, "empty group id")
	}
	now := s.now()
	var changed []*domain.Job
	_ = s.repo.MutateUnderLock(func(st *repository.State) error {
		for _, j := range st.Jobs {
			if j.BulkGroupID != groupID || j.UserID != requester || j.Stopped {
				continue
			}
			if fn(j, now) {
				changed = append(changed, j.Clone())
			}
		}
		return nil
	})
	if len(changed) > 0 {
		_ = s.repo.Save(ctx)
	}
	return changed, nil
}

func (s *Service) PauseGroup(ctx context.Context, groupID, requester string) (int, error) {
	jobs, err := s.group(ctx, groupID, requester, func(j *domain.Job, now time.Time) bool {
		if j.Paused {
			return false
		}
		j.Paused = true
		j.PausedAt = &now
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.publish(eventbus.JobPaused, j, requester, "")
	}
	s.announceGroup(requester, groupID, "⏸", "Bulk jobs paused", len(jobs), true)
	return len(jobs), nil
}

func (s *Service) ResumeGroup(ctx context.Context, groupID, requester string) (int, error) {
	jobs, err := s.group(ctx, groupID, requester, func(j *domain.Job, now time.Time) bool {
		if !j.Paused {
			return false
		}
		j.Paused = false
		j.ResumedAt = &now
		j.NextRun = now
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.publish(eventbus.JobResumed, j, requester, "")
	}
	s.announceGroup(requester, groupID, "▶️", "Bulk jobs resumed", len(jobs), false)
	return len(jobs), nil
}

func (s *Service) StopGroup(ctx context.Context, groupID, requester string) (int, error) {
	jobs, err := s.group(ctx, groupID, requester, func(j *domain.Job, now time.Time) bool {
		j.Stopped = true
		j.StoppedAt = &now
		j.StoppedBy = requester
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.sink.JobStopped(metrics.StopByOwner)
		s.publish(eventbus.JobStopped, j, requester, "")
	}
	if len(jobs) > 0 {
		s.send(requester, tgui.New().
			Title("🛑", "Bulk jobs stopped").
			KV("Jobs", strconv.Itoa(len(jobs))).
			Build().Text, []notifier.Control{{Label: "🔄 Set up new job", Data: tgui.Data("menu", "newjob", "")}})
	}
	return len(jobs), nil
}

func (s *Service) announceGroup(userID, groupID, emoji, title string, n int, paused bool) {
	if n == 0 {
		return
	}
	s.send(userID, tgui.New().
		Title(emoji, title).
		KV("Jobs", strconv.Itoa(n)).
		Build().Text, groupControls(groupID, paused))
}

func jobControls(j *domain.Job) []notifier.Control {
	return []notifier.Control{
		{Label: "⏸ Pause", Data: tgui.Data("job", "pause", j.ID)},
		{Label: "🛑 Stop", Data: tgui.Data("job", "stop", j.ID)},
	}
}

func groupControls(groupID string, paused bool) []notifier.Control {
	toggle := notifier.Control{Label: "⏸ Pause all", Data: tgui.Data("group", "pause", groupID)}
	if paused {
		toggle = notifier.Control{Label: "▶️ Resume all", Data: tgui.Data("group", "resume", groupID)}
	}
	return []notifier.Control{
		toggle,
		{Label: "🛑 Stop all", Data: tgui.Data("group", "stop", groupID)},
	}
}
