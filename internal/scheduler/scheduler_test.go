package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/internal/dispatch"
	"smmbot/internal/domain"
	"smmbot/internal/enginetest"
	"smmbot/internal/repository"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	repo   *repository.Locked
	panel  *enginetest.Panel
	notify *enginetest.Notifier
	svc    *Service
}

func newHarness(t *testing.T, jobs ...*domain.Job) *harness {
	t.Helper()
	h := &harness{
		repo:   repository.NewMemory(jobs, map[string]*domain.User{"alice": {ID: "alice"}}),
		panel:  &enginetest.Panel{},
		notify: &enginetest.Notifier{},
	}
	d := dispatch.New(h.panel, h.repo, h.notify, dispatch.WithClock(func() time.Time { return t0 }))
	h.svc = New(Config{}, h.repo, d, h.notify, WithRand(rand.New(rand.NewSource(7))))
	return h
}

func job(id string, mut ...func(*domain.Job)) *domain.Job {
	j := &domain.Job{
		ID: id, UserID: "alice", APIURL: "https://panel.example/api/v2", APIKey: "k",
		ServiceID: "101", Link: "https://example.com/" + id, Quantity: 100,
		Growth: domain.Growth{Min: 0, Max: 20}, Frequency: 5, NextRun: t0, StartedAt: t0,
	}
	for _, m := range mut {
		m(j)
	}
	return j
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, ok := h.repo.Get(id)
	require.True(t, ok)
	return j
}

func TestFireGrowsQuantityAndReschedules(t *testing.T) {
	h := newHarness(t, job("j1"))
	h.panel.Results = []domain.Result{{"order": 42.0}}

	rep := h.svc.Tick(context.Background(), t0)
	assert.Equal(t, 1, rep.Fired)

	j := h.get(t, "j1")
	assert.GreaterOrEqual(t, j.Quantity, 100)
	assert.LessOrEqual(t, j.Quantity, 120)
	assert.Equal(t, t0.Add(300*time.Second), j.NextRun)
	require.Len(t, j.History, 1)
	assert.Equal(t, 100, j.History[0].Quantity)
	assert.Equal(t, 0, j.ErrorCount)

	h.repo.View(func(st *repository.State) {
		require.Len(t, st.Users["alice"].Orders, 1)
		rec := st.Users["alice"].Orders[0]
		assert.Equal(t, "j1", rec.JobID)
		assert.Equal(t, "101", rec.ServiceID)
		assert.Equal(t, int64(1), st.Counters.SuccessfulOrders)
	})

	// order result plus the schedule update, both to the owner
	owner := h.notify.To("alice")
	require.Len(t, owner, 2)
	assert.Contains(t, owner[1].Text, "Automation job update")
	assert.Len(t, owner[1].Controls, 3)
}

func TestNotDueOrInactiveJobsAreUntouched(t *testing.T) {
	stopped := job("stopped", func(j *domain.Job) { j.Stopped = true })
	paused := job("paused", func(j *domain.Job) { j.Paused = true })
	later := job("later", func(j *domain.Job) { j.NextRun = t0.Add(time.Minute) })
	h := newHarness(t, stopped, paused, later)

	for i := 0; i < 3; i++ {
		rep := h.svc.Tick(context.Background(), t0.Add(time.Duration(i)*15*time.Second))
		assert.Zero(t, rep.Due)
	}
	assert.Zero(t, h.panel.CallCount(""))
	assert.Equal(t, stopped, h.get(t, "stopped"))
	assert.Equal(t, paused, h.get(t, "paused"))
	assert.Equal(t, later, h.get(t, "later"))
}

func TestResumedJobFiresOnNextTick(t *testing.T) {
	h := newHarness(t, job("j1", func(j *domain.Job) {
		j.Paused = true
		j.NextRun = t0.Add(time.Hour)
	}))
	h.svc.Tick(context.Background(), t0)
	require.Zero(t, h.panel.CallCount("add"))

	require.NoError(t, h.repo.MutateUnderLock(func(st *repository.State) error {
		j := st.Job("j1")
		j.Paused = false
		j.NextRun = t0.Add(10 * time.Second)
		return nil
	}))
	h.svc.Tick(context.Background(), t0.Add(15*time.Second))
	assert.Equal(t, 1, h.panel.CallCount("add"))
}

func TestRepeatedFailuresStopJob(t *testing.T) {
	h := newHarness(t, job("j1"), job("j2"))
	h.panel.Respond = func(c enginetest.PanelCall) domain.Result {
		if c.Params["link"] == "https://example.com/j1" {
			return domain.Result{"error": "Connection timed out"}
		}
		return domain.Result{"order": 1.0}
	}

	now := t0
	for i := 1; i <= 6; i++ {
		h.svc.Tick(context.Background(), now)
		j := h.get(t, "j1")
		assert.Equal(t, i, j.ErrorCount)
		assert.Equal(t, i == 6, j.Stopped, "tick %d", i)
		now = now.Add(5 * time.Minute)
	}

	j := h.get(t, "j1")
	assert.Equal(t, "Too many errors: Connection timed out", j.StoppedReason)
	assert.Equal(t, "system", j.StoppedBy)
	require.NotNil(t, j.StoppedAt)

	calls := h.panel.CallCount("add")
	h.svc.Tick(context.Background(), now)
	assert.Equal(t, calls+1, h.panel.CallCount("add"), "only the healthy job fires on the 7th tick")
	assert.Equal(t, 7, len(h.get(t, "j2").History))

	var stopMsgs int
	for _, m := range h.notify.To("alice") {
		if len(m.Controls) == 1 && m.Controls[0].Data == "menu:newjob" {
			stopMsgs++
		}
	}
	assert.Equal(t, 1, stopMsgs)
}

func TestPanicCountsAsErrorAndDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, job("j1"), job("j2"))
	h.panel.Respond = func(c enginetest.PanelCall) domain.Result {
		if c.Params["link"] == "https://example.com/j1" {
			panic("boom")
		}
		return domain.Result{"order": 9.0}
	}

	rep := h.svc.Tick(context.Background(), t0)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Failed)

	j1 := h.get(t, "j1")
	assert.Equal(t, 1, j1.ErrorCount)
	assert.False(t, j1.Stopped)
	assert.Empty(t, j1.History)
	assert.Equal(t, t0.Add(5*time.Minute), j1.NextRun)
	assert.Len(t, h.get(t, "j2").History, 1)

	calls := h.panel.CallCount("add")
	h.svc.Tick(context.Background(), t0.Add(15*time.Second))
	assert.Equal(t, calls, h.panel.CallCount("add"), "no refire before the next natural run")
}

func TestStopDuringCallIsRespected(t *testing.T) {
	h := newHarness(t, job("j1"))
	h.panel.Respond = func(enginetest.PanelCall) domain.Result {
		_ = h.repo.MutateUnderLock(func(st *repository.State) error {
			st.Job("j1").Stopped = true
			return nil
		})
		return domain.Result{"order": 5.0}
	}

	h.svc.Tick(context.Background(), t0)
	j := h.get(t, "j1")
	assert.True(t, j.Stopped)
	assert.Empty(t, j.History)
	assert.Equal(t, 100, j.Quantity)
	assert.Equal(t, t0, j.NextRun)
}

func TestResumeDuringCallKeepsNextRun(t *testing.T) {
	h := newHarness(t, job("j1"))
	var once sync.Once
	h.panel.Respond = func(enginetest.PanelCall) domain.Result {
		once.Do(func() {
			_ = h.repo.MutateUnderLock(func(st *repository.State) error {
				j := st.Job("j1")
				resumed := t0.Add(10 * time.Second)
				j.Paused = false
				j.ResumedAt = &resumed
				j.NextRun = resumed
				return nil
			})
		})
		return domain.Result{"order": 5.0}
	}

	h.svc.Tick(context.Background(), t0)
	j := h.get(t, "j1")
	require.Len(t, j.History, 1)
	assert.Equal(t, t0.Add(10*time.Second), j.NextRun)

	rep := h.svc.Tick(context.Background(), t0.Add(15*time.Second))
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 2, h.panel.CallCount("add"))
	assert.Equal(t, t0.Add(15*time.Second+5*time.Minute), h.get(t, "j1").NextRun)
}

func TestHugeFrequencyDoesNotOverflow(t *testing.T) {
	h := newHarness(t, job("j1", func(j *domain.Job) { j.Frequency = 200_000_000 }))

	h.svc.Tick(context.Background(), t0)
	j := h.get(t, "j1")
	assert.Equal(t, t0.Add(domain.MaxFrequency*time.Minute), j.NextRun)

	rep := h.svc.Tick(context.Background(), t0.Add(15*time.Second))
	assert.Zero(t, rep.Due)
	assert.Equal(t, 1, h.panel.CallCount("add"))
}

func TestInFlightJobIsNotPickedTwice(t *testing.T) {
	h := newHarness(t, job("j1"))
	entered := make(chan struct{})
	release := make(chan struct{})
	h.panel.Respond = func(enginetest.PanelCall) domain.Result {
		close(entered)
		<-release
		return domain.Result{"order": 1.0}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.svc.Tick(context.Background(), t0)
	}()
	<-entered

	rep := h.svc.Tick(context.Background(), t0.Add(time.Second))
	assert.Zero(t, rep.Due)

	// lifecycle edits are not blocked by the running call
	require.NoError(t, h.repo.MutateUnderLock(func(st *repository.State) error {
		st.Job("j1").Frequency = 10
		return nil
	}))
	close(release)
	wg.Wait()

	j := h.get(t, "j1")
	assert.Len(t, j.History, 1)
	assert.Equal(t, t0.Add(10*time.Minute), j.NextRun)
}

func TestHistoryIsCapped(t *testing.T) {
	h := newHarness(t, job("j1", func(j *domain.Job) {
		for i := 0; i < 200; i++ {
			j.History = append(j.History, domain.Order{Timestamp: t0.Add(-time.Duration(200-i) * time.Minute), Quantity: i})
		}
	}))
	h.svc.Tick(context.Background(), t0)
	j := h.get(t, "j1")
	require.Len(t, j.History, 200)
	assert.Equal(t, 1, j.History[0].Quantity)
	assert.Equal(t, t0, j.History[199].Timestamp)
}

func TestResetDailyStats(t *testing.T) {
	h := newHarness(t, job("j1"))
	h.svc.Tick(context.Background(), t0)
	require.Equal(t, int64(1), h.repo.Counters().Last24hOrders)

	h.svc.ResetDailyStats(context.Background())
	c := h.repo.Counters()
	assert.Zero(t, c.Last24hOrders)
	assert.Equal(t, int64(1), c.TotalOrders)
}

func TestStartRejectsBadTimezone(t *testing.T) {
	h := newHarness(t)
	h.svc = New(Config{Timezone: "Mars/Olympus"}, h.repo, nil, nil)
	require.Error(t, h.svc.Start(context.Background()))

	h.svc = New(Config{TickInterval: time.Hour}, h.repo, nil, nil)
	require.NoError(t, h.svc.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.svc.Stop(ctx)
}
