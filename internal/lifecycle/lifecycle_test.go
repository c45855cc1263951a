package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/internal/domain"
	"smmbot/internal/enginetest"
	"smmbot/internal/eventbus"
	"smmbot/internal/repository"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, users map[string]*domain.User, opts ...Option) (*Service, *repository.Locked, *enginetest.Notifier) {
	t.Helper()
	repo := repository.NewMemory(nil, users)
	n := &enginetest.Notifier{}
	seq := 0
	base := []Option{
		WithClock(func() time.Time { return t0 }),
		WithIDs(func() string { seq++; return fmt.Sprintf("id%d", seq) }),
	}
	return New(Config{}, repo, n, append(base, opts...)...), repo, n
}

func baseSpec() Spec {
	return Spec{
		UserID:    "alice",
		APIURL:    "https://panel.example/api/v2",
		APIKey:    "secret",
		Links:     []string{"https://example.com/p/1"},
		Services:  []ServiceSpec{{ServiceID: "101"}},
		Quantity:  100,
		Growth:    domain.Growth{Min: 10, Max: 20},
		Frequency: 60,
	}
}

func TestCreateSingle(t *testing.T) {
	svc, repo, n := newService(t, nil)

	jobs, err := svc.Create(context.Background(), baseSpec())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := jobs[0]
	assert.Equal(t, "job_id1", j.ID)
	assert.Empty(t, j.BulkGroupID)
	assert.Equal(t, t0, j.NextRun)
	assert.Equal(t, 60, j.Frequency)
	assert.False(t, j.Paused)
	assert.False(t, j.Stopped)

	stored, ok := repo.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, j, stored)

	require.Len(t, n.To("alice"), 1)
	assert.Contains(t, n.To("alice")[0].Text, "Automation job started")
	assert.Len(t, n.To(domain.AdminUserID), 1)
}

func TestCreateBulkSharesGroup(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	spec := baseSpec()
	spec.Links = []string{"l1", " ", "l2"}
	spec.Services = []ServiceSpec{
		{ServiceID: "101"},
		{ServiceID: "202", Quantity: 50, Growth: &domain.Growth{Min: 1, Max: 2}, Frequency: 2},
	}

	jobs, err := svc.Create(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	group := jobs[0].BulkGroupID
	assert.Equal(t, "bulk_id1", group)
	for _, j := range jobs {
		assert.Equal(t, group, j.BulkGroupID)
	}
	// individual settings override the defaults; low frequency is clamped
	assert.Equal(t, "202", jobs[1].ServiceID)
	assert.Equal(t, 50, jobs[1].Quantity)
	assert.Equal(t, domain.Growth{Min: 1, Max: 2}, jobs[1].Growth)
	assert.Equal(t, 5, jobs[1].Frequency)
	assert.Equal(t, 100, jobs[0].Quantity)
	assert.Equal(t, "l2", jobs[3].Link)
	assert.Len(t, repo.List(), 4)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Spec)
	}{
		{"no user", func(s *Spec) { s.UserID = "" }},
		{"bad url", func(s *Spec) { s.APIURL = "not a url" }},
		{"no key", func(s *Spec) { s.APIKey = "" }},
		{"no links", func(s *Spec) { s.Links = []string{" "} }},
		{"too many links", func(s *Spec) {
			s.Links = nil
			for i := 0; i < 11; i++ {
				s.Links = append(s.Links, fmt.Sprintf("l%d", i))
			}
		}},
		{"no services", func(s *Spec) { s.Services = nil }},
		{"zero quantity", func(s *Spec) { s.Quantity = 0 }},
		{"inverted growth", func(s *Spec) { s.Growth = domain.Growth{Min: 30, Max: 10} }},
		{"service growth over 100", func(s *Spec) { s.Services[0].Growth = &domain.Growth{Min: 0, Max: 101} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, n := newService(t, nil)
			spec := baseSpec()
			tt.mut(&spec)

			_, err := svc.Create(context.Background(), spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
			assert.NotEmpty(t, errors.GetAllHints(err))
			assert.Empty(t, repo.List())
			assert.Empty(t, n.Msgs)
		})
	}
}

func TestCreateFromTemplate(t *testing.T) {
	users := map[string]*domain.User{
		"alice": {
			ID:          "alice",
			APIProfiles: map[string]domain.APIProfile{"main": {URL: "https://panel.example/api/v2", Key: "k"}},
			Templates: []domain.Template{{
				ID: "template_1", Name: "IG likes", APIProfile: "main", ServiceID: "303",
				Quantity: 250, GrowthMin: 5, GrowthMax: 15, Frequency: 30, UsageCount: 1,
			}},
		},
	}
	svc, repo, _ := newService(t, users)

	jobs, err := svc.CreateFromTemplate(context.Background(), "alice", "template_1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, "template_1", j.TemplateID)
		assert.Equal(t, "303", j.ServiceID)
		assert.Equal(t, 250, j.Quantity)
		assert.Equal(t, domain.Growth{Min: 5, Max: 15}, j.Growth)
		assert.Equal(t, "k", j.APIKey)
		assert.NotEmpty(t, j.BulkGroupID)
	}
	repo.View(func(st *repository.State) {
		assert.Equal(t, 4, st.Users["alice"].Templates[0].UsageCount)
	})

	_, err = svc.CreateFromTemplate(context.Background(), "alice", "missing", []string{"a"})
	assert.True(t, errors.Is(err, domain.ErrTemplateNotFound))
	_, err = svc.CreateFromTemplate(context.Background(), "bob", "template_1", []string{"a"})
	assert.True(t, errors.Is(err, domain.ErrUserNotFound))

	require.NoError(t, repo.MutateUnderLock(func(st *repository.State) error {
		st.Users["alice"].Templates[0].APIProfile = "gone"
		return nil
	}))
	_, err = svc.CreateFromTemplate(context.Background(), "alice", "template_1", []string{"a"})
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
	assert.Len(t, repo.List(), 3)
}

func TestPauseResumeStop(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc, repo, n := newService(t, nil, WithBus(bus))
	ctx := context.Background()

	jobs, err := svc.Create(ctx, baseSpec())
	require.NoError(t, err)
	id := jobs[0].ID

	_, err = svc.Pause(ctx, id, "mallory")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "foreign pause")

	j, err := svc.Pause(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, j.Paused)
	assert.Equal(t, t0, *j.PausedAt)

	later := t0.Add(time.Hour)
	svc.now = func() time.Time { return later }
	j, err = svc.Resume(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, j.Paused)
	assert.Equal(t, later, j.NextRun)
	assert.Equal(t, later, *j.ResumedAt)

	n.Reset()
	j, err = svc.Stop(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, j.Stopped)
	assert.Equal(t, "alice", j.StoppedBy)
	assert.Empty(t, n.To(domain.AdminUserID), "owner stop does not page the admin")

	for _, op := range []func(context.Context, string, string) (*domain.Job, error){svc.Pause, svc.Resume, svc.Stop} {
		_, err := op(ctx, id, "alice")
		assert.True(t, errors.Is(err, domain.ErrNotFound), "stopped job is terminal")
	}
	stored, _ := repo.Get(id)
	assert.True(t, stored.Stopped)
	assert.False(t, stored.Paused)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.JobCreated, eventbus.JobPaused, eventbus.JobResumed, eventbus.JobStopped}, types)
}

func TestStopByAdmin(t *testing.T) {
	svc, _, n := newService(t, nil, WithAdmin(func(u string) bool { return u == "root" }))
	ctx := context.Background()
	jobs, err := svc.Create(ctx, baseSpec())
	require.NoError(t, err)
	n.Reset()

	_, err = svc.Pause(ctx, jobs[0].ID, "root")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "admins may stop, not pause")

	j, err := svc.Stop(ctx, jobs[0].ID, "root")
	require.NoError(t, err)
	assert.Equal(t, "root", j.StoppedBy)
	require.Len(t, n.To(domain.AdminUserID), 1)
	require.Len(t, n.To("alice"), 1)
	assert.Contains(t, n.To("alice")[0].Text, "Stopped by admin")
}

func TestGroupOperations(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	ctx := context.Background()
	spec := baseSpec()
	spec.Links = []string{"a", "b", "c"}
	jobs, err := svc.Create(ctx, spec)
	require.NoError(t, err)
	group := jobs[0].BulkGroupID

	_, err = svc.Stop(ctx, jobs[2].ID, "alice")
	require.NoError(t, err)

	n, err := svc.PauseGroup(ctx, group, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.PauseGroup(ctx, group, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.ResumeGroup(ctx, group, "mallory")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.ResumeGroup(ctx, group, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.StopGroup(ctx, group, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, j := range repo.List() {
		assert.True(t, j.Stopped)
	}

	n, err = svc.StopGroup(ctx, "bulk_unknown", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetFrequencyAndGrowth(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()
	jobs, err := svc.Create(ctx, baseSpec())
	require.NoError(t, err)
	id := jobs[0].ID

	j, err := svc.SetFrequency(ctx, id, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, j.Frequency)
	assert.Equal(t, t0, j.NextRun, "frequency change leaves the schedule alone")

	j, err = svc.SetGrowth(ctx, id, "alice", domain.Growth{Min: 2, Max: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.Growth{Min: 2, Max: 4}, j.Growth)

	_, err = svc.SetGrowth(ctx, id, "alice", domain.Growth{Min: 5, Max: 4})
	assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
	_, err = svc.SetFrequency(ctx, id, "bob", 30)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = svc.SetFrequency(ctx, id, "alice", domain.MaxFrequency+1)
	assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
	j, err = svc.SetFrequency(ctx, id, "alice", domain.MaxFrequency)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxFrequency, j.Frequency)
}

func TestCreateRejectsFrequencyBeyondAYear(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	spec := baseSpec()
	spec.Frequency = 200_000_000
	_, err := svc.Create(context.Background(), spec)
	assert.True(t, errors.Is(err, domain.ErrInvalidSpec))

	spec = baseSpec()
	spec.Services = []ServiceSpec{{ServiceID: "101", Frequency: domain.MaxFrequency + 1}}
	_, err = svc.Create(context.Background(), spec)
	assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
	assert.Empty(t, repo.List())
}

func TestCreateBatch(t *testing.T) {
	t.Run("one bad spec creates nothing", func(t *testing.T) {
		svc, repo, n := newService(t, nil)
		bad := baseSpec()
		bad.APIURL = "not a url"
		_, err := svc.CreateBatch(context.Background(), []Spec{baseSpec(), bad})
		assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
		assert.Empty(t, repo.List())
		assert.Empty(t, n.To("alice"))
		assert.Empty(t, n.To(domain.AdminUserID))
	})

	t.Run("mixed owners are rejected", func(t *testing.T) {
		svc, repo, _ := newService(t, nil)
		other := baseSpec()
		other.UserID = "bob"
		_, err := svc.CreateBatch(context.Background(), []Spec{baseSpec(), other})
		assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
		assert.Empty(t, repo.List())
	})

	t.Run("announced once", func(t *testing.T) {
		svc, repo, n := newService(t, nil)
		a, b := baseSpec(), baseSpec()
		a.BulkGroupID, b.BulkGroupID = "bulk_x", "bulk_x"
		b.Links = []string{"https://example.com/p/2"}
		jobs, err := svc.CreateBatch(context.Background(), []Spec{a, b})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Len(t, repo.List(), 2)
		require.Len(t, n.To("alice"), 1)
		assert.Contains(t, n.To("alice")[0].Text, "Bulk automation jobs started")
		assert.Len(t, n.To(domain.AdminUserID), 1)
	})

	t.Run("ungrouped specs share a group", func(t *testing.T) {
		svc, _, _ := newService(t, nil)
		b := baseSpec()
		b.Links = []string{"https://example.com/p/2"}
		jobs, err := svc.CreateBatch(context.Background(), []Spec{baseSpec(), b})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.NotEmpty(t, jobs[0].BulkGroupID)
		assert.Equal(t, jobs[0].BulkGroupID, jobs[1].BulkGroupID)
	})

	t.Run("empty", func(t *testing.T) {
		svc, _, _ := newService(t, nil)
		_, err := svc.CreateBatch(context.Background(), nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidSpec))
	})
}
