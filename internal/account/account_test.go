package account

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/internal/domain"
	"smmbot/internal/repository"
)

func seeded() *repository.Locked {
	return repository.NewMemory(nil, map[string]*domain.User{
		"alice": {
			ID:          "alice",
			TelegramID:  1001,
			APIProfiles: map[string]domain.APIProfile{"main": {URL: "https://panel.example/api/v2", Key: "k"}},
			Orders: []domain.OrderRecord{
				{JobID: "j", Quantity: 1}, {JobID: "j", Quantity: 2}, {JobID: "j", Quantity: 3},
			},
		},
		"bob": {ID: "bob"},
	})
}

func TestLookups(t *testing.T) {
	svc := New(seeded(), 9000)

	u, ok := svc.FindByTelegram(1001)
	require.True(t, ok)
	assert.Equal(t, "alice", u.ID)
	_, ok = svc.FindByTelegram(0)
	assert.False(t, ok, "unlinked users have chat id 0")

	assert.Equal(t, "alice", svc.Requester(1001))
	assert.Equal(t, domain.AdminUserID, svc.Requester(9000))
	assert.Equal(t, "", svc.Requester(42))

	chat, ok := svc.ChatID(domain.AdminUserID)
	assert.True(t, ok)
	assert.Equal(t, int64(9000), chat)
	_, ok = svc.ChatID("bob")
	assert.False(t, ok)

	p, err := svc.Profile("alice", "main")
	require.NoError(t, err)
	assert.Equal(t, "k", p.Key)
	_, err = svc.Profile("alice", "other")
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
	_, err = svc.Get("carol")
	assert.True(t, errors.Is(err, domain.ErrUserNotFound))

	recent := svc.RecentOrders("alice", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].Quantity)
	assert.Equal(t, 2, recent[1].Quantity)
	assert.Len(t, svc.RecentOrders("alice", 10), 3)
}

func TestIsAdmin(t *testing.T) {
	repo := seeded()
	svc := New(repo, 1001)
	assert.True(t, svc.IsAdmin(domain.AdminUserID))
	assert.True(t, svc.IsAdmin("alice"), "alice is linked to the admin chat")
	assert.False(t, svc.IsAdmin("bob"))
}

func TestIssueAndLink(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := New(seeded(), 9000, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	code := svc.IssueCode(2002)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), code)

	err := svc.Link(ctx, "bob", 2002, "WRONG1")
	assert.True(t, errors.Is(err, domain.ErrInvalidCode))
	err = svc.Link(ctx, "bob", 3003, code)
	assert.True(t, errors.Is(err, domain.ErrInvalidCode), "code is bound to the chat")

	require.NoError(t, svc.Link(ctx, "bob", 2002, code))
	u, ok := svc.FindByTelegram(2002)
	require.True(t, ok)
	assert.Equal(t, "bob", u.ID)

	err = svc.Link(ctx, "bob", 2002, code)
	assert.True(t, errors.Is(err, domain.ErrInvalidCode), "codes are single use")

	code = svc.IssueCode(2002)
	now = now.Add(time.Hour)
	err = svc.Link(ctx, "bob", 2002, code)
	assert.True(t, errors.Is(err, domain.ErrInvalidCode), "codes expire after an hour")
}

func TestLinkMovesChat(t *testing.T) {
	svc := New(seeded(), 9000)
	ctx := context.Background()

	code := svc.IssueCode(1001)
	require.NoError(t, svc.Link(ctx, "bob", 1001, code))

	u, ok := svc.FindByTelegram(1001)
	require.True(t, ok)
	assert.Equal(t, "bob", u.ID)
	alice, err := svc.Get("alice")
	require.NoError(t, err)
	assert.Zero(t, alice.TelegramID)
}

func TestAdminOperations(t *testing.T) {
	repo := seeded()
	svc := New(repo, 9000)
	ctx := context.Background()

	u, err := svc.AddUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", u.ID)
	_, err = svc.AddUser(ctx, "carol")
	assert.Error(t, err)
	_, err = svc.AddUser(ctx, domain.AdminUserID)
	assert.Error(t, err)
	assert.Equal(t, int64(3), repo.Counters().TotalUsers)

	require.NoError(t, svc.AddProfile(ctx, "carol", "main", "https://panel.example/api/v2", "ck"))
	assert.Error(t, svc.AddProfile(ctx, "carol", "main", "", "ck"))
	assert.True(t, errors.Is(svc.AddProfile(ctx, "dave", "main", "u", "k"), domain.ErrUserNotFound))

	tpl, err := svc.AddTemplate(ctx, "carol", domain.Template{
		Name: "Views", APIProfile: "main", ServiceID: "7", Quantity: 100, GrowthMin: 1, GrowthMax: 5, Frequency: 1, UsageCount: 9,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^template_[0-9a-f-]{36}$`, tpl.ID)
	assert.Equal(t, 5, tpl.Frequency)
	assert.Zero(t, tpl.UsageCount)

	got, err := svc.Template("carol", tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl, got)

	_, err = svc.AddTemplate(ctx, "carol", domain.Template{Name: "x", APIProfile: "none", ServiceID: "7", Quantity: 1})
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
	_, err = svc.AddTemplate(ctx, "carol", domain.Template{Name: "x", APIProfile: "main", ServiceID: "7", Quantity: 1, GrowthMin: 9, GrowthMax: 3})
	assert.True(t, errors.Is(err, domain.ErrInvalidSpec))

	ids := []string{}
	for _, u := range svc.Users() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestListJobs(t *testing.T) {
	repo := repository.NewMemory([]*domain.Job{
		{ID: "1", UserID: "alice"},
		{ID: "2", UserID: "alice", Stopped: true},
		{ID: "3", UserID: "bob"},
	}, nil)
	svc := New(repo, 0)

	assert.Len(t, svc.ListJobs("alice", false), 1)
	assert.Len(t, svc.ListJobs("alice", true), 2)
	assert.Len(t, svc.ListJobs("", true), 3)
}
