package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/internal/domain"
	"smmbot/internal/enginetest"
	"smmbot/internal/repository"
	"smmbot/pkg/tgui"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testJob() *domain.Job {
	return &domain.Job{
		ID: "job_1", UserID: "alice", APIURL: "https://panel.example/api/v2", APIKey: "k",
		ServiceID: "101", Link: "https://example.com/p", Quantity: 200,
		Growth: domain.Growth{Min: 10, Max: 20}, Frequency: 5,
	}
}

func TestPlaceSuccess(t *testing.T) {
	p := &enginetest.Panel{Results: []domain.Result{{"order": 555.0}}}
	n := &enginetest.Notifier{}
	repo := repository.NewMemory([]*domain.Job{testJob()}, nil)
	tokens := tgui.NewTokenStore()
	d := New(p, repo, n, WithClock(func() time.Time { return fixedNow }), WithTokens(tokens))

	applied := false
	o := d.Place(context.Background(), testJob(), func(st *repository.State, o Outcome) {
		applied = true
		assert.Equal(t, int64(1), st.Counters.SuccessfulOrders, "counters are updated before apply runs")
	})

	require.True(t, o.Success)
	assert.True(t, applied)
	assert.Equal(t, "555", o.OrderID)
	assert.Equal(t, fixedNow, o.Timestamp)
	assert.Equal(t, 200, o.Quantity)

	require.Len(t, p.Calls, 1)
	c := p.Calls[0]
	assert.Equal(t, "add", c.Action)
	assert.Equal(t, "k", c.Key)
	assert.Equal(t, map[string]string{"service": "101", "link": "https://example.com/p", "quantity": "200"}, c.Params)

	cnt := repo.Counters()
	assert.Equal(t, int64(1), cnt.TotalOrders)
	assert.Equal(t, int64(1), cnt.Last24hOrders)
	assert.Equal(t, int64(0), cnt.FailedOrders)
	assert.InDelta(t, 0.2, cnt.TotalSpent, 1e-9)

	owner := n.To("alice")
	require.Len(t, owner, 1)
	assert.Contains(t, owner[0].Text, "Order placed")
	require.Len(t, owner[0].Controls, 2)
	scope, action, tok := tgui.Parse(owner[0].Controls[0].Data)
	assert.Equal(t, "order", scope)
	assert.Equal(t, "check", action)
	var ref CheckRef
	require.NoError(t, tokens.GetJSON(tok, &ref))
	assert.Equal(t, CheckRef{JobID: "job_1", OrderID: "555"}, ref)
	assert.Len(t, n.To(domain.AdminUserID), 1)
}

func TestPlaceFailure(t *testing.T) {
	p := &enginetest.Panel{Results: []domain.Result{{"error": "Not enough funds"}}}
	n := &enginetest.Notifier{}
	repo := repository.NewMemory(nil, nil)
	d := New(p, repo, n)

	o := d.Place(context.Background(), testJob(), nil)
	assert.False(t, o.Success)
	assert.Equal(t, "Not enough funds", o.Error())

	cnt := repo.Counters()
	assert.Equal(t, int64(1), cnt.TotalOrders)
	assert.Equal(t, int64(1), cnt.FailedOrders)
	assert.Zero(t, cnt.TotalSpent)

	owner := n.To("alice")
	require.Len(t, owner, 1)
	require.Len(t, owner[0].Controls, 1)
	assert.Equal(t, "order:retry:job_1", owner[0].Controls[0].Data)
	assert.Len(t, n.To(domain.AdminUserID), 1)
}

func TestUnexpectedShapeIsFailure(t *testing.T) {
	p := &enginetest.Panel{Results: []domain.Result{{"status": "ok"}}}
	d := New(p, repository.NewMemory(nil, nil), nil)
	o := d.Place(context.Background(), testJob(), nil)
	assert.False(t, o.Success)
	assert.Equal(t, "unexpected panel response", o.Error())
}
