package bot

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/pkg/logx"
)

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("/Jobs@smm_bot all 2")
	require.True(t, ok)
	assert.Equal(t, "jobs", name)
	assert.Equal(t, []string{"all", "2"}, args)

	name, args, ok = parseCommand("/start")
	require.True(t, ok)
	assert.Equal(t, "start", name)
	assert.Empty(t, args)

	_, _, ok = parseCommand("📋 My jobs")
	assert.False(t, ok)
}

func TestStandardChainRecoversPanics(t *testing.T) {
	r := &Router{log: logx.Nop()}
	h := r.standardChain(func(context.Context, *Request) error { panic("boom") }, 0)
	err := h(context.Background(), &Request{Logger: logx.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestStandardChainAppliesDeadline(t *testing.T) {
	r := &Router{log: logx.Nop()}
	var hasDeadline bool
	h := r.standardChain(func(ctx context.Context, _ *Request) error {
		_, hasDeadline = ctx.Deadline()
		return errors.New("failed")
	}, time.Second)
	require.Error(t, h(context.Background(), &Request{Logger: logx.Nop()}))
	assert.True(t, hasDeadline)
}

func TestNewReqIDIsShortAndUnique(t *testing.T) {
	a, b := newReqID(), newReqID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}
