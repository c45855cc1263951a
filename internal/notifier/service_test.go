package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"smmbot/internal/metrics"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
)

type sent struct {
	chat int64
	text string
	opt  *kit.SendOptions
}

type fakeSender struct {
	mu       sync.Mutex
	msgs     []sent
	failures int
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("telegram: too many requests")
	}
	f.msgs = append(f.msgs, sent{chat: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type dirMap map[string]int64

func (d dirMap) ChatID(userID string) (int64, bool) {
	id, ok := d[userID]
	return id, ok
}

type countingSink struct {
	metrics.Noop
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingSink) NotificationDelivered(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func (c *countingSink) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

func newTestService(t *testing.T, cfg Config, sender *fakeSender, sink metrics.Sink) *Service {
	t.Helper()
	s := New(cfg, sender, sink, logx.Nop())
	s.SetDirectory(dirMap{"alice": 1001}, 9000)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSendRoutesToUserChatWithControls(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{RetryBase: time.Millisecond}, fs, nil)

	ok := s.Send("alice", "<b>Order placed</b>", []Control{
		{Label: "Check", Data: "order:check:~t"},
		{Label: "Job", Data: "job:view:job_1"},
		{Label: "Stop", Data: "job:stop:job_1"},
	})
	require.True(t, ok)
	assert.False(t, s.Send("nobody", "hi", nil), "unknown users are skipped")
	drain(t, s)

	msgs := fs.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1001), msgs[0].chat)
	assert.Equal(t, "<b>Order placed</b>", msgs[0].text)
	rm, isMarkup := msgs[0].opt.Markup.(*tele.ReplyMarkup)
	require.True(t, isMarkup)
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Len(t, rm.InlineKeyboard[0], 2)
	assert.Len(t, rm.InlineKeyboard[1], 1)
}

func TestAdminMessages(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{}, fs, nil)

	require.True(t, s.Admin("<b>job stopped</b>"))
	require.NoError(t, s.SendAdmin(context.Background(), "panic: x < y"))
	drain(t, s)

	msgs := fs.all()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, int64(9000), m.chat)
	}
	texts := []string{msgs[0].text, msgs[1].text}
	assert.Contains(t, texts, "panic: x &lt; y")
}

func TestRetryThenSucceed(t *testing.T) {
	fs := &fakeSender{failures: 2}
	sink := &countingSink{}
	s := newTestService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, fs, sink)

	require.True(t, s.Send("alice", "hello", nil))
	drain(t, s)

	assert.Len(t, fs.all(), 1)
	assert.Equal(t, 1, sink.count(metrics.NotifySent))
	assert.Len(t, s.Snapshot(), 1)
}

func TestRetryExhausted(t *testing.T) {
	fs := &fakeSender{failures: 5}
	sink := &countingSink{}
	s := newTestService(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, fs, sink)

	require.True(t, s.Send("alice", "hello", nil))
	drain(t, s)

	assert.Empty(t, fs.all())
	assert.Equal(t, 1, sink.count(metrics.NotifyFailed))
}

func TestDedupWindow(t *testing.T) {
	fs := &fakeSender{}
	sink := &countingSink{}
	s := newTestService(t, Config{DedupWindow: time.Minute}, fs, sink)

	require.True(t, s.Send("alice", "same", nil))
	require.True(t, s.Send("alice", "same", nil))
	require.True(t, s.Send("alice", "different", nil))
	drain(t, s)

	assert.Len(t, fs.all(), 2)
	assert.Equal(t, 1, sink.count(metrics.NotifyDeduped))
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(Config{}, &fakeSender{}, nil, logx.Nop())
	err := s.Notify(context.Background(), kit.Notification{Text: "x"})
	assert.ErrorIs(t, err, ErrStopped)

	s.Start(context.Background())
	drain(t, s)
	err = s.Notify(context.Background(), kit.Notification{Text: "x"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestDedupSetExpiryAndLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := newDedupSet()
	d.now = func() time.Time { return now }

	assert.True(t, d.admit("a", time.Minute, 10))
	assert.False(t, d.admit("a", time.Minute, 10))
	now = now.Add(time.Minute)
	assert.True(t, d.admit("a", time.Minute, 10), "window passed")

	now = now.Add(time.Second)
	assert.True(t, d.admit("b", time.Minute, 2))
	now = now.Add(time.Second)
	assert.True(t, d.admit("c", time.Minute, 2))
	assert.Len(t, d.until, 2)
	assert.NotContains(t, d.until, "a", "closest to expiry is evicted first")
}

func TestDedupKeyPrefersExplicitKey(t *testing.T) {
	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}
	assert.Equal(t, dedupKey(n), dedupKey(n))
	other := n
	other.Target.ChatID = 2
	assert.NotEqual(t, dedupKey(n), dedupKey(other))
	n.Key = "order:42"
	assert.Equal(t, "order:42", dedupKey(n))
}
