package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(Component("scheduler"))
	child := base.With(JobID("job_1"))

	child.Info("fired", Int("quantity", 120), UserID("alice"))
	base.Warn("tick slow", Duration("took", 2*time.Second))

	recs := decode(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "fired", recs[0]["message"])
	assert.Equal(t, "scheduler", recs[0]["comp"])
	assert.Equal(t, "job_1", recs[0]["job_id"])
	assert.Equal(t, "alice", recs[0]["user_id"])
	assert.EqualValues(t, 120, recs[0]["quantity"])
	assert.Contains(t, recs[0]["caller"], "logx_test.go:")

	_, leaked := recs[1]["job_id"]
	assert.False(t, leaked, "With must not modify the parent")
	assert.Equal(t, "warn", recs[1]["level"])
}

func TestLoggerLevelAndZero(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	l.Error("kept")
	assert.False(t, l.Enabled(LevelDebug))
	assert.True(t, l.Enabled(LevelError))
	assert.Len(t, decode(t, &buf), 1)

	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("nobody listens")
	assert.False(t, Nop().IsZero())
}

func TestErrFieldCarriesHints(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug")
	err := errors.WithHint(errors.New("bad growth"), "growth must be 0-100")
	l.Warn("rejected", Err(err), Err(nil))

	recs := decode(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "bad growth", recs[0]["err"])
	assert.Equal(t, "growth must be 0-100", recs[0]["hint"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("WARNING", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("", LevelInfo))
	assert.Equal(t, LevelError, parseLevel("loud", LevelError))
}

func TestDailyFileRolls(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 3, 1, 23, 59, 0, 0, time.Local)
	s, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Dir: dir, Prefix: "bot"}})
	s.file.now = func() time.Time { return day }

	log.Info("first")
	day = day.Add(2 * time.Minute)
	log.Info("second")
	require.NoError(t, s.Close())

	first, err := os.ReadFile(filepath.Join(dir, "bot_2025-03-01.log"))
	require.NoError(t, err)
	assert.Contains(t, string(first), `"message":"first"`)
	second, err := os.ReadFile(filepath.Join(dir, "bot_2025-03-02.log"))
	require.NoError(t, err)
	assert.Contains(t, string(second), `"message":"second"`)
}

type adminRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *adminRecorder) SendAdmin(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *adminRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestAdminSinkForwardsSevereRecords(t *testing.T) {
	rec := &adminRecorder{}
	s, log := New(Config{Level: "debug", Admin: AdminConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}})
	s.SetAdminSender(rec)
	defer s.Close()

	log.With(Component("dispatch")).Warn("slow panel")
	log.With(Component("dispatch")).Error("order failed", JobID("job_1"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	msg := rec.snapshot()[0]
	assert.True(t, strings.HasPrefix(msg, "🔴 ERROR order failed"), msg)
	assert.Contains(t, msg, "\ncomp: dispatch")
	assert.Contains(t, msg, "\njob_id: job_1")
	assert.NotContains(t, msg, "slow panel")
}

func TestAdminTextFallsBackToRaw(t *testing.T) {
	assert.Equal(t, "not json", adminText([]byte("not json\n")))
	long := adminText([]byte(`{"level":"error","message":"` + strings.Repeat("x", 5000) + `"}`))
	assert.Len(t, long, adminMaxLen)
	assert.True(t, strings.HasSuffix(long, "..."))
}
