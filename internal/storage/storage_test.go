package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

func sampleSnapshot() Snapshot {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	stoppedAt := at.Add(time.Hour)
	return Snapshot{
		Jobs: []*domain.Job{
			{
				ID: "job_b", UserID: "alice", APIURL: "https://panel.example/api/v2", APIKey: "k1",
				ServiceID: "101", Link: "https://example.com/p/1", Quantity: 120,
				Growth: domain.Growth{Min: 10, Max: 20}, Frequency: 5, NextRun: at, StartedAt: at,
				BulkGroupID: "bulk_1",
				History: []domain.Order{{Timestamp: at, Quantity: 100, Result: domain.Result{"order": 77.0}}},
			},
			{
				ID: "job_a", UserID: "bob", APIURL: "https://panel.example/api/v2", APIKey: "k2",
				ServiceID: "102", Link: "https://example.com/p/2", Quantity: 50,
				Growth: domain.Growth{Min: 5, Max: 5}, Frequency: 10, NextRun: at, StartedAt: at,
				Stopped: true, StoppedAt: &stoppedAt, StoppedReason: "Too many errors: boom", ErrorCount: 6,
				History: []domain.Order{},
			},
		},
		Users: map[string]*domain.User{
			"alice": {
				ID: "alice", TelegramID: 1001, CreatedAt: at,
				APIProfiles: map[string]domain.APIProfile{"main": {URL: "https://panel.example/api/v2", Key: "k1"}},
				Templates:   []domain.Template{},
				Orders:      []domain.OrderRecord{},
			},
		},
		Counters: domain.Counters{TotalOrders: 3, SuccessfulOrders: 2, FailedOrders: 1, TotalSpent: 0.25, Last24hOrders: 3},
	}
}

func TestDriversRoundTrip(t *testing.T) {
	drivers := []struct {
		name string
		path func(dir string) string
	}{
		{"file", func(dir string) string { return dir }},
		{"sqlite", func(dir string) string { return filepath.Join(dir, "smmbot.db") }},
		{"badger", func(dir string) string { return filepath.Join(dir, "badger") }},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := Config{Driver: d.name, Path: d.path(t.TempDir())}

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)

			empty, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty.Jobs)
			assert.Empty(t, empty.Users)

			want := sampleSnapshot()
			require.NoError(t, st.Save(ctx, want))
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			got, err := st.Load(ctx)
			require.NoError(t, err)
			require.Len(t, got.Jobs, 2)
			assert.Equal(t, "job_b", got.Jobs[0].ID, "job order must survive a reload")
			assert.Equal(t, want.Jobs, got.Jobs)
			assert.Equal(t, want.Users, got.Users)
			assert.Equal(t, want.Counters, got.Counters)
		})
	}
}

func TestFileStoreSaveReplacesCollections(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, st.Save(ctx, snap))
	snap.Jobs = snap.Jobs[:1]
	require.NoError(t, st.Save(ctx, snap))

	for _, name := range []string{"jobs", "users", "counters"} {
		_, err := os.Stat(filepath.Join(dir, name+".json"))
		assert.NoError(t, err, name)
		_, err = os.Stat(filepath.Join(dir, "tmp", name+".json.tmp"))
		assert.True(t, os.IsNotExist(err), "temp file for %s should be renamed away", name)
	}

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Jobs, 1)
}

func TestFileStoreRecoversFromTempFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, sampleSnapshot()))

	// Simulate a crash after delete, before rename.
	final := filepath.Join(dir, "jobs.json")
	b, err := os.ReadFile(final)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp", "jobs.json.tmp"), b, 0o600))
	require.NoError(t, os.Remove(final))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Jobs, 2)
}

func TestFileStoreCorruptCollection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.json"), []byte("{not json"), 0o600))

	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	_, err = st.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode jobs")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: t.TempDir()}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}
