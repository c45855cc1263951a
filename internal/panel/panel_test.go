package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smmbot/pkg/logx"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObservePanelCall(action, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, action+":"+outcome)
}

func TestCallSendsFormAndDecodesJSON(t *testing.T) {
	var got http.Header
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		got = r.Header.Clone()
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		_, _ = fmt.Fprint(w, `{"order": 12345}`)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c := NewHTTPClient(Options{Observer: obs, Logger: logx.Nop()})
	res := c.Call(context.Background(), srv.URL, "secret", "add", map[string]string{
		"service": "101", "link": "https://example.com/p", "quantity": "100",
	})

	id, ok := res.OrderID()
	require.True(t, ok)
	assert.Equal(t, "12345", id)
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Get("Content-Type"))
	assert.Equal(t, map[string]string{
		"key": "secret", "action": "add", "format": "json",
		"service": "101", "link": "https://example.com/p", "quantity": "100",
	}, form)
	assert.Equal(t, []string{"add:ok"}, obs.outcomes)
}

func TestCallErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"non-200", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }, "HTTP Error: 502"},
		{"panel refusal", func(w http.ResponseWriter, _ *http.Request) { _, _ = fmt.Fprint(w, `{"error":"Not enough funds"}`) }, "Not enough funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			res := NewHTTPClient(Options{}).Call(context.Background(), srv.URL, "k", "add", nil)
			msg, ok := res.Error()
			require.True(t, ok)
			assert.Equal(t, tt.want, msg)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, "<html>maintenance</html>")
		}))
		defer srv.Close()
		res := NewHTTPClient(Options{}).Call(context.Background(), srv.URL, "k", "add", nil)
		msg, _ := res.Error()
		assert.Contains(t, msg, "Invalid JSON response: ")
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}))
		defer srv.Close()
		c := NewHTTPClient(Options{ReadTimeout: 50 * time.Millisecond})
		res := c.Call(context.Background(), srv.URL, "k", "add", nil)
		msg, _ := res.Error()
		assert.Equal(t, ErrTimedOut, msg)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		res := NewHTTPClient(Options{}).Call(context.Background(), addr, "k", "add", nil)
		msg, _ := res.Error()
		assert.Equal(t, ErrConnection, msg)
	})
}

func TestBareArrayIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `[{"service":1}]`)
	}))
	defer srv.Close()
	res := NewHTTPClient(Options{}).Call(context.Background(), srv.URL, "k", "services", nil)
	assert.Len(t, res["data"], 1)
}

func TestBreakerShortCircuitsFailingPanel(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	br := NewBreaker(2, time.Minute)
	obs := &recordingObserver{}
	c := NewHTTPClient(Options{Breaker: br, Observer: obs})

	for i := 0; i < 3; i++ {
		c.Call(context.Background(), srv.URL, "k", "add", nil)
	}
	res := c.Call(context.Background(), srv.URL, "k", "add", nil)
	msg, _ := res.Error()
	assert.Equal(t, ErrUnavailable, msg)
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, br.OpenCount())
	assert.Equal(t, []string{"add:transport", "add:transport", "add:short_circuit", "add:short_circuit"}, obs.outcomes)
}

func TestBreakerHalfOpen(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	br := NewBreaker(1, 10*time.Second)
	br.now = func() time.Time { return now }

	require.True(t, br.Allow("p"))
	br.Record("p", false)
	assert.False(t, br.Allow("p"))

	now = now.Add(11 * time.Second)
	assert.True(t, br.Allow("p"), "probe after cooldown")
	assert.False(t, br.Allow("p"), "only one probe at a time")

	br.Record("p", false)
	now = now.Add(11 * time.Second)
	assert.False(t, br.Allow("p"), "second trip doubles the cooldown")

	now = now.Add(10 * time.Second)
	require.True(t, br.Allow("p"))
	br.Record("p", true)
	assert.True(t, br.Allow("p"))
	assert.Equal(t, 0, br.OpenCount())

	var nilBreaker *Breaker
	assert.True(t, nilBreaker.Allow("x"))
}

func TestRedactedPayload(t *testing.T) {
	form := map[string][]string{"key": {"secret"}, "action": {"balance"}}
	s := redactedPayload(form)
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, redacted)
}
