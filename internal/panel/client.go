// Package panel talks to SMM panel HTTP APIs.
//
// Every call is a form-encoded POST carrying key, action and format=json.
// Failures never surface as Go errors: they come back as a Result with an
// "error" field, which callers treat as an ordinary failed order.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

const (
	DefaultUserAgent = "SMM-Automation-Bot/1.0"

	ErrTimedOut    = "Connection timed out"
	ErrConnection  = "Connection error"
	ErrUnavailable = "Panel unavailable"

	redacted = "***REDACTED***"
)

// Client performs panel API calls.
type Client interface {
	Call(ctx context.Context, apiURL, key, action string, params map[string]string) domain.Result
}

// Observer receives one record per call. outcome is one of "ok", "error",
// "transport" or "short_circuit".
type Observer interface {
	ObservePanelCall(action, outcome string, d time.Duration)
}

type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UserAgent      string
	Breaker        *Breaker
	Observer       Observer
	Logger         logx.Logger
}

type HTTPClient struct {
	hc       *http.Client
	ua       string
	breaker  *Breaker
	observer Observer
	log      logx.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPClient{
		hc:       &http.Client{Transport: tr, Timeout: opts.ConnectTimeout + opts.ReadTimeout},
		ua:       opts.UserAgent,
		breaker:  opts.Breaker,
		observer: opts.Observer,
		log:      opts.Logger.With(logx.Component("panel")),
	}
}

func (c *HTTPClient) Call(ctx context.Context, apiURL, key, action string, params map[string]string) domain.Result {
	start := time.Now()
	if !c.breaker.Allow(apiURL) {
		c.observe(action, "short_circuit", start)
		c.log.Warn("panel short-circuited", logx.String("url", apiURL), logx.String("action", action))
		return domain.Result{"error": ErrUnavailable}
	}

	form := url.Values{}
	form.Set("key", key)
	form.Set("action", action)
	form.Set("format", "json")
	for k, v := range params {
		form.Set(k, v)
	}
	if c.log.Enabled(logx.LevelDebug) {
		c.log.Debug("panel request", logx.String("url", apiURL), logx.String("payload", redactedPayload(form)))
	}

	res, transportFail := c.do(ctx, apiURL, form)
	c.breaker.Record(apiURL, !transportFail)

	switch {
	case transportFail:
		c.observe(action, "transport", start)
	case res["error"] != nil:
		c.observe(action, "error", start)
	default:
		c.observe(action, "ok", start)
	}
	return res
}

// do returns the panel result and whether the failure was at the transport
// level (counted by the breaker) rather than a panel-side refusal.
func (c *HTTPClient) do(ctx context.Context, apiURL string, form url.Values) (domain.Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Result{"error": err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.hc.Do(req)
	if err != nil {
		msg := classify(err)
		c.log.Info("panel call failed", logx.String("url", apiURL), logx.String("reason", msg), logx.Err(err))
		return domain.Result{"error": msg}, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		msg := classify(err)
		return domain.Result{"error": msg}, true
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Info("panel http error", logx.String("url", apiURL), logx.Int("status", resp.StatusCode))
		return domain.Result{"error": fmt.Sprintf("HTTP Error: %d", resp.StatusCode)}, resp.StatusCode >= 500
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		c.log.Info("panel returned invalid json", logx.String("url", apiURL), logx.Err(err))
		return domain.Result{"error": "Invalid JSON response: " + err.Error()}, true
	}
	if m, ok := v.(map[string]any); ok {
		return domain.Result(m), false
	}
	// Some actions (services) answer with a bare array.
	return domain.Result{"data": v}, false
}

func classify(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return ErrTimedOut
	}
	var ue *url.Error
	var oe *net.OpError
	if errors.As(err, &oe) || errors.As(err, &ue) {
		return ErrConnection
	}
	return err.Error()
}

func redactedPayload(form url.Values) string {
	safe := make(map[string]string, len(form))
	for k := range form {
		safe[k] = form.Get(k)
	}
	if _, ok := safe["key"]; ok {
		safe["key"] = redacted
	}
	b, _ := json.Marshal(safe)
	return string(b)
}

func (c *HTTPClient) observe(action, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObservePanelCall(action, outcome, time.Since(start))
	}
}
