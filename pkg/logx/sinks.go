package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	adminQueueSize = 128
	adminMaxLen    = 3500
)

// dailyFile appends to Dir/<Prefix>_<day>.log and rolls at midnight local
// time. Write errors go to stderr; logging never fails the caller.
type dailyFile struct {
	mu     sync.Mutex
	dir    string
	prefix string
	now    func() time.Time

	f   *os.File
	day string
}

func (d *dailyFile) configure(cfg FileConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, prefix := strings.TrimSpace(cfg.Dir), strings.TrimSpace(cfg.Prefix)
	if dir == "" {
		dir = "./logs"
	}
	if prefix == "" {
		prefix = "smmbot"
	}
	if dir != d.dir || prefix != d.prefix {
		d.closeLocked()
	}
	d.dir, d.prefix = dir, prefix
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rollLocked(); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		return len(p), nil
	}
	return d.f.Write(p)
}

func (d *dailyFile) rollLocked() error {
	day := d.now().Format(time.DateOnly)
	if d.f != nil && d.day == day {
		return nil
	}
	d.closeLocked()
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir %q: %w", d.dir, err)
	}
	path := filepath.Join(d.dir, d.prefix+"_"+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	d.f, d.day = f, day
	return nil
}

func (d *dailyFile) closeLocked() {
	if d.f != nil {
		_ = d.f.Close()
		d.f, d.day = nil, ""
	}
}

func (d *dailyFile) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f, d.day = nil, ""
	return err
}

// adminSink forwards severe records to the admin chat through a bounded
// queue. Records beyond the rate limit or a full queue are dropped.
type adminSink struct {
	mu       sync.Mutex
	sender   AdminSender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	start  sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAdminSink() *adminSink {
	return &adminSink{queue: make(chan string, adminQueueSize), minLevel: LevelError}
}

func (a *adminSink) setSender(s AdminSender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *adminSink) configure(cfg AdminConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.minLevel = parseLevel(cfg.MinLevel, LevelError)
	a.mu.Unlock()
	if cfg.Enabled {
		a.start.Do(a.run)
	}
}

func (a *adminSink) run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-a.queue:
				a.mu.Lock()
				sender := a.sender
				a.mu.Unlock()
				if sender == nil {
					continue
				}
				sctx, done := context.WithTimeout(ctx, 10*time.Second)
				_ = sender.SendAdmin(sctx, msg)
				done()
			}
		}
	}()
}

func (a *adminSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *adminSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && level >= a.minLevel && a.limiter != nil && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := adminText(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

func (a *adminSink) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

var levelBadge = map[string]string{
	"warn":  "⚠️",
	"error": "🔴",
	"fatal": "💀",
	"panic": "💀",
}

// adminText renders one JSON record as a short chat message:
//
//	🔴 ERROR order failed
//	comp: dispatch
//	job_id: job_1
func adminText(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), adminMaxLen)
	}
	lvl, _ := rec[zerolog.LevelFieldName].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)

	var b strings.Builder
	if badge := levelBadge[lvl]; badge != "" {
		b.WriteString(badge + " ")
	}
	if lvl != "" {
		b.WriteString(strings.ToUpper(lvl) + " ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(rec[k]), limit))
	}
	return clip(b.String(), adminMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
