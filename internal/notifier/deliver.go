package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"smmbot/internal/metrics"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) work(ctx context.Context, queue <-chan kit.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-queue:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

// deliver makes up to 1+RetryMax attempts, each gated by the shared limiter.
func (s *Service) deliver(ctx context.Context, n kit.Notification) {
	if s.sender == nil || n.Text == "" {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var err error
	for attempt := 1; ; attempt++ {
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.sender.SendText(sctx, n.Target, n.Text, n.Options)
		cancel()
		if err == nil {
			s.remember(n.Target.ChatID, n.Text)
			s.sink.NotificationDelivered(metrics.NotifySent)
			return
		}
		if attempt > cfg.RetryMax {
			break
		}
		s.log.Debug("send failed, retrying", logx.Int("attempt", attempt), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(cfg, attempt)):
		}
	}
	s.sink.NotificationDelivered(metrics.NotifyFailed)
	s.log.Warn("notification not delivered", logx.ChatID(n.Target.ChatID), logx.Err(err))
}

// retryDelay is the wait after the given failed attempt: RetryBase doubled
// per attempt, scaled by a random 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 20)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}
