package notifier

import "time"

// Config controls the async pipeline. Zero values take defaults.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages to the same chat. 0 disables.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Control is one inline action offered with a notification.
type Control struct {
	Label string
	Data  string
}

// Directory resolves engine user ids to chat ids.
type Directory interface {
	ChatID(userID string) (int64, bool)
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}
