package notifier

import (
	"hash/maphash"
	"slices"
	"strconv"
	"sync"
	"time"

	kit "smmbot/internal/transport"
)

var dedupSeed = maphash.MakeSeed()

// dedupKey is n.Key when set, else a hash of chat and text.
func dedupKey(n kit.Notification) string {
	if n.Key != "" {
		return n.Key
	}
	var h maphash.Hash
	h.SetSeed(dedupSeed)
	h.WriteString(strconv.FormatInt(n.Target.ChatID, 10))
	h.WriteByte(0)
	h.WriteString(n.Text)
	return strconv.FormatUint(h.Sum64(), 36)
}

// dedupSet remembers keys until their window passes.
type dedupSet struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func newDedupSet() *dedupSet {
	return &dedupSet{until: map[string]time.Time{}, now: time.Now}
}

// admit reports whether key is new within window, and records it. When the
// set grows past limit the entries closest to expiry go first.
func (d *dedupSet) admit(key string, window time.Duration, limit int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.until[key]; ok && now.Before(exp) {
		return false
	}
	d.until[key] = now.Add(window)

	for k, exp := range d.until {
		if !now.Before(exp) {
			delete(d.until, k)
		}
	}
	if over := len(d.until) - limit; over > 0 {
		keys := make([]string, 0, len(d.until))
		for k := range d.until {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(a, b string) int { return d.until[a].Compare(d.until[b]) })
		for _, k := range keys[:over] {
			delete(d.until, k)
		}
	}
	return true
}
