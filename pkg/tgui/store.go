package tgui

import (
	"container/list"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrTokenNotFound = errors.New("tgui: token not found")

const (
	defaultTokenTTL = 15 * time.Minute
	defaultTokenMax = 5000
)

// TokenStore keeps payloads too large for callback_data server-side behind
// short tokens. It also holds caller-chosen keys such as one-time codes.
//
// Entries share one TTL, so insertion order is also expiry order: expired
// entries are trimmed from the front and, past the size cap, so are the
// oldest live ones.
type TokenStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	order *list.List
	index map[string]*list.Element
}

type stored struct {
	key string
	val []byte
	exp time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		ttl:   defaultTokenTTL,
		max:   defaultTokenMax,
		now:   time.Now,
		order: list.New(),
		index: map[string]*list.Element{},
	}
}

func (s *TokenStore) WithTTL(ttl time.Duration) *TokenStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *TokenStore) WithMax(n int) *TokenStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.max = n
	}
	return s
}

func (s *TokenStore) WithClock(now func() time.Time) *TokenStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// PutBytes stores b under a fresh token: "~" followed by 8 base64url chars.
// Tokens never contain ':' so they survive callback data parsing.
func (s *TokenStore) PutBytes(b []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := newToken()
	for s.index[tok] != nil {
		tok = newToken()
	}
	s.putLocked(tok, b)
	return tok
}

func newToken() string {
	var raw [6]byte
	_, _ = rand.Read(raw[:])
	return "~" + base64.RawURLEncoding.EncodeToString(raw[:])
}

func (s *TokenStore) PutJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "tgui: encode payload")
	}
	return s.PutBytes(b), nil
}

// Set stores b under key, replacing any previous value and restarting its
// TTL.
func (s *TokenStore) Set(key string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, b)
}

func (s *TokenStore) putLocked(key string, b []byte) {
	now := s.now()
	if el := s.index[key]; el != nil {
		s.order.Remove(el)
	}
	s.index[key] = s.order.PushBack(&stored{key: key, val: append([]byte(nil), b...), exp: now.Add(s.ttl)})
	s.trimLocked(now)
}

// trimLocked drops expired entries, then the oldest ones over the cap.
func (s *TokenStore) trimLocked(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		e := el.Value.(*stored)
		if now.Before(e.exp) && s.order.Len() <= s.max {
			return
		}
		s.order.Remove(el)
		delete(s.index, e.key)
	}
}

func (s *TokenStore) GetBytes(tok string) ([]byte, bool) { return s.lookup(tok, false) }

// Take returns and removes the value, so it can be used once.
func (s *TokenStore) Take(tok string) ([]byte, bool) { return s.lookup(tok, true) }

func (s *TokenStore) GetJSON(tok string, out any) error {
	b, ok := s.GetBytes(tok)
	if !ok {
		return ErrTokenNotFound
	}
	return errors.Wrap(json.Unmarshal(b, out), "tgui: decode payload")
}

func (s *TokenStore) lookup(tok string, consume bool) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.index[tok]
	if el == nil {
		return nil, false
	}
	e := el.Value.(*stored)
	if expired := !s.now().Before(e.exp); expired || consume {
		s.order.Remove(el)
		delete(s.index, tok)
		if expired {
			return nil, false
		}
	}
	return append([]byte(nil), e.val...), true
}
