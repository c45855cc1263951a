// Package enginetest provides in-memory fakes of the panel and notifier for
// tests of the engine packages.
package enginetest

import (
	"context"
	"sync"

	"smmbot/internal/domain"
	"smmbot/internal/notifier"
)

// PanelCall is one recorded panel request.
type PanelCall struct {
	URL    string
	Key    string
	Action string
	Params map[string]string
}

// Panel answers calls from a script. Respond, when set, takes precedence;
// otherwise queued results are returned in order and the last one repeats.
type Panel struct {
	mu      sync.Mutex
	Calls   []PanelCall
	Results []domain.Result
	Respond func(c PanelCall) domain.Result
	// Panic makes every call panic with this value when non-nil.
	Panic any
}

func (p *Panel) Call(_ context.Context, url, key, action string, params map[string]string) domain.Result {
	p.mu.Lock()
	c := PanelCall{URL: url, Key: key, Action: action, Params: params}
	p.Calls = append(p.Calls, c)
	respond, panicVal := p.Respond, p.Panic
	var res domain.Result
	if len(p.Results) > 0 {
		res = p.Results[0]
		if len(p.Results) > 1 {
			p.Results = p.Results[1:]
		}
	}
	p.mu.Unlock()

	if panicVal != nil {
		panic(panicVal)
	}
	if respond != nil {
		return respond(c)
	}
	if res == nil {
		return domain.Result{"order": 1.0}
	}
	return res.Clone()
}

func (p *Panel) CallCount(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if action == "" || c.Action == action {
			n++
		}
	}
	return n
}

// Message is one recorded notification.
type Message struct {
	UserID   string
	Text     string
	Controls []notifier.Control
}

// Notifier records messages instead of sending them.
type Notifier struct {
	mu   sync.Mutex
	Msgs []Message
	// Fail makes Send report non-delivery.
	Fail bool
}

func (n *Notifier) Send(userID, text string, controls []notifier.Control) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Msgs = append(n.Msgs, Message{UserID: userID, Text: text, Controls: controls})
	return !n.Fail
}

func (n *Notifier) Admin(text string) bool {
	return n.Send(domain.AdminUserID, text, nil)
}

// To returns the messages addressed to userID.
func (n *Notifier) To(userID string) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Message
	for _, m := range n.Msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	n.Msgs = nil
	n.mu.Unlock()
}
