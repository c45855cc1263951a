// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import "time"

// Sink records engine metrics. Implementations must not block or return
// errors to the caller.
type Sink interface {
	TickCompleted(d time.Duration, fired int)
	OrderPlaced(success bool, quantity int)
	JobStopped(reason string)
	JobStates(active, paused, stopped int)
	ObservePanelCall(action, outcome string, d time.Duration)
	NotificationDelivered(outcome string)
}

// Stop reasons for JobStopped.
const (
	StopByOwner  = "owner"
	StopByAdmin  = "admin"
	StopByErrors = "errors"
)

// Notification outcomes.
const (
	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifyDropped = "dropped"
	NotifyDeduped = "deduped"
)

type Noop struct{}

func (Noop) TickCompleted(time.Duration, int) {}
func (Noop) OrderPlaced(bool, int) {}
func (Noop) JobStopped(string) {}
func (Noop) JobStates(int, int, int) {}
func (Noop) ObservePanelCall(string, string, time.Duration) {}
func (Noop) NotificationDelivered(string) {}

var _ Sink = Noop{}
