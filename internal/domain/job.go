package domain

import (
	"time"
)

// Growth is the percentage range applied to a job's quantity on every fire.
type Growth struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports 0 <= Min <= Max <= 100.
func (g Growth) Valid() bool {
	return g.Min >= 0 && g.Min <= g.Max && g.Max <= 100
}

// Order is one entry of a job's history.
type Order struct {
	Timestamp time.Time `json:"timestamp"`
	Quantity  int       `json:"quantity"`
	Result    Result    `json:"result"`
}

// Result is the raw panel reply.
type Result map[string]any

// OrderID returns the "order" field rendered as a string.
func (r Result) OrderID() (string, bool) {
	v, ok := r["order"]
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Error returns the "error" field when present.
func (r Result) Error() (string, bool) {
	v, ok := r["error"]
	if !ok {
		return "", false
	}
	return stringify(v), true
}

// Field returns any reply field rendered as a string.
func (r Result) Field(name string) (string, bool) {
	v, ok := r[name]
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Job is a recurring automation of one (service, link) pair.
type Job struct {
	ID     string `json:"job_id"`
	UserID string `json:"user_id"`

	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	ServiceID string `json:"service_id"`
	Link      string `json:"link"`

	Quantity  int       `json:"quantity"`
	Growth    Growth    `json:"increase_range"`
	Frequency int       `json:"frequency"`
	NextRun   time.Time `json:"next_run"`

	Paused     bool `json:"paused"`
	Stopped    bool `json:"stopped"`
	ErrorCount int  `json:"error_count"`

	StoppedReason string     `json:"stopped_reason,omitempty"`
	StoppedBy     string     `json:"stopped_by,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	ResumedAt     *time.Time `json:"resumed_at,omitempty"`

	BulkGroupID string `json:"bulk_group_id,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`

	History []Order `json:"orders"`
}

// MaxFrequency is the longest allowed interval between orders: one year,
// in minutes.
const MaxFrequency = 525600

// Interval is the time between two orders. Stored frequencies beyond
// MaxFrequency are treated as MaxFrequency.
func (j *Job) Interval() time.Duration {
	return time.Duration(min(max(j.Frequency, 0), MaxFrequency)) * time.Minute
}

// Active reports whether the scheduler should look at the job at all.
func (j *Job) Active() bool { return !j.Stopped && !j.Paused }

// Due reports whether an active job should fire at now.
func (j *Job) Due(now time.Time) bool {
	return j.Active() && !now.Before(j.NextRun)
}

// AppendHistory appends o and drops the oldest entries beyond limit.
// limit <= 0 keeps everything.
func (j *Job) AppendHistory(o Order, limit int) {
	j.History = append(j.History, o)
	if limit > 0 && len(j.History) > limit {
		j.History = append([]Order(nil), j.History[len(j.History)-limit:]...)
	}
}

// Clone returns a deep copy. Results are copied one level deep, which covers
// the flat JSON objects panels return.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.StoppedAt = cloneTime(j.StoppedAt)
	cp.PausedAt = cloneTime(j.PausedAt)
	cp.ResumedAt = cloneTime(j.ResumedAt)
	if j.History != nil {
		cp.History = make([]Order, len(j.History))
		for i, o := range j.History {
			o.Result = o.Result.Clone()
			cp.History[i] = o
		}
	}
	return &cp
}

func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
