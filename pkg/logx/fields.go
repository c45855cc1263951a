package logx

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Field adds one key to a record. Fields apply in order, so a later key wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err records err under "err". Hints attached with errors.WithHint go to
// "hint". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err == nil {
			return
		}
		e.AnErr(zerolog.ErrorFieldName, err)
		if h := errors.FlattenHints(err); h != "" {
			e.Str("hint", h)
		}
	}
}

// Panic records a recovered value and the stack captured with it.
func Panic(r any, stack []byte) Field {
	return func(e *zerolog.Event) {
		e.Interface("panic", r)
		if s := strings.TrimSpace(string(stack)); s != "" {
			e.Str("stack", s)
		}
	}
}

// Keys shared by every component.

func Component(name string) Field { return String("comp", name) }

func JobID(id string) Field { return String("job_id", id) }

func UserID(id string) Field { return String("user_id", id) }

func ChatID(id int64) Field { return Int64("chat_id", id) }
