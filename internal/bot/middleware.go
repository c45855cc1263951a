package bot

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware decorates a handler. The first one passed to wrap runs outermost.
type Middleware func(next HandlerFunc) HandlerFunc

// slowRequest is the duration above which successful requests log at info.
const slowRequest = 750 * time.Millisecond

func wrap(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := range mws {
		h = mws[len(mws)-1-i](h)
	}
	return h
}

// standardChain is what every command and callback runs through. A zero
// timeout falls back to the router default.
func (r *Router) standardChain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = r.timeout
	}
	return wrap(h, recoverPanics, logRequests, deadline(timeout))
}

func deadline(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func recoverPanics(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if v := recover(); v != nil {
				req.Logger.Error("handler panicked", logx.Panic(v, debug.Stack()))
				err = errors.Newf("handler panicked: %v", v)
			}
		}()
		return next(ctx, req)
	}
}

func logRequests(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		began := time.Now()
		err := next(ctx, req)
		took := time.Since(began)

		log := req.Logger.With(logx.String("kind", string(req.Update.Kind)), logx.Duration("took", took))
		switch {
		case err != nil:
			log.Warn("request failed", logx.Err(err))
		case took >= slowRequest:
			log.Info("slow request")
		default:
			log.Debug("request handled")
		}
		return err
	}
}
