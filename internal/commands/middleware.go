package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "livebot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. The first middleware in a chain runs outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// slowCommand promotes the request log line from debug to info.
const slowCommand = 750 * time.Millisecond

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanic turns a handler panic into an error and an "internal error"
// reply, so one bad command cannot kill a worker.
func recoverPanic(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.logger(log).Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic in /%s %s: %v", Group, req.Command, r)
				req.Reply(ctx, "❌ internal error")
			}()
			return next(ctx, req)
		}
	}
}

func logRequest(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := req.logger(log).With(
				logx.String("chat", req.Update.Chat),
				logx.String("from", req.Update.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("took", took),
			)
			switch {
			case err != nil:
				l.Warn("command failed", logx.Err(err))
			case took >= slowCommand:
				l.Info("command slow")
			default:
				l.Debug("command ok")
			}
			return err
		}
	}
}
