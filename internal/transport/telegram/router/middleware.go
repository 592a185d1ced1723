package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Request is one parsed operator update travelling through the middleware chain.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // intent name, "text", "content" or "cb:<data>"
	Input   relay.Input
	ReqID   string
	Logger  logx.Logger

	// Result is filled in by the final handler.
	Result relay.Result
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// logger returns the request-scoped logger, or fallback before one is set.
func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return fallback
	}
	return r.Logger
}

// MWTimeout bounds the handler by the current value of d. A non-positive
// value leaves the context untouched.
func MWTimeout(d func() time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			limit := d()
			if limit <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.logger(log).Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("handler panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest promotes successful request logs from DEBUG to INFO.
const slowRequest = 750 * time.Millisecond

// MWRequestLog logs every request with the state it left the operator in.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.String("cmd", req.Command),
				logx.String("state", req.Result.State.String()),
				logx.Duration("dur", took),
			}
			if req.Result.Err != nil {
				fields = append(fields, logx.String("outcome", req.Result.Err.Error()))
			}
			l := req.logger(log)
			switch {
			case err != nil:
				l.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				l.Info("request ok (slow)", fields...)
			default:
				l.Debug("request ok", fields...)
			}
			return err
		}
	}
}
