package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Handler consumes parsed operator input. *relay.Machine implements it.
type Handler interface {
	Handle(ctx context.Context, in relay.Input) relay.Result
}

type Options struct {
	// QueueSize bounds the pending inputs of one operator.
	QueueSize int
	// Timeout bounds one Handle call. Broadcast fan-out is detached and
	// not affected.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{QueueSize: 64, Timeout: time.Minute}
}

const replyTimeout = 15 * time.Second

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	handler Handler
	opts    Options
	now     func() time.Time

	timeout atomic.Int64 // time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	lanes   map[int64]*lane
}

// lane is the serial queue of one operator. It lives while the operator
// has pending input and retires when drained.
type lane struct {
	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, h Handler, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		handler: h,
		opts:    opts,
		now:     time.Now,
	}
	r.timeout.Store(int64(opts.Timeout))
	return r
}

// SetTimeout updates the per-request timeout. Safe to call during hot-reload.
func (r *Router) SetTimeout(d time.Duration) { r.timeout.Store(int64(d)) }

func (r *Router) currentTimeout() time.Duration { return time.Duration(r.timeout.Load()) }

// Supervisor returns the router's internal supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

// RegisterMenu publishes the slash command list when the adapter supports it.
func (r *Router) RegisterMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, menuCommands())
}

// enqueue appends fn to the operator's lane, starting the lane if idle.
// It reports false when the router is stopped or the lane is full.
func (r *Router) enqueue(op int64, fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return false
	}
	l, ok := r.lanes[op]
	if !ok {
		l = &lane{jobs: make(chan func(), r.opts.QueueSize)}
		r.lanes[op] = l
		r.sup.Go0("router.lane."+strconv.FormatInt(op, 10), func(c context.Context) {
			r.runLane(c, op, l)
		})
	}
	select {
	case l.jobs <- fn:
		return true
	default:
		return false
	}
}

// runLane executes one operator's jobs in arrival order. A slow job only
// delays that operator.
func (r *Router) runLane(ctx context.Context, op int64, l *lane) {
	for {
		select {
		case <-ctx.Done():
			r.runMu.Lock()
			if r.lanes[op] == l {
				delete(r.lanes, op)
			}
			r.runMu.Unlock()
			return
		case job := <-l.jobs:
			r.runJob(op, job)
		default:
			// Sends happen under runMu, so an empty queue seen here stays
			// empty once the lane is unregistered.
			r.runMu.Lock()
			if len(l.jobs) > 0 {
				r.runMu.Unlock()
				continue
			}
			delete(r.lanes, op)
			r.runMu.Unlock()
			return
		}
	}
}

func (r *Router) runJob(op int64, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router job", logx.Int64("from_id", op), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// activeLanes is the number of operators with a running lane.
func (r *Router) activeLanes() int {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return len(r.lanes)
}

// DispatchLoop reads updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)

	r.runMu.Lock()
	r.sup = sup
	r.lanes = map[int64]*lane{}
	r.running = true
	r.runMu.Unlock()

	r.log.Info("dispatcher started", logx.Int("queue_cap", r.opts.QueueSize))

	sup.Go0("telegram.menu.update", func(c context.Context) {
		if err := r.RegisterMenu(c); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	})

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()

		// Lanes finish their queued input and retire.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(root context.Context, up kit.Update) {
	in, ok := parseUpdate(up, r.now())
	if !ok {
		if up.Kind == kit.UpdateCallback && up.Callback != nil {
			_ = r.adapter.AnswerCallback(root, up.Callback.ID, "")
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: in.ChatID},
		FromID:  in.Operator,
		Command: commandName(in),
		Input:   in,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", in.ChatID),
			logx.Int64("from_id", in.Operator),
		),
	}

	final := Chain(
		r.handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.currentTimeout),
	)

	cb := up.Callback
	job := func() {
		_ = final(root, req)
		if cb != nil {
			// best-effort to stop "loading" UI
			_ = r.adapter.AnswerCallback(root, cb.ID, "")
		}
	}
	if r.enqueue(in.Operator, job) {
		return
	}
	if cb != nil {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
		return
	}
	_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again in a moment.", nil)
}

// handle runs the state machine and sends its replies in order.
func (r *Router) handle(ctx context.Context, req *Request) error {
	req.Result = r.handler.Handle(ctx, req.Input)

	// Replies outlive the request timeout: a broadcast may take longer than it.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	for _, rep := range req.Result.Replies {
		if rep.Text == "" {
			continue
		}
		opt := &kit.SendOptions{DisablePreview: true}
		if rm := markupFor(rep); rm != nil {
			opt.ReplyMarkupAdapter = rm
		}
		if _, err := r.adapter.SendText(sctx, req.Chat, rep.Text, opt); err != nil {
			return err
		}
	}
	return nil
}
