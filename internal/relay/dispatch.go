package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Deliverer re-delivers previously received content to a channel.
type Deliverer interface {
	Redeliver(ctx context.Context, handle string, src transport.MessageRef) error
}

// TargetSelector picks the channels of a broadcast: every registered
// channel, or an explicit subset of handles.
type TargetSelector struct {
	All     bool
	Handles []string
}

func SelectAll() TargetSelector { return TargetSelector{All: true} }

func SelectHandles(handles ...string) TargetSelector {
	return TargetSelector{Handles: handles}
}

type Status string

const (
	StatusDelivered     Status = "delivered"
	StatusPartial       Status = "partial"
	StatusFailed        Status = "failed"
	StatusNothingToSend Status = "nothing_to_send"
)

// Failure is one (channel, message) pair that could not be delivered.
type Failure struct {
	Channel string
	Message StagedMessage
	Reason  string
}

// ChannelTally counts outcomes for one target channel.
type ChannelTally struct {
	Channel   Channel
	Succeeded int
	Failed    int
}

// Report aggregates the outcome of one broadcast. Failures keep attempt order.
type Report struct {
	ID        string
	Operator  int64
	Status    Status
	Attempted int
	Succeeded int
	Failures  []Failure
	Channels  []ChannelTally
	Started   time.Time
	Took      time.Duration
}

func (r Report) Failed() int { return r.Attempted - r.Succeeded }

// Dispatcher fans staged content out to an operator's channels.
type Dispatcher struct {
	registry  *Registry
	deliverer Deliverer
	log       logx.Logger

	limiter atomic.Pointer[rate.Limiter]
}

func NewDispatcher(reg *Registry, d Deliverer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{registry: reg, deliverer: d, log: log.With(logx.String("comp", "relay.dispatch"))}
}

// SetRate paces outbound deliveries to perSec attempts per second; 0 disables pacing.
func (d *Dispatcher) SetRate(perSec float64) {
	if perSec <= 0 {
		d.limiter.Store(nil)
		return
	}
	burst := max(1, int(perSec))
	d.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

// Resolve turns sel into target channels, in registry order.
// An explicit handle that is not registered fails validation.
func (d *Dispatcher) Resolve(ctx context.Context, op int64, sel TargetSelector) ([]Channel, error) {
	list, err := d.registry.List(ctx, op)
	if err != nil {
		return nil, err
	}
	if sel.All {
		return list, nil
	}

	registered := make(map[string]bool, len(list))
	for _, c := range list {
		registered[c.Handle] = true
	}
	want := make(map[string]bool, len(sel.Handles))
	for _, raw := range sel.Handles {
		h, err := NormalizeHandle(raw)
		if err != nil {
			return nil, err
		}
		if !registered[h] {
			return nil, invalid(DisplayHandle(h) + " is not one of your channels")
		}
		want[h] = true
	}
	out := make([]Channel, 0, len(want))
	for _, c := range list {
		if want[c.Handle] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Dispatch delivers every message to every selected channel. Messages are
// the outer loop (stored order), channels the inner loop (registry order).
// Each pair is attempted exactly once and a failure never stops the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, op int64, sel TargetSelector, msgs []StagedMessage) (Report, error) {
	started := time.Now()
	rep := Report{ID: uuid.NewString(), Operator: op, Started: started}

	targets, err := d.Resolve(ctx, op, sel)
	if err != nil {
		return rep, err
	}
	if len(targets) == 0 || len(msgs) == 0 {
		rep.Status = StatusNothingToSend
		return rep, nil
	}

	tallies := make([]ChannelTally, len(targets))
	for i, c := range targets {
		tallies[i].Channel = c
	}
	lim := d.limiter.Load()

	for _, msg := range msgs {
		src := transport.MessageRef{ChatID: msg.ChatID, MessageID: msg.MessageID}
		for i, c := range targets {
			rep.Attempted++
			err := d.attempt(ctx, lim, c.Handle, src)
			if err == nil {
				rep.Succeeded++
				tallies[i].Succeeded++
				continue
			}
			tallies[i].Failed++
			rep.Failures = append(rep.Failures, Failure{Channel: c.Handle, Message: msg, Reason: err.Error()})
			d.log.Debug("delivery failed",
				logx.String("report_id", rep.ID),
				logx.String("channel", c.Handle),
				logx.Int("message_id", msg.MessageID),
				logx.Err(err),
			)
		}
	}

	rep.Channels = tallies
	rep.Took = time.Since(started)
	switch {
	case rep.Succeeded == rep.Attempted:
		rep.Status = StatusDelivered
	case rep.Succeeded == 0:
		rep.Status = StatusFailed
	default:
		rep.Status = StatusPartial
	}
	return rep, nil
}

func (d *Dispatcher) attempt(ctx context.Context, lim *rate.Limiter, handle string, src transport.MessageRef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTransport, r)
		}
	}()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if err := d.deliverer.Redeliver(ctx, handle, src); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
