package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const (
	EventChannelAdded      = "relay.channel.added"
	EventChannelRemoved    = "relay.channel.removed"
	EventAdminAdded        = "relay.admin.added"
	EventAdminRemoved      = "relay.admin.removed"
	EventStaged            = "relay.staged"
	EventStagingCleared    = "relay.staging.cleared"
	EventBroadcastFinished = "relay.broadcast.finished"
)

// AuditSink receives one entry per committed mutation and per broadcast.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators of a Machine. Audit and Bus are optional.
type Deps struct {
	Guard      *Guard
	Admins     *AdminStore
	Registry   *Registry
	Staging    *Staging
	Cooldown   *Cooldown
	Dispatcher *Dispatcher
	Sessions   *Sessions
	Audit      AuditSink
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// Machine drives every operator conversation. Handle is safe for
// concurrent use; calls for the same operator are serialized.
type Machine struct {
	Deps
	log  logx.Logger
	opts atomic.Pointer[Options]
}

func NewMachine(d Deps, opt Options) *Machine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sessions == nil {
		d.Sessions = NewSessions()
	}
	if d.Cooldown == nil {
		d.Cooldown = NewCooldown(opt.BroadcastCooldown)
	}
	m := &Machine{Deps: d, log: d.Log.With(logx.String("comp", "relay"))}
	m.Apply(opt)
	return m
}

// Apply swaps the live options and pushes limits into the components.
func (m *Machine) Apply(opt Options) {
	if opt.BroadcastTimeout <= 0 {
		opt.BroadcastTimeout = DefaultOptions().BroadcastTimeout
	}
	m.opts.Store(&opt)
	if m.Registry != nil {
		m.Registry.SetLimit(opt.ChannelLimit)
	}
	if m.Staging != nil {
		m.Staging.SetMax(opt.MaxStaged)
	}
	m.Cooldown.SetWindow(opt.BroadcastCooldown)
	if m.Dispatcher != nil {
		m.Dispatcher.SetRate(opt.DeliveryRatePerSec)
	}
}

func (m *Machine) Options() Options { return *m.opts.Load() }

// Session returns a copy of op's current session.
func (m *Machine) Session(op int64) Session { return m.Sessions.Get(op) }

// ExpireSessions resets sessions idle for longer than the configured TTL.
func (m *Machine) ExpireSessions(now time.Time) int {
	return m.Sessions.Expire(now, m.Options().SessionTTL)
}

// Handle processes one operator input and returns the replies to send.
//
// Unauthorized operators get a denial and nothing else: no session is
// created and no collection is touched. A step that fails with a storage
// error leaves the session in the state it had before the step.
func (m *Machine) Handle(ctx context.Context, in Input) Result {
	if in.At.IsZero() {
		in.At = m.Now()
	}
	log := m.log.With(logx.Int64("from_id", in.Operator))

	role, err := m.Guard.Resolve(ctx, in.Operator)
	if err != nil {
		log.Error("role lookup failed", logx.Err(err))
		return Result{Replies: []Reply{{Text: describe(err)}}, Err: err}
	}
	if role == RoleUnauthorized {
		log.Info("unauthorized input rejected", logx.String("intent", in.Intent.String()))
		return Result{Replies: []Reply{{Text: msgDenied}}, Err: ErrAuthorizationDenied}
	}

	e := m.Sessions.acquire(in.Operator)
	defer e.mu.Unlock()

	t := &turn{m: m, ctx: ctx, in: in, role: role, cur: e.sess, opts: m.Options(), log: log}
	next, res := t.run()
	if errors.Is(res.Err, ErrStorage) {
		log.Error("storage failure; session not advanced", logx.String("state", e.sess.State.String()), logx.Err(res.Err))
		next = e.sess
	}
	if next.State != e.sess.State {
		log.Debug("session transition",
			logx.String("from", e.sess.State.String()),
			logx.String("to", next.State.String()),
		)
	}
	next.Touched = in.At
	e.sess = next
	res.State = next.State
	return res
}

// turn is one Handle invocation.
type turn struct {
	m    *Machine
	ctx  context.Context
	in   Input
	role Role
	cur  Session
	opts Options
	log  logx.Logger
}

func (t *turn) idle(text string) (Session, Result) {
	return Session{State: StateIdle}, Result{Replies: []Reply{{Text: text, Keyboard: KeyboardMain, Role: t.role}}}
}

func (t *turn) fail(err error) (Session, Result) {
	next, res := t.idle(describe(err))
	res.Err = err
	return next, res
}

func (t *turn) await(state State, p *PendingAction, r Reply) (Session, Result) {
	r.Role = t.role
	return Session{State: state, Pending: p}, Result{Replies: []Reply{r}}
}

func (t *turn) run() (Session, Result) {
	in := t.in
	if in.Kind == InputIntent && in.Intent == IntentCancel {
		if t.cur.Idle() {
			return t.idle(msgNothingToCancel)
		}
		t.log.Debug("flow cancelled", logx.String("state", t.cur.State.String()))
		return t.idle(msgCancelled)
	}

	switch t.cur.State {
	case StateIdle:
		return t.fromIdle()
	case StateAwaitingConfirmation:
		return t.onConfirmation()
	}

	// Picking another menu entry abandons the pending flow.
	if in.Kind == InputIntent && in.Intent != IntentConfirm && in.Intent != IntentDeny {
		return t.fromIdle()
	}

	switch t.cur.State {
	case StateAwaitingChannelHandle:
		return t.onChannelHandle()
	case StateAwaitingChannelRemoval:
		return t.onChannelRemoval()
	case StateAwaitingAdminID:
		return t.onAdminID()
	case StateAwaitingStagedContent:
		return t.stage()
	case StateAwaitingBroadcastTarget:
		return t.onBroadcastTarget()
	}
	return t.idle(msgUseMenu)
}

func (t *turn) fromIdle() (Session, Result) {
	in := t.in
	switch in.Kind {
	case InputContent:
		return t.stage()
	case InputText:
		return t.idle(msgUseMenu)
	}
	if in.Intent.OwnerOnly() && t.role != RoleOwner {
		next, res := t.idle(msgOwnerOnly)
		res.Err = ErrAuthorizationDenied
		return next, res
	}

	ctx, op := t.ctx, in.Operator
	switch in.Intent {
	case IntentStart:
		return t.idle(greeting(t.role))
	case IntentHelp:
		return t.idle(helpText(t.role))
	case IntentConfirm, IntentDeny:
		return t.idle(msgNothingToConfirm)

	case IntentAddChannel:
		list, err := t.m.Registry.List(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		if limit := t.m.Registry.Limit(); len(list) >= limit {
			return t.fail(fmt.Errorf("you already have %d of %d channels: %w", len(list), limit, ErrLimitExceeded))
		}
		return t.await(StateAwaitingChannelHandle, nil, Reply{Text: promptChannelHandle, Keyboard: KeyboardCancel})

	case IntentRemoveChannel:
		list, err := t.m.Registry.List(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		if len(list) == 0 {
			return t.idle(msgNoChannels)
		}
		return t.await(StateAwaitingChannelRemoval, nil, Reply{Text: promptRemoveChannel, Keyboard: KeyboardChoices, Choices: handles(list)})

	case IntentListChannels:
		list, err := t.m.Registry.List(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		return t.idle(renderChannels(list, t.m.Registry.Limit()))

	case IntentStage:
		return t.await(StateAwaitingStagedContent, nil, Reply{Text: promptStage, Keyboard: KeyboardCancel})

	case IntentListStaged:
		list, err := t.m.Staging.Snapshot(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		return t.idle(renderStaged(list))

	case IntentClearStaged:
		n, err := t.m.Staging.Clear(ctx, op)
		t.m.audit(ctx, in, "staging.clear", "", n, 0, err, 0, nil)
		if err != nil {
			return t.fail(err)
		}
		t.m.publish(EventStagingCleared, map[string]any{"operator": op, "count": n})
		return t.idle(fmt.Sprintf("Cleared %d staged message(s).", n))

	case IntentBroadcast:
		if rem := t.m.Cooldown.Remaining(op, in.At); rem > 0 {
			return t.fail(&CooldownError{Remaining: rem})
		}
		msgs, err := t.m.Staging.Snapshot(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		if len(msgs) == 0 {
			return t.fail(fmt.Errorf("nothing is staged: %w", ErrNothingToSend))
		}
		list, err := t.m.Registry.List(ctx, op)
		if err != nil {
			return t.fail(err)
		}
		if len(list) == 0 {
			return t.fail(fmt.Errorf("you have no channels registered: %w", ErrNothingToSend))
		}
		prompt := fmt.Sprintf("Broadcast %d staged message(s) to which channels?\nChoose All, one channel, or type several separated by commas.", len(msgs))
		return t.await(StateAwaitingBroadcastTarget, nil, Reply{
			Text:     prompt,
			Keyboard: KeyboardChoices,
			Choices:  append([]string{ChoiceAll}, handles(list)...),
		})

	case IntentAddAdmin:
		return t.await(StateAwaitingAdminID, &PendingAction{Kind: ActionAddAdmin}, Reply{Text: promptAddAdmin, Keyboard: KeyboardCancel})

	case IntentRemoveAdmin:
		ids, err := t.m.Admins.List(ctx)
		if err != nil {
			return t.fail(err)
		}
		if len(ids) == 0 {
			return t.idle(msgNoAdmins)
		}
		choices := make([]string, len(ids))
		for i, id := range ids {
			choices[i] = operatorKey(id)
		}
		return t.await(StateAwaitingAdminID, &PendingAction{Kind: ActionRemoveAdmin}, Reply{Text: promptRemoveAdmin, Keyboard: KeyboardChoices, Choices: choices})

	case IntentListAdmins:
		ids, err := t.m.Admins.List(ctx)
		if err != nil {
			return t.fail(err)
		}
		return t.idle(renderAdmins(ids))

	case IntentOverview:
		rows, err := t.m.Registry.Overview(ctx)
		if err != nil {
			return t.fail(err)
		}
		return t.idle(renderOverview(rows, t.m.Guard.Owner()))
	}
	return t.idle(msgUseMenu)
}

func (t *turn) stage() (Session, Result) {
	n, err := t.m.Staging.Append(t.ctx, t.in.Operator, t.in.Source)
	if err != nil {
		return t.fail(err)
	}
	t.m.publish(EventStaged, map[string]any{"operator": t.in.Operator, "count": n})
	return t.idle(fmt.Sprintf("Staged. %d message(s) waiting for broadcast.", n))
}

// confirmOrCommit gates p behind a yes/no prompt when confirmations are on.
func (t *turn) confirmOrCommit(p PendingAction, question string) (Session, Result) {
	if t.opts.ConfirmMutations {
		return t.await(StateAwaitingConfirmation, &p, Reply{Text: question, Keyboard: KeyboardConfirm})
	}
	return t.commit(p)
}

func (t *turn) onChannelHandle() (Session, Result) {
	if strings.TrimSpace(t.in.Text) == "" {
		return t.fail(invalid("send the channel username or id as text"))
	}
	ch, err := t.m.Registry.Validate(t.ctx, t.in.Operator, t.in.Text)
	if err != nil {
		return t.fail(err)
	}
	return t.confirmOrCommit(PendingAction{Kind: ActionAddChannel, Channel: ch}, "Add channel "+ch.Label()+"?")
}

func (t *turn) onChannelRemoval() (Session, Result) {
	if strings.TrimSpace(t.in.Text) == "" {
		return t.fail(invalid("send the channel username or id as text"))
	}
	ch, err := t.m.Registry.Find(t.ctx, t.in.Operator, t.in.Text)
	if err != nil {
		return t.fail(err)
	}
	return t.confirmOrCommit(PendingAction{Kind: ActionRemoveChannel, Channel: ch}, "Remove channel "+ch.Label()+"?")
}

func (t *turn) onAdminID() (Session, Result) {
	p := t.cur.Pending
	if p == nil || t.role != RoleOwner {
		return t.idle(msgUseMenu)
	}
	id, err := parseOperatorID(t.in.Text)
	if err != nil {
		return t.fail(err)
	}
	owner := t.m.Guard.Owner()

	switch p.Kind {
	case ActionAddAdmin:
		if id == owner {
			return t.fail(fmt.Errorf("user %d is the owner and already privileged: %w", id, ErrDuplicate))
		}
		ok, err := t.m.Admins.IsAdmin(t.ctx, id)
		if err != nil {
			return t.fail(err)
		}
		if ok {
			return t.fail(fmt.Errorf("user %d is already an admin: %w", id, ErrDuplicate))
		}
		return t.confirmOrCommit(PendingAction{Kind: ActionAddAdmin, AdminID: id}, fmt.Sprintf("Grant admin rights to user %d?", id))
	case ActionRemoveAdmin:
		if id == owner {
			return t.fail(invalid("the owner cannot be removed"))
		}
		ok, err := t.m.Admins.IsAdmin(t.ctx, id)
		if err != nil {
			return t.fail(err)
		}
		if !ok {
			return t.fail(fmt.Errorf("user %d is not an admin: %w", id, ErrNotFound))
		}
		return t.confirmOrCommit(PendingAction{Kind: ActionRemoveAdmin, AdminID: id}, fmt.Sprintf("Revoke admin rights from user %d?", id))
	}
	return t.idle(msgUseMenu)
}

func (t *turn) onConfirmation() (Session, Result) {
	in := t.in
	yes := (in.Kind == InputIntent && in.Intent == IntentConfirm) ||
		(in.Kind == InputText && isAffirmative(in.Text))
	if !yes || t.cur.Pending == nil {
		return t.idle(msgDiscarded)
	}
	return t.commit(*t.cur.Pending)
}

func (t *turn) commit(p PendingAction) (Session, Result) {
	ctx, op := t.ctx, t.in.Operator
	start := time.Now()

	var (
		err    error
		target string
		event  string
		done   string
	)
	switch p.Kind {
	case ActionAddChannel:
		target, event = p.Channel.Handle, EventChannelAdded
		err = t.m.Registry.Commit(ctx, op, p.Channel)
		done = "Channel " + p.Channel.Label() + " added."
	case ActionRemoveChannel:
		target, event = p.Channel.Handle, EventChannelRemoved
		err = t.m.Registry.Remove(ctx, op, p.Channel.Handle)
		done = "Channel " + p.Channel.Label() + " removed."
	case ActionAddAdmin:
		if t.role != RoleOwner {
			return t.fail(ErrAuthorizationDenied)
		}
		target, event = operatorKey(p.AdminID), EventAdminAdded
		err = t.m.Admins.Add(ctx, p.AdminID)
		done = fmt.Sprintf("User %d is now an admin.", p.AdminID)
	case ActionRemoveAdmin:
		if t.role != RoleOwner {
			return t.fail(ErrAuthorizationDenied)
		}
		target, event = operatorKey(p.AdminID), EventAdminRemoved
		err = t.m.Admins.Remove(ctx, p.AdminID)
		done = fmt.Sprintf("User %d is no longer an admin.", p.AdminID)
	default:
		return t.idle(msgUseMenu)
	}

	ok, failed := 1, 0
	if err != nil {
		ok, failed = 0, 1
	}
	t.m.audit(ctx, t.in, p.Kind.String(), target, ok, failed, err, time.Since(start), nil)
	if err != nil {
		return t.fail(err)
	}
	t.log.Info("mutation committed", logx.String("action", p.Kind.String()), logx.String("target", target))
	t.m.publish(event, map[string]any{"operator": op, "target": target})
	return t.idle(done)
}

func (t *turn) onBroadcastTarget() (Session, Result) {
	ctx, op := t.ctx, t.in.Operator
	if t.in.Kind == InputContent && strings.TrimSpace(t.in.Text) == "" {
		return t.fail(invalid("choose the target channels from the keyboard"))
	}
	sel, err := parseSelector(t.in.Text)
	if err != nil {
		return t.fail(err)
	}
	targets, err := t.m.Dispatcher.Resolve(ctx, op, sel)
	if err != nil {
		return t.fail(err)
	}
	msgs, err := t.m.Staging.Snapshot(ctx, op)
	if err != nil {
		return t.fail(err)
	}
	if len(msgs) == 0 || len(targets) == 0 {
		return t.fail(fmt.Errorf("nothing is staged or no channel was selected: %w", ErrNothingToSend))
	}
	if err := t.m.Cooldown.CheckAndRecord(op, t.in.At); err != nil {
		return t.fail(err)
	}

	rep, err := t.m.broadcast(ctx, t.in, sel, msgs)
	if err != nil {
		return t.fail(err)
	}
	if rep.Status == StatusNothingToSend {
		return t.fail(fmt.Errorf("nothing to send: %w", ErrNothingToSend))
	}
	text := renderReport(rep)
	if t.opts.ClearAfterBroadcast && rep.Status == StatusDelivered {
		if _, err := t.m.Staging.Clear(ctx, op); err != nil {
			t.log.Warn("clear after broadcast failed", logx.Err(err))
		} else {
			text += "\nStaging cleared."
		}
	}
	return t.idle(text)
}

// broadcast runs the fan-out detached from the request deadline: once
// started, a fan-out is never cut short by the operator's request ending.
func (m *Machine) broadcast(ctx context.Context, in Input, sel TargetSelector, msgs []StagedMessage) (Report, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.Options().BroadcastTimeout)
	defer cancel()

	rep, err := m.Dispatcher.Dispatch(bctx, in.Operator, sel, msgs)
	if err != nil {
		return rep, err
	}
	target := ChoiceAll
	if !sel.All {
		target = strings.Join(sel.Handles, ",")
	}
	meta := map[string]any{"report_id": rep.ID, "messages": len(msgs), "status": string(rep.Status)}
	m.audit(ctx, in, "broadcast", target, rep.Succeeded, rep.Failed(), nil, rep.Took, meta)

	lvl := m.log.Info
	if rep.Failed() > 0 {
		lvl = m.log.Warn
	}
	lvl("broadcast finished",
		logx.String("report_id", rep.ID),
		logx.Int64("from_id", in.Operator),
		logx.Int("attempted", rep.Attempted),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed()),
		logx.Duration("took", rep.Took),
	)
	m.publish(EventBroadcastFinished, rep)
	return rep, nil
}

// audit is best-effort: a failed append is logged, never surfaced.
func (m *Machine) audit(ctx context.Context, in Input, action, target string, ok, fail int, err error, took time.Duration, meta map[string]any) {
	if m.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            m.Now(),
		ActorID:       in.Operator,
		ActorUsername: in.Username,
		ChatID:        in.ChatID,
		Action:        action,
		Target:        target,
		OK:            ok,
		Fail:          fail,
		TookMS:        took.Milliseconds(),
	}
	if id, _ := meta["report_id"].(string); id != "" {
		e.ID = id
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aErr := m.Audit.AppendAudit(context.WithoutCancel(ctx), e); aErr != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(aErr))
	}
}

func (m *Machine) publish(typ string, data any) {
	if m.Bus == nil {
		return
	}
	m.Bus.Publish(eventbus.Event{Type: typ, Time: m.Now(), Data: data})
}

func handles(list []Channel) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = DisplayHandle(c.Handle)
	}
	return out
}
