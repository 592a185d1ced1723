package relay

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingChannelHandle
	StateAwaitingChannelRemoval
	StateAwaitingAdminID
	StateAwaitingStagedContent
	StateAwaitingBroadcastTarget
	StateAwaitingConfirmation
)

var stateNames = [...]string{
	StateIdle:                    "idle",
	StateAwaitingChannelHandle:   "awaiting_channel_handle",
	StateAwaitingChannelRemoval:  "awaiting_channel_removal",
	StateAwaitingAdminID:         "awaiting_admin_id",
	StateAwaitingStagedContent:   "awaiting_staged_content",
	StateAwaitingBroadcastTarget: "awaiting_broadcast_target",
	StateAwaitingConfirmation:    "awaiting_confirmation",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type ActionKind int

const (
	ActionAddChannel ActionKind = iota + 1
	ActionRemoveChannel
	ActionAddAdmin
	ActionRemoveAdmin
)

func (k ActionKind) String() string {
	switch k {
	case ActionAddChannel:
		return "channel.add"
	case ActionRemoveChannel:
		return "channel.remove"
	case ActionAddAdmin:
		return "admin.add"
	case ActionRemoveAdmin:
		return "admin.remove"
	default:
		return "unknown"
	}
}

// PendingAction is a validated mutation waiting for a yes/no answer, or
// (in StateAwaitingAdminID) the admin operation the next answer is for.
type PendingAction struct {
	Kind    ActionKind
	Channel Channel
	AdminID int64
}

// Session is one operator's transient conversation state.
type Session struct {
	State   State
	Pending *PendingAction
	Touched time.Time
}

func (s Session) Idle() bool { return s.State == StateIdle }

type sessionEntry struct {
	mu   sync.Mutex
	sess Session
	dead bool
}

// Sessions holds in-memory sessions keyed by operator. Entries are created
// lazily for authorized operators only.
type Sessions struct {
	mu sync.Mutex
	m  map[int64]*sessionEntry
}

func NewSessions() *Sessions {
	return &Sessions{m: map[int64]*sessionEntry{}}
}

// acquire returns op's entry locked. Callers must unlock entry.mu.
func (s *Sessions) acquire(op int64) *sessionEntry {
	for {
		s.mu.Lock()
		e, ok := s.m[op]
		if !ok {
			e = &sessionEntry{}
			s.m[op] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		// Expired between lookup and lock; retry with a fresh entry.
		e.mu.Unlock()
	}
}

// Get returns a copy of op's session (Idle if none).
func (s *Sessions) Get(op int64) Session {
	s.mu.Lock()
	e, ok := s.m[op]
	s.mu.Unlock()
	if !ok {
		return Session{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Expire drops sessions untouched for ttl or longer. Sessions mid-transition
// are skipped. It returns the number of non-idle sessions that were reset.
func (s *Sessions) Expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for op, e := range s.m {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.sess.Touched) >= ttl {
			if !e.sess.Idle() {
				reset++
			}
			e.dead = true
			delete(s.m, op)
		}
		e.mu.Unlock()
	}
	return reset
}
