package mux

import "time"

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultCeiling  = 10
)

// Action is what the broadcaster has to do after a mutation.
type Action int

const (
	ActionNone Action = iota
	ActionSchedule
	ActionFlushNow
)

func (a Action) String() string {
	switch a {
	case ActionSchedule:
		return "schedule"
	case ActionFlushNow:
		return "flush"
	default:
		return "none"
	}
}

// Throttle is the coalescing policy of the state broadcaster: mutations are
// debounced by Delay, but after Ceiling consecutive deferrals the next
// mutation flushes immediately.
// Whether a flush is pending is tracked by the caller's timer.
type Throttle struct {
	Attempts int
	Ceiling  int
	Delay    time.Duration
}

func NewThrottle(delay time.Duration, ceiling int) Throttle {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return Throttle{Delay: delay, Ceiling: ceiling}
}

// OnMutation cancels any pending flush and decides the next action. An empty
// snapshot leaves Attempts untouched.
func (t Throttle) OnMutation(empty bool) (Throttle, Action) {
	if empty {
		return t, ActionNone
	}
	if t.Attempts < t.Ceiling {
		t.Attempts++
		return t, ActionSchedule
	}
	return t, ActionFlushNow
}

// OnFlush records a flush. Attempts is reset only if the snapshot was sent.
func (t Throttle) OnFlush(sent bool) Throttle {
	if sent {
		t.Attempts = 0
	}
	return t
}
