// Package mainloop provides the single goroutine event loop every connection
// and stream callback runs on. Other goroutines hand work to the loop with
// Post. Timers are kept by the loop itself and fire from RunPending, so a
// fake clock drives them deterministically.
package mainloop

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

// Loop runs posted functions and expired timers on one goroutine
type Loop struct {
	clock clockwork.Clock

	mu      sync.Mutex
	posted  []func()
	running []func()
	wake    chan struct{}

	timers []*TimeEvent // only accessed on the loop goroutine

	lg *zap.Logger
}

// New creates a Loop. A nil clock selects the real clock.
func New(clock clockwork.Clock, logger *zap.Logger) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
		lg:    logutil.OrNop(logger),
	}
}

// Clock returns the clock the loop schedules timers with
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Now returns the current time of the loop clock
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop goroutine. It is safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunPending runs every posted function, then every expired timer, then the
// functions those posted in turn. It returns the number of callbacks run.
// It must only be called from the loop goroutine.
func (l *Loop) RunPending() int {
	n := l.runPosted()
	n += l.runTimers()
	n += l.runPosted()
	return n
}

func (l *Loop) runPosted() int {
	n := 0
	for {
		l.mu.Lock()
		l.running, l.posted = l.posted, l.running[:0]
		fns := l.running
		l.mu.Unlock()
		if len(fns) == 0 {
			return n
		}
		for i, fn := range fns {
			fns[i] = nil
			fn()
			n++
		}
	}
}

func (l *Loop) runTimers() int {
	if len(l.timers) == 0 {
		return 0
	}
	now := l.clock.Now()
	due := make([]*TimeEvent, 0, len(l.timers))
	for _, e := range l.timers {
		if e.enabled && !e.deadline.After(now) {
			due = append(due, e)
		}
	}
	for _, e := range due {
		// an earlier callback may have freed or restarted it
		if !e.enabled || e.deadline.After(now) {
			continue
		}
		e.enabled = false
		e.cb(e)
	}
	l.sweep()
	return len(due)
}

// sweep drops freed timers
func (l *Loop) sweep() {
	live := l.timers[:0]
	for _, e := range l.timers {
		if !e.dead {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(l.timers); i++ {
		l.timers[i] = nil
	}
	l.timers = live
}

// nextTimeout returns how long until the earliest enabled timer expires
func (l *Loop) nextTimeout() (time.Duration, bool) {
	var earliest time.Time
	found := false
	for _, e := range l.timers {
		if !e.enabled {
			continue
		}
		if !found || e.deadline.Before(earliest) {
			earliest = e.deadline
			found = true
		}
	}
	if !found {
		return 0, false
	}
	d := earliest.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Run dispatches events until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	defer logutil.LogPanic(l.lg)

	for {
		l.RunPending()

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if d, ok := l.nextTimeout(); ok {
			timer = l.clock.NewTimer(d)
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// TimeEvent is a one shot timer owned by a Loop.
// All methods must be called from the loop goroutine.
type TimeEvent struct {
	loop     *Loop
	deadline time.Time
	enabled  bool
	dead     bool
	cb       func(e *TimeEvent)
}

// TimeNew creates a timer that calls cb once deadline has passed
func (l *Loop) TimeNew(deadline time.Time, cb func(e *TimeEvent)) *TimeEvent {
	e := &TimeEvent{
		loop:     l,
		deadline: deadline,
		enabled:  true,
		cb:       cb,
	}
	l.timers = append(l.timers, e)
	return e
}

// Restart arms the timer again with a new deadline
func (e *TimeEvent) Restart(deadline time.Time) {
	if e.dead {
		return
	}
	e.deadline = deadline
	e.enabled = true
}

// Disable stops the timer without freeing it
func (e *TimeEvent) Disable() {
	e.enabled = false
}

// Enabled reports whether the timer is armed
func (e *TimeEvent) Enabled() bool {
	return e.enabled
}

// Deadline returns the time the timer is, or was last, armed for
func (e *TimeEvent) Deadline() time.Time {
	return e.deadline
}

// Free releases the timer. Its callback will not run again.
func (e *TimeEvent) Free() {
	e.enabled = false
	e.dead = true
}
