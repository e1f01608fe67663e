package core

import "time"

const (
	minAcceptDelay  = 5 * time.Millisecond
	acceptWarnEvery = time.Second
)

// acceptBackoff paces the loop while accept keeps failing with something
// other than EAGAIN, such as EMFILE. The listener is level-triggered, so
// without it every wait returns at once and the same error repeats.
// Only the loop goroutine touches it.
type acceptBackoff struct {
	max        time.Duration
	delay      time.Duration
	lastWarn   time.Time
	suppressed int
}

// fail records one failure at now and returns how long to pause, whether
// to log it and how many failures went unlogged since the last warning.
func (b *acceptBackoff) fail(now time.Time) (delay time.Duration, warn bool, suppressed int) {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay *= 2
	}
	if b.max > 0 && b.delay > b.max {
		b.delay = b.max
	}

	if !b.lastWarn.IsZero() && now.Sub(b.lastWarn) < acceptWarnEvery {
		b.suppressed++
		return b.delay, false, 0
	}
	suppressed = b.suppressed
	b.lastWarn = now
	b.suppressed = 0
	return b.delay, true, suppressed
}

// reset clears the delay after a successful accept. The warning window
// stays so a flapping error is still logged at most once a second.
func (b *acceptBackoff) reset() {
	b.delay = 0
}
